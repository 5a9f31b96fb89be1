package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/auth"
	"github.com/noisersup/dedupfs-api/drive"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/metrics"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/share"
	"github.com/noisersup/dedupfs-api/tree"
)

// Files above this size are served as attachments instead of inline.
const inlineLimit = 100 * 1000000

const idPattern = `([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`

// Server is a structure responsible for handling all http requests.
type Server struct {
	maxUpload int64
	drive     *drive.Drive
	tree      *tree.Store
	auth      *auth.Sessions
	metrics   *metrics.Metrics
}

func New(d *drive.Drive, t *tree.Store, a *auth.Sessions, m *metrics.Metrics, maxUpload int64) *Server {
	return &Server{maxUpload: maxUpload, drive: d, tree: t, auth: a, metrics: m}
}

type handler struct {
	regex   *regexp.Regexp
	methods []string
	handle  func(w http.ResponseWriter, r *http.Request, args []string) // args are the regex submatches
}

// Handler routes requests to the API handlers.
func (s *Server) Handler() http.Handler {
	handlers := []handler{
		{regexp.MustCompile(`^/metadata/?$`), []string{"POST"}, s.authorized(s.register)},
		{regexp.MustCompile(`^/metadata/` + idPattern + `$`), []string{"GET"}, s.authorized(s.getMetadata)},
		{regexp.MustCompile(`^/metadata/` + idPattern + `$`), []string{"PUT"}, s.authorized(s.updateMetadata)},
		{regexp.MustCompile(`^/metadata/` + idPattern + `$`), []string{"DELETE"}, s.authorized(s.deleteNode)},
		{regexp.MustCompile(`^/files/` + idPattern + `$`), []string{"GET"}, s.authorized(s.getFile)},
		{regexp.MustCompile(`^/files/` + idPattern + `$`), []string{"POST"}, s.authorized(s.confirmUpload)},
		{regexp.MustCompile(`^/files/` + idPattern + `$`), []string{"PUT"}, s.authorized(s.updateFile)},
		{regexp.MustCompile(`^/share/?$`), []string{"POST"}, s.authorized(s.createShareLink)},
		{regexp.MustCompile(`^/share/([^/]+)$`), []string{"GET"}, s.getSharedFile},
		{regexp.MustCompile(`^/share/([^/]+)$`), []string{"DELETE"}, s.authorized(s.revokeShareLink)},
		{regexp.MustCompile(`^/session/refresh$`), []string{"POST"}, s.refreshSession},
		{regexp.MustCompile(`^/session$`), []string{"DELETE"}, s.authorized(s.logout)},
		{regexp.MustCompile(`^/metrics$`), []string{"GET"}, func(w http.ResponseWriter, r *http.Request, _ []string) {
			s.metrics.Handler().ServeHTTP(w, r)
		}},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		matched := false
		for _, h := range handlers {
			match := h.regex.FindStringSubmatch(r.URL.Path)
			if match == nil {
				continue
			}
			matched = true
			for _, allowed := range h.methods {
				if r.Method == allowed {
					h.handle(w, r, match[1:])
					return
				}
			}
		}
		if matched {
			errResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		l.LogV("Cannot handle request %s %s", r.Method, r.URL.Path)
		errResponse(w, http.StatusNotFound, "Not found")
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		l.Log("Waiting for connection on port: :%d...", port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	l.Log("Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

type authorizedFunc func(w http.ResponseWriter, r *http.Request, args []string, p *models.Principal)

// authorized resolves the caller's session and makes sure its root folder exists.
func (s *Server) authorized(next authorizedFunc) func(w http.ResponseWriter, r *http.Request, args []string) {
	return func(w http.ResponseWriter, r *http.Request, args []string) {
		p, err := s.auth.Authorize(r)
		if err != nil {
			fail(w, err)
			return
		}
		if p.RootFolderID != uuid.Nil {
			if _, err := s.tree.EnsureRoot(r.Context(), p.ID, p.RootFolderID); err != nil {
				fail(w, err)
				return
			}
		}
		next(w, r, args, p)
	}
}

/*
	Metadata
*/

func (s *Server) register(w http.ResponseWriter, r *http.Request, _ []string, p *models.Principal) {
	var req drive.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, err)
		return
	}
	res, err := s.drive.Register(r.Context(), p, req)
	if err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, res, http.StatusOK)
}

func (s *Server) getMetadata(w http.ResponseWriter, r *http.Request, args []string, p *models.Principal) {
	subtree, _ := strconv.ParseBool(r.URL.Query().Get("tree"))
	node, err := s.drive.Metadata(r.Context(), p, uuid.MustParse(args[0]), subtree)
	if err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, node, http.StatusOK)
}

func (s *Server) updateMetadata(w http.ResponseWriter, r *http.Request, args []string, p *models.Principal) {
	var patch drive.MetadataPatch
	if err := decodeJSON(r, &patch); err != nil {
		fail(w, err)
		return
	}
	node, err := s.drive.UpdateMetadata(r.Context(), p, uuid.MustParse(args[0]), patch)
	if err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, node, http.StatusOK)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request, args []string, p *models.Principal) {
	if err := s.drive.Delete(r.Context(), p, uuid.MustParse(args[0])); err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, StatusResponse{Status: "Success"}, http.StatusOK)
}

/*
	Files
*/

func (s *Server) getFile(w http.ResponseWriter, r *http.Request, args []string, p *models.Principal) {
	node, rc, err := s.drive.Open(r.Context(), p, uuid.MustParse(args[0]))
	if err != nil {
		fail(w, err)
		return
	}
	defer rc.Close()
	serveFile(w, node, rc)
}

func (s *Server) confirmUpload(w http.ResponseWriter, r *http.Request, args []string, p *models.Principal) {
	body, err := s.upload(w, r)
	if err != nil {
		fail(w, err)
		return
	}
	defer body.Close()

	node, err := s.drive.Confirm(r.Context(), p, uuid.MustParse(args[0]), body, r.URL.Query().Get("sha256"))
	if err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, node, http.StatusOK)
}

func (s *Server) updateFile(w http.ResponseWriter, r *http.Request, args []string, p *models.Principal) {
	body, err := s.upload(w, r)
	if err != nil {
		fail(w, err)
		return
	}
	defer body.Close()

	node, err := s.drive.Update(r.Context(), p, uuid.MustParse(args[0]), body, r.URL.Query().Get("sha256"))
	if err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, node, http.StatusOK)
}

// upload returns the uploaded bytes: the first file part of a multipart form or the raw body.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, models.BadRequest("multipart: %v", err)
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, models.BadRequest("no file in form")
		}
		if err != nil {
			return nil, models.BadRequest("multipart: %v", err)
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

/*
	Share links
*/

func (s *Server) createShareLink(w http.ResponseWriter, r *http.Request, _ []string, p *models.Principal) {
	var req drive.ShareRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, err)
		return
	}
	token, err := s.drive.CreateShareLink(r.Context(), p, req)
	if err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, ShareResponse{Status: "Success", Link: token}, http.StatusOK)
}

func (s *Server) getSharedFile(w http.ResponseWriter, r *http.Request, args []string) {
	q := r.URL.Query()
	req := share.ResolveRequest{Token: args[0], SubPath: q.Get("path")}
	if q.Has("password") {
		pw := q.Get("password")
		req.Password = &pw
	}
	req.MetadataOnly, _ = strconv.ParseBool(q.Get("metadata"))

	res, rc, err := s.drive.ResolveShareLink(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	if rc == nil {
		writeResponse(w, res.Node, http.StatusOK)
		return
	}
	defer rc.Close()
	serveFile(w, res.Node, rc)
}

func (s *Server) revokeShareLink(w http.ResponseWriter, r *http.Request, args []string, p *models.Principal) {
	if err := s.drive.RevokeShareLink(r.Context(), p, args[0]); err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, StatusResponse{Status: "Success"}, http.StatusOK)
}

/*
	Sessions
*/

func (s *Server) refreshSession(w http.ResponseWriter, r *http.Request, _ []string) {
	if _, err := s.auth.Refresh(w, r); err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, StatusResponse{Status: "Success"}, http.StatusOK)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, _ []string, p *models.Principal) {
	if err := s.auth.Revoke(r.Context(), p.Token); err != nil {
		fail(w, models.Unavailable(err, "session cache"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: auth.CookieName, Value: "", MaxAge: -1})
	writeResponse(w, StatusResponse{Status: "Success"}, http.StatusOK)
}

//
//
//

// serveFile streams the content of node to the client.
func serveFile(w http.ResponseWriter, node *models.FileNode, content io.Reader) {
	// Dont show file on web if it's bigger than ~100MB
	if node.Size > inlineLimit {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": node.Name}))
	} else {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": node.Name}))
	}

	ctype := node.Extra.MimeType
	if ctype == "" {
		ctype = mime.TypeByExtension(filepath.Ext(node.Name))
	}
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content); err != nil {
		l.Warn("Transfer of %s interrupted: %v", node.ID, err)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.BadRequest("invalid request body: %v", err)
	}
	return nil
}

// statusOf maps an error to the HTTP status reported to the client.
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrBadToken):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	}

	switch models.KindOf(err) {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindBadRequest:
		return http.StatusBadRequest
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	switch status {
	case http.StatusInternalServerError:
		l.Err("Internal error: %v", err)
		errResponse(w, status, "Internal error")
	case http.StatusServiceUnavailable:
		l.Err("Storage unavailable: %v", err)
		errResponse(w, status, "Storage unavailable")
	default:
		errResponse(w, status, err.Error())
	}
}

func writeResponse(w http.ResponseWriter, response interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		l.Err("JSON encoding error: %s", err)
	}
}

func errResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Del("Content-Disposition")
	writeResponse(w, ErrResponse{Error: msg}, status)
}
