// Package share issues and resolves share links: unguessable tokens granting
// time-boxed, optionally password protected and download-limited read access to
// one node and everything below it.
package share

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/metrics"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/tree"
	satori "github.com/satori/go.uuid"
	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores everything after 72 bytes, longer passwords would match on their prefix.
const maxPasswordLen = 72

// Keys of a link: share:<token> holds the record, limit and password live beside it.
const (
	keyPrefix      = "share:"
	limitSuffix    = ":limit"
	passwordSuffix = ":password"
)

// record is the value stored under the token key. Protected is kept with the
// token, so a link whose password key expired first fails closed.
type record struct {
	Target    uuid.UUID `json:"target"`
	Protected bool      `json:"protected,omitempty"`
}

// Resolution outcomes recorded in metrics.
const (
	outcomeOK          = "ok"
	outcomeNotFound    = "not_found"
	outcomeBadPassword = "bad_password"
	outcomeExhausted   = "exhausted"
)

type Manager struct {
	kv      models.Cache
	tree    *tree.Store
	metrics *metrics.Metrics
	cost    int
}

// New returns a manager storing links in kv. A cost of zero means bcrypt.DefaultCost.
func New(kv models.Cache, t *tree.Store, m *metrics.Metrics, cost int) *Manager {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Manager{kv: kv, tree: t, metrics: m, cost: cost}
}

// Issue creates a link to target living for ttl. downloadLimit is the number of
// file downloads allowed, models.UnlimitedDownloads for no limit. A nil or empty
// password leaves the link open.
func (m *Manager) Issue(ctx context.Context, target uuid.UUID, ttl time.Duration, downloadLimit int64, password *string) (string, error) {
	if ttl <= 0 {
		return "", models.BadRequest("share link lifetime must be positive")
	}
	if downloadLimit == 0 || downloadLimit < models.UnlimitedDownloads {
		return "", models.BadRequest("invalid download limit %d", downloadLimit)
	}
	if password != nil && len(*password) > maxPasswordLen {
		return "", models.BadRequest("password longer than %d bytes", maxPasswordLen)
	}
	if _, err := m.tree.Get(ctx, target); err != nil {
		return "", err
	}
	if password != nil && *password == "" {
		password = nil
	}

	token := satori.NewV4().String()
	key := keyPrefix + token
	rec, err := json.Marshal(record{Target: target, Protected: password != nil})
	if err != nil {
		return "", err
	}

	// The token key is written last: a link is resolvable only once complete.
	if password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*password), m.cost)
		if err != nil {
			return "", models.BadRequest("password: %v", err)
		}
		if err := m.kv.Set(ctx, key+passwordSuffix, hash, ttl); err != nil {
			return "", models.Unavailable(err, "share cache")
		}
	}
	limit := []byte(strconv.FormatInt(downloadLimit, 10))
	if err := m.kv.Set(ctx, key+limitSuffix, limit, ttl); err != nil {
		m.forget(ctx, token)
		return "", models.Unavailable(err, "share cache")
	}
	if err := m.kv.Set(ctx, key, rec, ttl); err != nil {
		m.forget(ctx, token)
		return "", models.Unavailable(err, "share cache")
	}

	l.LogV("share: issued link to %s for %s (limit %d)", target, ttl, downloadLimit)
	return token, nil
}

type ResolveRequest struct {
	Token string
	// Password is nil when the caller did not supply one.
	Password *string
	// SubPath is a slash separated list of child ids or names below the target.
	SubPath string
	// MetadataOnly resolutions return the node without consuming a download.
	MetadataOnly bool
}

type Resolution struct {
	Node *models.FileNode
	Link models.ShareLink
}

// Resolve checks the link and returns the node it grants access to. A resolution
// of a file's content consumes one download.
func (m *Manager) Resolve(ctx context.Context, req ResolveRequest) (Resolution, error) {
	res, outcome, err := m.resolve(ctx, req)
	m.metrics.ShareResolved(outcome)
	return res, err
}

func (m *Manager) resolve(ctx context.Context, req ResolveRequest) (Resolution, string, error) {
	var res Resolution

	link, err := m.load(ctx, req.Token)
	if err != nil {
		return res, outcomeNotFound, err
	}
	res.Link = *link

	if link.PasswordHash != nil {
		if req.Password == nil || *req.Password == "" {
			return res, outcomeBadPassword, models.BadRequest("wrong password")
		}
		if bcrypt.CompareHashAndPassword(link.PasswordHash, []byte(*req.Password)) != nil {
			return res, outcomeBadPassword, models.BadRequest("wrong password")
		}
	}
	if link.RemainingDownloads == 0 {
		return res, outcomeExhausted, models.BadRequest("download limit reached")
	}

	node, err := m.tree.Walk(ctx, link.Target, splitPath(req.SubPath))
	if err != nil {
		return res, outcomeNotFound, err
	}
	res.Node = node

	if req.MetadataOnly {
		return res, outcomeOK, nil
	}
	if node.Kind != models.KindFile {
		return res, outcomeOK, models.BadRequest("%s is not a file", node.ID)
	}
	if link.RemainingDownloads == models.UnlimitedDownloads {
		return res, outcomeOK, nil
	}

	left, err := m.kv.Decrement(ctx, keyPrefix+req.Token+limitSuffix)
	switch {
	case errors.Is(err, models.ErrExhausted):
		return res, outcomeExhausted, models.BadRequest("download limit reached")
	case errors.Is(err, models.ErrCacheMiss):
		return res, outcomeNotFound, models.NotFound("share link expired")
	case err != nil:
		return res, outcomeNotFound, models.Unavailable(err, "share cache")
	}
	res.Link.RemainingDownloads = left
	return res, outcomeOK, nil
}

// Revoke deletes the link. Revoking an unknown token is not an error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if !wellFormed(token) {
		return nil
	}
	key := keyPrefix + token
	if err := m.kv.Delete(ctx, key, key+limitSuffix, key+passwordSuffix); err != nil {
		return models.Unavailable(err, "share cache")
	}
	return nil
}

// Link returns the current state of a link.
func (m *Manager) Link(ctx context.Context, token string) (*models.ShareLink, error) {
	return m.load(ctx, token)
}

func (m *Manager) load(ctx context.Context, token string) (*models.ShareLink, error) {
	if !wellFormed(token) {
		return nil, models.NotFound("share link not found")
	}
	key := keyPrefix + token

	raw, err := m.kv.Get(ctx, key)
	if errors.Is(err, models.ErrCacheMiss) {
		return nil, models.NotFound("share link not found or expired")
	}
	if err != nil {
		return nil, models.Unavailable(err, "share cache")
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Target == uuid.Nil {
		l.Defect("share: link %s holds %q", token, raw)
		return nil, models.Integrity("share link %s is corrupted", token)
	}
	link := &models.ShareLink{Token: token, Target: rec.Target}

	raw, err = m.kv.Get(ctx, key+limitSuffix)
	if errors.Is(err, models.ErrCacheMiss) {
		return nil, models.NotFound("share link not found or expired")
	}
	if err != nil {
		return nil, models.Unavailable(err, "share cache")
	}
	if link.RemainingDownloads, err = strconv.ParseInt(string(raw), 10, 64); err != nil {
		l.Defect("share: link %s has download limit %q", token, raw)
		return nil, models.Integrity("share link %s is corrupted", token)
	}

	if !rec.Protected {
		return link, nil
	}
	hash, err := m.kv.Get(ctx, key+passwordSuffix)
	if errors.Is(err, models.ErrCacheMiss) {
		return nil, models.NotFound("share link not found or expired")
	}
	if err != nil {
		return nil, models.Unavailable(err, "share cache")
	}
	link.PasswordHash = hash
	return link, nil
}

// wellFormed reports whether token is a canonical uuid, the only form Issue hands out.
func wellFormed(token string) bool {
	u, err := satori.FromString(token)
	return err == nil && u.String() == token
}

func (m *Manager) forget(ctx context.Context, token string) {
	if err := m.Revoke(ctx, token); err != nil {
		l.Warn("share: could not clean up half issued link: %v", err)
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
