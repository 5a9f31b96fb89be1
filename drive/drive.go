// Package drive is the entry point of every user-facing operation: the two phase
// upload, content reads and rewrites, metadata changes, deletion and share links.
// It enforces ownership and ties the tree, dedup, staging and storage layers together.
package drive

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/dedup"
	"github.com/noisersup/dedupfs-api/hasher"
	"github.com/noisersup/dedupfs-api/lockmap"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/metrics"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/share"
	"github.com/noisersup/dedupfs-api/staging"
	"github.com/noisersup/dedupfs-api/storage"
	"github.com/noisersup/dedupfs-api/tree"
)

// Registration statuses.
const (
	// StatusSuccess asks the client to upload the bytes.
	StatusSuccess = "success"
	// StatusRef means the content already exists and no upload is needed.
	StatusRef = "ref"
)

type Drive struct {
	tree     *tree.Store
	dedup    *dedup.Manager
	staging  *staging.Cache
	backends *storage.Registry
	share    *share.Manager
	metrics  *metrics.Metrics

	// node:<id> serializes content changes of one file and the confirm of one upload
	nodes *lockmap.Map
	now   func() time.Time
}

func New(t *tree.Store, d *dedup.Manager, st *staging.Cache, backends *storage.Registry, sh *share.Manager, m *metrics.Metrics) *Drive {
	return &Drive{
		tree:     t,
		dedup:    d,
		staging:  st,
		backends: backends,
		share:    sh,
		metrics:  m,
		nodes:    lockmap.New(),
		now:      time.Now,
	}
}

type RegisterRequest struct {
	Name        string      `json:"name"`
	Kind        models.Kind `json:"kind"`
	Parent      uuid.UUID   `json:"father"`
	Size        int64       `json:"size"`
	ContentHash string      `json:"sha256"`
	StorageType string      `json:"storageType"`
}

type RegisterResult struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// Register creates the metadata of a new node. Folders are committed at once.
// A file whose declared hash already has a mother becomes a reference right away
// (StatusRef); any other file is staged until its bytes are confirmed (StatusSuccess).
// A zero Parent means the principal's root folder.
func (d *Drive) Register(ctx context.Context, p *models.Principal, req RegisterRequest) (RegisterResult, error) {
	var res RegisterResult

	switch req.Kind {
	case models.KindRoot:
		return res, models.BadRequest("root folders cannot be registered")
	case models.KindFile, models.KindFolder:
	default:
		return res, models.BadRequest("invalid kind %q", req.Kind)
	}
	if err := tree.ValidName(req.Name); err != nil {
		return res, err
	}
	if req.Parent == uuid.Nil {
		req.Parent = p.RootFolderID
	}

	parent, err := d.tree.Get(ctx, req.Parent)
	if err != nil {
		return res, err
	}
	if err := checkOwner(p, parent); err != nil {
		return res, err
	}
	if !parent.IsContainer() {
		return res, models.BadRequest("parent %s is not a folder", parent.ID)
	}

	node := &models.FileNode{
		ID:        uuid.New(),
		Name:      req.Name,
		Kind:      req.Kind,
		Parent:    parent.ID,
		Owner:     p.ID,
		CreatedAt: d.now().UTC(),
	}
	res.ID = node.ID

	if req.Kind == models.KindFolder {
		node.Children = []uuid.UUID{}
		if err := d.tree.Create(ctx, node); err != nil {
			return res, err
		}
		l.LogV("drive: folder %s (%s) created in %s", node.ID, node.Name, parent.ID)
		res.Status = StatusSuccess
		return res, nil
	}

	if _, err := d.backends.Lookup(req.StorageType); err != nil {
		return res, err
	}
	if req.Size < 0 {
		return res, models.BadRequest("negative size")
	}
	if req.ContentHash != "" && !hasher.Valid(req.ContentHash) {
		return res, models.BadRequest("malformed sha256 %q", req.ContentHash)
	}
	node.Size = req.Size
	node.ContentHash = hasher.Normalize(req.ContentHash)
	node.StorageType = req.StorageType

	if node.ContentHash != "" {
		mother, err := d.dedup.Link(ctx, node, d.tree.Create)
		if err != nil {
			return res, err
		}
		if mother != nil {
			l.LogV("drive: %s (%s) registered as a reference to %s", node.ID, node.Name, mother.ID)
			d.metrics.Registered(StatusRef)
			res.Status = StatusRef
			return res, nil
		}
	}

	if err := d.staging.Put(ctx, node); err != nil {
		return res, err
	}
	d.metrics.Registered(StatusSuccess)
	res.Status = StatusSuccess
	return res, nil
}

// Confirm receives the bytes of a staged upload. overrideHash, when set, replaces
// the declared hash the bytes are verified against. On a mismatch nothing is kept
// and the upload stays staged.
func (d *Drive) Confirm(ctx context.Context, p *models.Principal, id uuid.UUID, r io.Reader, overrideHash string) (*models.FileNode, error) {
	unlock := d.nodes.Lock("node:" + id.String())
	defer unlock()

	node, err := d.staging.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(p, node); err != nil {
		return nil, err
	}

	expected := node.ContentHash
	if overrideHash != "" {
		if !hasher.Valid(overrideHash) {
			return nil, models.BadRequest("malformed sha256 %q", overrideHash)
		}
		expected = hasher.Normalize(overrideHash)
	}

	written, mime, err := d.write(ctx, node.StorageType, r, expected)
	if err != nil {
		return nil, err
	}

	node.Size = written.Size
	node.ContentHash = written.Hash
	node.Locator = written.Locator
	node.Extra.MimeType = mime

	mother, err := d.dedup.Commit(ctx, node, d.tree.Create)
	if err != nil {
		d.dropBlob(ctx, &dedup.Blob{StorageType: written.StorageType, Locator: written.Locator}, false)
		return nil, err
	}
	if mother != nil {
		// identical content arrived since registration, the new copy is not needed
		d.dropBlob(ctx, &dedup.Blob{StorageType: written.StorageType, Locator: written.Locator}, false)
		d.metrics.Confirmed(0)
	} else {
		d.metrics.Confirmed(written.Size)
	}

	if err := d.staging.Evict(ctx, id); err != nil {
		l.Warn("drive: %s committed but still staged: %v", id, err)
	}
	l.LogV("drive: upload %s (%s, %d bytes) confirmed", id, node.Name, node.Size)
	return node, nil
}

type blob struct {
	storage.SaveResult
	StorageType string
}

// write streams r into a fresh blob of the given backend. Bytes are never
// written over an existing blob, so readers of older content are not affected.
func (d *Drive) write(ctx context.Context, storageType string, r io.Reader, expectedHash string) (*blob, string, error) {
	backend, err := d.backends.Lookup(storageType)
	if err != nil {
		return nil, "", err
	}

	sn := &sniffer{}
	res, err := backend.Save(ctx, uuid.NewString(), io.TeeReader(r, sn), expectedHash)
	if errors.Is(err, storage.ErrHashMismatch) {
		d.metrics.HashMismatch()
		return nil, "", &models.Error{Kind: models.KindBadRequest, Msg: "hash mismatch", Err: err}
	}
	if err != nil {
		return nil, "", models.Unavailable(err, "storage backend %s", backend.Name())
	}
	return &blob{SaveResult: res, StorageType: storageType}, sn.mimeType(), nil
}

// dropBlob deletes bytes nothing refers to. orphan tells freed content apart from
// copies that turned out to be unnecessary.
func (d *Drive) dropBlob(ctx context.Context, b *dedup.Blob, orphan bool) {
	if b == nil {
		return
	}
	backend, err := d.backends.Lookup(b.StorageType)
	if err != nil {
		l.Defect("drive: blob %s has unknown storage type %q", b.Locator, b.StorageType)
		d.metrics.Defect()
		return
	}
	if err := backend.Delete(ctx, b.Locator); err != nil {
		// leaked bytes are unreachable from the tree, only space is lost
		l.Err("drive: could not delete blob %s from %s: %v", b.Locator, backend.Name(), err)
		return
	}
	if orphan {
		d.metrics.BlobDeleted()
		l.LogV("drive: deleted orphaned blob %s", b.Locator)
	}
}

func checkOwner(p *models.Principal, n *models.FileNode) error {
	if p == nil || n.Owner != p.ID {
		return models.Forbidden("%s belongs to someone else", n.ID)
	}
	return nil
}
