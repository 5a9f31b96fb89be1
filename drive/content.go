package drive

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/storage"
)

// References are followed this many times before giving up. A healthy tree needs
// one hop, more only show up while a mother is being reassigned.
const maxRefHops = 4

// Open returns a file node and a reader of its bytes. References are read from their mother.
func (d *Drive) Open(ctx context.Context, p *models.Principal, id uuid.UUID) (*models.FileNode, io.ReadCloser, error) {
	node, err := d.tree.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := checkOwner(p, node); err != nil {
		return nil, nil, err
	}
	if node.Kind != models.KindFile {
		return nil, nil, models.BadRequest("%s is not a file", id)
	}
	rc, err := d.content(ctx, node)
	if err != nil {
		return nil, nil, err
	}
	return node, rc, nil
}

// content opens the bytes node stands for.
func (d *Drive) content(ctx context.Context, node *models.FileNode) (io.ReadCloser, error) {
	cur := node
	for hop := 0; cur.IsRef(); hop++ {
		if hop >= maxRefHops {
			return nil, d.defect("reference chain from %s is longer than %d", node.ID, maxRefHops)
		}
		motherID, err := cur.MotherID()
		if err != nil {
			return nil, d.defect("reference %s points at %q", cur.ID, cur.Locator)
		}
		mother, err := d.tree.Get(ctx, motherID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, d.defect("mother %s of %s does not exist", motherID, cur.ID)
		}
		if err != nil {
			return nil, err
		}
		cur = mother
	}

	backend, err := d.backends.Lookup(cur.StorageType)
	if err != nil {
		return nil, d.defect("%s is stored in unknown storage type %q", cur.ID, cur.StorageType)
	}
	rc, err := backend.Open(ctx, cur.Locator)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, d.defect("bytes of %s are missing from %s", cur.ID, backend.Name())
	}
	if err != nil {
		return nil, models.Unavailable(err, "storage backend %s", backend.Name())
	}
	return rc, nil
}

func (d *Drive) defect(format string, a ...interface{}) error {
	l.Defect("drive: "+format, a...)
	d.metrics.Defect()
	return models.Integrity(format, a...)
}

// Number of leading bytes http.DetectContentType looks at.
const sniffLen = 512

// sniffer keeps the first bytes written to it.
type sniffer struct {
	buf []byte
}

func (s *sniffer) Write(p []byte) (int, error) {
	if n := sniffLen - len(s.buf); n > 0 {
		if n > len(p) {
			n = len(p)
		}
		s.buf = append(s.buf, p[:n]...)
	}
	return len(p), nil
}

func (s *sniffer) mimeType() string {
	if len(s.buf) == 0 {
		return ""
	}
	return http.DetectContentType(s.buf)
}
