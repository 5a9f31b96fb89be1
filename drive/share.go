package drive

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/share"
)

type ShareRequest struct {
	Target        uuid.UUID `json:"target"`
	TTL           int64     `json:"liveSecond"`
	DownloadLimit int64     `json:"downloadCountLimit"`
	Password      *string   `json:"password,omitempty"`
}

// CreateShareLink issues a link to one of the principal's nodes.
func (d *Drive) CreateShareLink(ctx context.Context, p *models.Principal, req ShareRequest) (string, error) {
	node, err := d.tree.Get(ctx, req.Target)
	if err != nil {
		return "", err
	}
	if err := checkOwner(p, node); err != nil {
		return "", err
	}
	return d.share.Issue(ctx, node.ID, time.Duration(req.TTL)*time.Second, req.DownloadLimit, req.Password)
}

// ResolveShareLink resolves a link for an anonymous caller. Unless only metadata
// was asked for, the returned reader holds the bytes of the file reached.
func (d *Drive) ResolveShareLink(ctx context.Context, req share.ResolveRequest) (share.Resolution, io.ReadCloser, error) {
	res, err := d.share.Resolve(ctx, req)
	if err != nil || req.MetadataOnly {
		return res, nil, err
	}
	rc, err := d.content(ctx, res.Node)
	if err != nil {
		return res, nil, err
	}
	return res, rc, nil
}

// RevokeShareLink deletes a link issued for one of the principal's nodes.
func (d *Drive) RevokeShareLink(ctx context.Context, p *models.Principal, token string) error {
	link, err := d.share.Link(ctx, token)
	if err != nil {
		return err
	}
	node, err := d.tree.Get(ctx, link.Target)
	if err != nil {
		return err
	}
	if err := checkOwner(p, node); err != nil {
		return err
	}
	return d.share.Revoke(ctx, token)
}
