package drive

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/dedup"
	"github.com/noisersup/dedupfs-api/hasher"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
)

// Update replaces the bytes of a file. When declaredHash already has a mother the
// file becomes its reference and r is not read. Otherwise r is stored in a new blob
// and verified against declaredHash, if given.
func (d *Drive) Update(ctx context.Context, p *models.Principal, id uuid.UUID, r io.Reader, declaredHash string) (*models.FileNode, error) {
	unlock := d.nodes.Lock("node:" + id.String())
	defer unlock()

	node, err := d.tree.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(p, node); err != nil {
		return nil, err
	}
	if node.Kind != models.KindFile {
		return nil, models.BadRequest("%s is not a file", id)
	}
	if declaredHash != "" && !hasher.Valid(declaredHash) {
		return nil, models.BadRequest("malformed sha256 %q", declaredHash)
	}
	declaredHash = hasher.Normalize(declaredHash)

	if declaredHash != "" {
		res, err := d.dedup.Replace(ctx, node, dedup.Content{Hash: declaredHash})
		if err == nil {
			d.finishReplace(ctx, res)
			l.LogV("drive: %s now shares the content of %s", id, node.Locator)
			return node, nil
		}
		if !errors.Is(err, dedup.ErrNoMother) {
			return nil, err
		}
	}

	storageType := node.StorageType
	if node.IsRef() {
		// the bytes of a reference live with its mother
		mother, err := d.motherOf(ctx, node)
		if err != nil {
			return nil, err
		}
		storageType = mother.StorageType
	}

	written, mime, err := d.write(ctx, storageType, r, declaredHash)
	if err != nil {
		return nil, err
	}

	res, err := d.dedup.Replace(ctx, node, dedup.Content{
		Hash:        written.Hash,
		Size:        written.Size,
		StorageType: written.StorageType,
		Locator:     written.Locator,
		MimeType:    mime,
	})
	if err != nil {
		d.dropBlob(ctx, &dedup.Blob{StorageType: written.StorageType, Locator: written.Locator}, false)
		return nil, err
	}
	d.finishReplace(ctx, res)
	l.LogV("drive: content of %s replaced (%d bytes)", id, node.Size)
	return node, nil
}

func (d *Drive) finishReplace(ctx context.Context, res dedup.ReplaceResult) {
	d.dropBlob(ctx, res.Discard, false)
	d.dropBlob(ctx, res.Orphan, true)
}

func (d *Drive) motherOf(ctx context.Context, ref *models.FileNode) (*models.FileNode, error) {
	id, err := ref.MotherID()
	if err != nil {
		return nil, d.defect("reference %s points at %q", ref.ID, ref.Locator)
	}
	mother, err := d.tree.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, d.defect("mother %s of %s does not exist", id, ref.ID)
	}
	return mother, err
}

// Delete removes a node and, for folders, everything below it. Bytes are deleted
// once the last file using them is gone. An id that is only staged is evicted.
func (d *Drive) Delete(ctx context.Context, p *models.Principal, id uuid.UUID) error {
	unlock := d.nodes.Lock("node:" + id.String())
	defer unlock()

	node, err := d.tree.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		staged, serr := d.staging.Get(ctx, id)
		if serr != nil {
			return err
		}
		if err := checkOwner(p, staged); err != nil {
			return err
		}
		l.LogV("drive: pending upload %s dropped", id)
		return d.staging.Evict(ctx, id)
	}
	if err != nil {
		return err
	}
	if err := checkOwner(p, node); err != nil {
		return err
	}
	if node.Kind == models.KindRoot {
		return models.BadRequest("root folder cannot be deleted")
	}
	if node.Kind == models.KindFile {
		return d.deleteFile(ctx, node)
	}

	nodes, err := d.tree.Subtree(ctx, id)
	if err != nil {
		return err
	}
	// children before parents
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.Kind == models.KindFile {
			err = d.lockedDeleteFile(ctx, n.ID)
		} else {
			err = d.tree.Delete(ctx, n.ID)
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}
	l.LogV("drive: deleted %s with %d nodes below it", id, len(nodes)-1)
	return nil
}

func (d *Drive) lockedDeleteFile(ctx context.Context, id uuid.UUID) error {
	unlock := d.nodes.Lock("node:" + id.String())
	defer unlock()

	node, err := d.tree.Get(ctx, id)
	if err != nil {
		return err
	}
	return d.deleteFile(ctx, node)
}

// deleteFile expects the node lock to be held.
func (d *Drive) deleteFile(ctx context.Context, node *models.FileNode) error {
	orphan, err := d.dedup.Release(ctx, node, func(ctx context.Context) error {
		return d.tree.Delete(ctx, node.ID)
	})
	if err != nil {
		return err
	}
	d.dropBlob(ctx, orphan, true)
	return nil
}

// TreeNode is a node with its descendants.
type TreeNode struct {
	*models.FileNode
	Nodes []*TreeNode `json:"nodes,omitempty"`
}

// Metadata returns a node, or a pending upload when id is only staged. With subtree
// set, folders come with all their descendants.
func (d *Drive) Metadata(ctx context.Context, p *models.Principal, id uuid.UUID, subtree bool) (*TreeNode, error) {
	node, err := d.tree.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		staged, serr := d.staging.Get(ctx, id)
		if serr != nil {
			return nil, err
		}
		node = staged
	} else if err != nil {
		return nil, err
	}
	if err := checkOwner(p, node); err != nil {
		return nil, err
	}
	if !subtree || !node.IsContainer() {
		return &TreeNode{FileNode: node}, nil
	}

	nodes, err := d.tree.Subtree(ctx, id)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*TreeNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = &TreeNode{FileNode: n}
	}
	// parents come first, so each parent exists when its children are attached
	for _, n := range nodes[1:] {
		if parent, ok := byID[n.Parent]; ok {
			parent.Nodes = append(parent.Nodes, byID[n.ID])
		}
	}
	return byID[id], nil
}

// MetadataPatch lists the only fields of a node that can be changed directly.
type MetadataPatch struct {
	Name   *string    `json:"name"`
	Parent *uuid.UUID `json:"father"`
}

// UpdateMetadata renames and/or moves a node.
func (d *Drive) UpdateMetadata(ctx context.Context, p *models.Principal, id uuid.UUID, patch MetadataPatch) (*models.FileNode, error) {
	unlock := d.nodes.Lock("node:" + id.String())
	defer unlock()

	node, err := d.tree.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(p, node); err != nil {
		return nil, err
	}
	if node.Kind == models.KindRoot {
		return nil, models.BadRequest("root folder cannot be changed")
	}
	if patch.Name == nil && patch.Parent == nil {
		return nil, models.BadRequest("nothing to update")
	}

	if patch.Parent != nil && *patch.Parent != node.Parent {
		if err := d.tree.Move(ctx, id, *patch.Parent); err != nil {
			return nil, err
		}
	}
	if patch.Name != nil && *patch.Name != node.Name {
		if err := d.tree.Rename(ctx, id, *patch.Name); err != nil {
			return nil, err
		}
	}
	return d.tree.Get(ctx, id)
}
