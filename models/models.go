package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindFile   Kind = "File"
	KindFolder Kind = "Folder"
	KindRoot   Kind = "Root"
)

func (k Kind) Valid() bool {
	return k == KindFile || k == KindFolder || k == KindRoot
}

// StorageTypeRef marks a file node whose bytes live under another node (its mother).
// It is never a registered backend tag.
const StorageTypeRef = "ref"

type Extra struct {
	FileReferences []uuid.UUID `json:"fileReferences,omitempty"`
	MimeType       string      `json:"mimeType,omitempty"`
}

// FileNode is a single entry of the metadata tree.
// For a reference node Locator holds the id of its mother.
type FileNode struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Kind        Kind        `json:"kind"`
	Parent      uuid.UUID   `json:"father"`
	Children    []uuid.UUID `json:"children,omitempty"`
	Owner       uuid.UUID   `json:"owner"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Size        int64       `json:"size"`
	ContentHash string      `json:"sha256,omitempty"`
	StorageType string      `json:"storageType,omitempty"`
	Locator     string      `json:"path,omitempty"`
	Extra       Extra       `json:"extra"`
}

func (n *FileNode) IsRef() bool {
	return n.Kind == KindFile && n.StorageType == StorageTypeRef
}

// IsMother reports whether the node physically owns its bytes.
func (n *FileNode) IsMother() bool {
	return n.Kind == KindFile && n.StorageType != StorageTypeRef
}

func (n *FileNode) IsContainer() bool {
	return n.Kind == KindFolder || n.Kind == KindRoot
}

func (n *FileNode) HasChild(id uuid.UUID) bool {
	return containsID(n.Children, id)
}

// MotherID returns the id of the mother a reference points to.
func (n *FileNode) MotherID() (uuid.UUID, error) {
	if !n.IsRef() {
		return uuid.Nil, errors.New("node is not a reference")
	}
	return uuid.Parse(n.Locator)
}

// Clone returns a deep copy, so callers can mutate slices freely.
func (n *FileNode) Clone() *FileNode {
	if n == nil {
		return nil
	}
	c := *n
	c.Children = append([]uuid.UUID(nil), n.Children...)
	c.Extra.FileReferences = append([]uuid.UUID(nil), n.Extra.FileReferences...)
	return &c
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Principal is the already authenticated caller.
type Principal struct {
	ID           uuid.UUID `json:"id"`
	RootFolderID uuid.UUID `json:"rootFolderId"`
	Token        string    `json:"-"`
}

// ShareLink is the decoded state of a share token.
// RemainingDownloads of -1 means unlimited.
type ShareLink struct {
	Token              string
	Target             uuid.UUID
	RemainingDownloads int64
	PasswordHash       []byte
}

const UnlimitedDownloads int64 = -1

/*
	Collaborators
*/

var (
	ErrNoDocument = errors.New("no document matches the filter")
	ErrDuplicate  = errors.New("document violates a uniqueness constraint")
)

// Filter selects documents by equality. Zero fields are ignored.
// Child matches nodes whose children contain the id.
type Filter struct {
	ID          uuid.UUID
	Parent      uuid.UUID
	Child       uuid.UUID
	ContentHash string
	Kind        Kind
	ExcludeRef  bool
}

// Patch describes a single-document update. Nil pointers are left untouched.
// The Add/Remove slices are applied as set operations atomically with the rest.
type Patch struct {
	Name        *string
	Parent      *uuid.UUID
	Size        *int64
	ContentHash *string
	StorageType *string
	Locator     *string
	MimeType    *string
	UpdatedAt   *time.Time
	References  *[]uuid.UUID

	AddChildren      []uuid.UUID
	RemoveChildren   []uuid.UUID
	AddReferences    []uuid.UUID
	RemoveReferences []uuid.UUID
}

// DocumentStore persists FileNodes. Operations on a single document are atomic.
type DocumentStore interface {
	Insert(ctx context.Context, node *FileNode) error
	FindOne(ctx context.Context, f Filter) (*FileNode, error)
	Find(ctx context.Context, f Filter) ([]*FileNode, error)
	UpdateOne(ctx context.Context, f Filter, p Patch) error
	DeleteOne(ctx context.Context, f Filter) error
	Close()
}

// Mover is implemented by document stores that can re-parent a node in one transaction.
type Mover interface {
	MoveNode(ctx context.Context, id, from, to uuid.UUID, at time.Time) error
}

var (
	ErrCacheMiss = errors.New("cache: key not found")
	ErrExhausted = errors.New("cache: counter exhausted")
)

// Cache is an expiring key/value store.
// Decrement lowers an integer value by one unless it is already zero (ErrExhausted)
// and returns the new value.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Decrement(ctx context.Context, key string) (int64, error)
	Close() error
}
