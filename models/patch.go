package models

import "github.com/google/uuid"

// Apply mutates n the way a document store applies the patch.
func (p Patch) Apply(n *FileNode) {
	if p.Name != nil {
		n.Name = *p.Name
	}
	if p.Parent != nil {
		n.Parent = *p.Parent
	}
	if p.Size != nil {
		n.Size = *p.Size
	}
	if p.ContentHash != nil {
		n.ContentHash = *p.ContentHash
	}
	if p.StorageType != nil {
		n.StorageType = *p.StorageType
	}
	if p.Locator != nil {
		n.Locator = *p.Locator
	}
	if p.MimeType != nil {
		n.Extra.MimeType = *p.MimeType
	}
	if p.UpdatedAt != nil {
		n.UpdatedAt = *p.UpdatedAt
	}
	if p.References != nil {
		n.Extra.FileReferences = append([]uuid.UUID(nil), (*p.References)...)
	}

	n.Children = addAll(n.Children, p.AddChildren)
	n.Children = removeAll(n.Children, p.RemoveChildren)
	n.Extra.FileReferences = addAll(n.Extra.FileReferences, p.AddReferences)
	n.Extra.FileReferences = removeAll(n.Extra.FileReferences, p.RemoveReferences)
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Parent == nil && p.Size == nil && p.ContentHash == nil &&
		p.StorageType == nil && p.Locator == nil && p.MimeType == nil && p.UpdatedAt == nil &&
		p.References == nil && len(p.AddChildren) == 0 && len(p.RemoveChildren) == 0 &&
		len(p.AddReferences) == 0 && len(p.RemoveReferences) == 0
}

// Match reports whether n satisfies every non-zero field of f.
func (f Filter) Match(n *FileNode) bool {
	if f.ID != uuid.Nil && n.ID != f.ID {
		return false
	}
	if f.Parent != uuid.Nil && n.Parent != f.Parent {
		return false
	}
	if f.Child != uuid.Nil && !n.HasChild(f.Child) {
		return false
	}
	if f.ContentHash != "" && n.ContentHash != f.ContentHash {
		return false
	}
	if f.Kind != "" && n.Kind != f.Kind {
		return false
	}
	if f.ExcludeRef && n.StorageType == StorageTypeRef {
		return false
	}
	return true
}

func addAll(set, ids []uuid.UUID) []uuid.UUID {
	for _, id := range ids {
		if !containsID(set, id) {
			set = append(set, id)
		}
	}
	return set
}

func removeAll(set, ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return set
	}
	out := set[:0]
	for _, v := range set {
		if !containsID(ids, v) {
			out = append(out, v)
		}
	}
	return out
}

// Ptr returns a pointer to v, handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
