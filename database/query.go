package database

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/noisersup/dedupfs-api/models"
)

const columns = "id, name, kind, parent_id, children, owner_id, created_at, updated_at, size, content_hash, storage_type, locator, file_references, mime_type"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row scanner) (*models.FileNode, error) {
	var (
		n          models.FileNode
		kind       string
		children   pgtype.UUIDArray
		references pgtype.UUIDArray
	)
	err := row.Scan(&n.ID, &n.Name, &kind, &n.Parent, &children, &n.Owner,
		&n.CreatedAt, &n.UpdatedAt, &n.Size, &n.ContentHash, &n.StorageType, &n.Locator,
		&references, &n.Extra.MimeType)
	if err != nil {
		return nil, err
	}
	n.Kind = models.Kind(kind)
	n.Children = fromArray(children)
	n.Extra.FileReferences = fromArray(references)
	return &n, nil
}

func fromArray(a pgtype.UUIDArray) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(a.Elements))
	for _, e := range a.Elements {
		if e.Status == pgtype.Present {
			ids = append(ids, uuid.UUID(e.Bytes))
		}
	}
	return ids
}

func idStrings(ids []uuid.UUID) []string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return s
}

// whereClause renders f with placeholders numbered from first.
func whereClause(f models.Filter, first int) (string, []interface{}) {
	conds := []string{}
	args := []interface{}{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, first+len(args)-1))
	}

	if f.ID != uuid.Nil {
		add("id = $%d", f.ID)
	}
	if f.Parent != uuid.Nil {
		add("parent_id = $%d", f.Parent)
	}
	if f.Child != uuid.Nil {
		add("$%d::UUID = ANY(children)", f.Child)
	}
	if f.ContentHash != "" {
		add("content_hash = $%d", f.ContentHash)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.ExcludeRef {
		add("storage_type <> $%d", models.StorageTypeRef)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// setClause renders p with placeholders numbered from first.
// Set operations on arrays are composed into one expression so the row is updated atomically.
func setClause(p models.Patch, first int) (string, []interface{}) {
	sets := []string{}
	args := []interface{}{}
	param := func(arg interface{}) int {
		args = append(args, arg)
		return first + len(args) - 1
	}
	set := func(column string, arg interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, param(arg)))
	}

	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Parent != nil {
		set("parent_id", *p.Parent)
	}
	if p.Size != nil {
		set("size", *p.Size)
	}
	if p.ContentHash != nil {
		set("content_hash", *p.ContentHash)
	}
	if p.StorageType != nil {
		set("storage_type", *p.StorageType)
	}
	if p.Locator != nil {
		set("locator", *p.Locator)
	}
	if p.MimeType != nil {
		set("mime_type", *p.MimeType)
	}
	if p.UpdatedAt != nil {
		set("updated_at", *p.UpdatedAt)
	}

	if expr := arrayExpr("children", nil, p.AddChildren, p.RemoveChildren, param); expr != "children" {
		sets = append(sets, "children = "+expr)
	}
	if expr := arrayExpr("file_references", p.References, p.AddReferences, p.RemoveReferences, param); expr != "file_references" {
		sets = append(sets, "file_references = "+expr)
	}

	return strings.Join(sets, ", "), args
}

func arrayExpr(column string, replace *[]uuid.UUID, add, remove []uuid.UUID, param func(interface{}) int) string {
	expr := column
	if replace != nil {
		expr = fmt.Sprintf("$%d::UUID[]", param(idStrings(*replace)))
	}
	for _, id := range add {
		n := param(id)
		expr = fmt.Sprintf("array_append(array_remove(%s, $%d::UUID), $%d::UUID)", expr, n, n)
	}
	for _, id := range remove {
		expr = fmt.Sprintf("array_remove(%s, $%d::UUID)", expr, param(id))
	}
	return expr
}
