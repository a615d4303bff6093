package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/authz-engine/rbac-core/internal/storage"
	"github.com/authz-engine/rbac-core/pkg/types"
)

// MetadataStore implements storage.MetadataStore over the role_metadata
// table.
type MetadataStore struct {
	db *sql.DB
}

// NewMetadataStore creates a metadata store over the database
func NewMetadataStore(db *sql.DB) *MetadataStore {
	return &MetadataStore{db: db}
}

// FindRoleMetadata returns the role's record, or nil when the role has no
// record.
func (s *MetadataStore) FindRoleMetadata(ctx context.Context, roleEntityRef string, external storage.Tx) (*types.RoleMetadata, error) {
	q, err := resolve(s.db, external)
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, `
		SELECT id, role_entity_ref, source, description, author, modified_by, created_at, last_modified
		FROM role_metadata
		WHERE role_entity_ref = $1
	`, roleEntityRef)

	meta, err := scanRoleMetadata(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find role metadata for %s: %w", roleEntityRef, err)
	}
	return meta, nil
}

// CreateRoleMetadata inserts a fresh role record
func (s *MetadataStore) CreateRoleMetadata(ctx context.Context, meta *types.RoleMetadata, external storage.Tx) error {
	q, err := resolve(s.db, external)
	if err != nil {
		return err
	}
	err = q.QueryRowContext(ctx, `
		INSERT INTO role_metadata (role_entity_ref, source, description, author, modified_by, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		meta.RoleEntityRef,
		string(meta.Source),
		nullString(meta.Description),
		nullString(meta.Author),
		nullString(meta.ModifiedBy),
		meta.CreatedAt,
		meta.LastModified,
	).Scan(&meta.ID)
	if err != nil {
		return fmt.Errorf("failed to create role metadata for %s: %w", meta.RoleEntityRef, err)
	}
	return nil
}

// UpdateRoleMetadata replaces the record stored under roleEntityRef
func (s *MetadataStore) UpdateRoleMetadata(ctx context.Context, meta *types.RoleMetadata, roleEntityRef string, external storage.Tx) error {
	q, err := resolve(s.db, external)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE role_metadata
		SET role_entity_ref = $1, source = $2, description = $3, author = $4, modified_by = $5, last_modified = $6
		WHERE role_entity_ref = $7
	`,
		meta.RoleEntityRef,
		string(meta.Source),
		nullString(meta.Description),
		nullString(meta.Author),
		nullString(meta.ModifiedBy),
		meta.LastModified,
		roleEntityRef,
	)
	if err != nil {
		return fmt.Errorf("failed to update role metadata for %s: %w", roleEntityRef, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRoleMetadataNotFound, roleEntityRef)
	}
	return nil
}

// RemoveRoleMetadata deletes the role's record
func (s *MetadataStore) RemoveRoleMetadata(ctx context.Context, roleEntityRef string, external storage.Tx) error {
	q, err := resolve(s.db, external)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `DELETE FROM role_metadata WHERE role_entity_ref = $1`, roleEntityRef)
	if err != nil {
		return fmt.Errorf("failed to remove role metadata for %s: %w", roleEntityRef, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRoleMetadataNotFound, roleEntityRef)
	}
	return nil
}

// scanRoleMetadata scans a database row into a RoleMetadata
func scanRoleMetadata(scanner interface {
	Scan(dest ...interface{}) error
}) (*types.RoleMetadata, error) {
	var meta types.RoleMetadata
	var source string
	var description, author, modifiedBy sql.NullString

	err := scanner.Scan(
		&meta.ID,
		&meta.RoleEntityRef,
		&source,
		&description,
		&author,
		&modifiedBy,
		&meta.CreatedAt,
		&meta.LastModified,
	)
	if err != nil {
		return nil, err
	}

	meta.Source = types.Source(source)
	if description.Valid {
		meta.Description = description.String
	}
	if author.Valid {
		meta.Author = author.String
	}
	if modifiedBy.Valid {
		meta.ModifiedBy = modifiedBy.String
	}
	return &meta, nil
}

// nullString returns sql.NullString for empty strings
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
