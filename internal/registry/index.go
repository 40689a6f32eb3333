package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed index.sql
var indexSQL string

var (
	errNotFound = errors.New("not found")
	errConflict = errors.New("version already released")
)

// Upload is a staged or released archive.
type Upload struct {
	ID       string    `json:"id,omitempty"`
	Language string    `json:"language"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Checksum string    `json:"sha256"`
	Size     int64     `json:"size"`
	Blob     string    `json:"-"`
	At       time.Time `json:"at"`
}

// Index is the registry's SQLite catalogue of staged and released uploads.
type Index struct {
	db *sql.DB
}

// OpenIndex creates or opens the catalogue at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		indexSQL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialise index: %w", err)
		}
	}
	return &Index{db: db}, nil
}

// Close closes the catalogue.
func (x *Index) Close() error {
	return x.db.Close()
}

// Released returns the release of a version, or errNotFound.
func (x *Index) Released(ctx context.Context, language, name, version string) (*Upload, error) {
	row := x.db.QueryRowContext(ctx, `
		SELECT sha256, size, blob, released_at FROM releases
		WHERE language = ? AND name = ? AND version = ?`, language, name, version)
	u := &Upload{Language: language, Name: name, Version: version}
	var at int64
	if err := row.Scan(&u.Checksum, &u.Size, &u.Blob, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound
		}
		return nil, err
	}
	u.At = time.UnixMilli(at).UTC()
	return u, nil
}

// Versions lists the released versions of a package.
func (x *Index) Versions(ctx context.Context, language, name string) ([]Upload, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT version, sha256, size, released_at FROM releases
		WHERE language = ? AND name = ?`, language, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u := Upload{Language: language, Name: name}
		var at int64
		if err := rows.Scan(&u.Version, &u.Checksum, &u.Size, &at); err != nil {
			return nil, err
		}
		u.At = time.UnixMilli(at).UTC()
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// Stage records a staged upload.
func (x *Index) Stage(ctx context.Context, u Upload) error {
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO staged (id, language, name, version, sha256, size, blob, staged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Language, u.Name, u.Version, u.Checksum, u.Size, u.Blob, u.At.UnixMilli())
	return err
}

// Staged returns a staged upload, or errNotFound.
func (x *Index) Staged(ctx context.Context, id string) (*Upload, error) {
	row := x.db.QueryRowContext(ctx, `
		SELECT language, name, version, sha256, size, blob, staged_at FROM staged WHERE id = ?`, id)
	u := &Upload{ID: id}
	var at int64
	if err := row.Scan(&u.Language, &u.Name, &u.Version, &u.Checksum, &u.Size, &u.Blob, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound
		}
		return nil, err
	}
	u.At = time.UnixMilli(at).UTC()
	return u, nil
}

// Promoter moves the blob of a staged upload to its release location. It
// returns the new blob path and an undo that moves the blob back.
type Promoter func(u *Upload) (blob string, undo func() error, err error)

// Release promotes a staged upload. promote runs inside the transaction
// and is undone when the release cannot be committed, so a failed release
// always leaves the upload staged with its blob in place. A version that
// is already released yields errConflict.
func (x *Index) Release(ctx context.Context, id string, now time.Time, promote Promoter) (_ *Upload, err error) {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u := &Upload{ID: id}
	var at int64
	err = tx.QueryRowContext(ctx, `
		SELECT language, name, version, sha256, size, blob, staged_at FROM staged WHERE id = ?`, id).
		Scan(&u.Language, &u.Name, &u.Version, &u.Checksum, &u.Size, &u.Blob, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound
		}
		return nil, err
	}

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM releases WHERE language = ? AND name = ? AND version = ?`,
		u.Language, u.Name, u.Version).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, errConflict
	}

	blob, undo, err := promote(u)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if undoErr := undo(); undoErr != nil {
				err = errors.Join(err, fmt.Errorf("restore staged blob: %w", undoErr))
			}
		}
	}()
	u.Blob = blob
	u.At = now.UTC()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO releases (language, name, version, sha256, size, blob, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Language, u.Name, u.Version, u.Checksum, u.Size, u.Blob, u.At.UnixMilli()); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// Discard removes a staged upload and returns it, or errNotFound.
func (x *Index) Discard(ctx context.Context, id string) (*Upload, error) {
	u, err := x.Staged(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := x.db.ExecContext(ctx, `DELETE FROM staged WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return u, nil
}
