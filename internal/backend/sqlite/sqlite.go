// Package sqlite implements a SQLite-indexed registry backend for
// scanvault. Asset content lives on disk under the uploads root exactly as
// with the fs backend, but the metadata records are rows in {root}/.registry.db
// instead of sidecar JSON files, which keeps listing cheap for large
// collections. The commit ordering is unchanged: content is written before
// the metadata row on create and removed before it on delete.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/scanvault/scanvault/internal/dicom"
	"github.com/scanvault/scanvault/internal/registry"
	"github.com/scanvault/scanvault/internal/store"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

const dbFilename = ".registry.db"

// fallbackFolderLabel names an assembled folder when no label was supplied.
const fallbackFolderLabel = "dicom-series"

// Backend is the SQLite-indexed registry backend.
type Backend struct {
	content *store.Root
	db      *sql.DB
}

// New opens (or creates) the registry database at {dir}/.registry.db,
// applies the schema, and returns the Backend.
func New(dir string) (*Backend, error) {
	content, err := store.New(dir)
	if err != nil {
		return nil, err
	}

	dbPath := content.Path(dbFilename)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", dbPath, err)
	}

	// WAL mode for concurrent reads; foreign keys for cascade deletes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	b := &Backend{content: content, db: db}
	if err := b.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return b, nil
}

// Close releases database resources.
func (b *Backend) Close() error {
	return b.db.Close()
}

// createSchema creates the tables if they don't exist yet.
func (b *Backend) createSchema() error {
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS assets (
    id            TEXT PRIMARY KEY,
    original_name TEXT NOT NULL,
    kind          TEXT NOT NULL,
    origin        TEXT NOT NULL DEFAULT '',
    from_zip      INTEGER NOT NULL DEFAULT 0,
    size          INTEGER NOT NULL DEFAULT 0,
    file_count    INTEGER NOT NULL DEFAULT 0,
    upload_date   INTEGER NOT NULL,
    storage_path  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS asset_members (
    asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
    name     TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    -- Keyed by position, not name: archive scans can yield the same leaf
    -- name from different subdirectories.
    PRIMARY KEY (asset_id, position)
);

CREATE INDEX IF NOT EXISTS idx_assets_upload_date ON assets(upload_date DESC);
`)
	return err
}

func (b *Backend) newStorageName(base, ext string) string {
	for {
		name := registry.NewStorageName(base, ext)
		if !b.content.Exists(name) {
			return name
		}
	}
}

// insertAsset writes the metadata row (and member rows) in one transaction.
// This is the create commit point for the sqlite backend.
func (b *Backend) insertAsset(a *registry.Asset) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
INSERT INTO assets (id, original_name, kind, origin, from_zip, size, file_count, upload_date, storage_path)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OriginalName, string(a.Kind), string(a.Origin),
		boolToInt(a.FromZip), a.Size, a.FileCount, a.UploadDate.UnixMilli(), a.StoragePath)
	if err != nil {
		return fmt.Errorf("insert asset %q: %w", a.ID, err)
	}

	for i, m := range a.Members {
		if _, err := tx.Exec(`INSERT INTO asset_members (asset_id, name, position) VALUES (?, ?, ?)`,
			a.ID, m, i); err != nil {
			return fmt.Errorf("insert member %q of %q: %w", m, a.ID, err)
		}
	}
	return tx.Commit()
}

// commit records the asset row, rolling the content back if the write fails.
func (b *Backend) commit(a *registry.Asset) error {
	if err := b.insertAsset(a); err != nil {
		_ = b.content.Remove(a.ID)
		return err
	}
	return nil
}

// StoreFile persists one uploaded file and its metadata row.
func (b *Backend) StoreFile(originalName, declaredType string, size int64, src io.Reader) (*registry.Asset, error) {
	if size > registry.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %q is %d bytes", registry.ErrSizeExceeded, originalName, size)
	}
	if !dicom.IsAcceptedUpload(originalName) && !dicom.AllowedMIMEType(declaredType) {
		return nil, fmt.Errorf("%w: %q (%s)", registry.ErrUnsupportedType, originalName, declaredType)
	}

	base, ext := dicom.SplitExt(originalName)
	id := b.newStorageName(base, ext)

	written, err := b.content.WriteFile(id, src)
	if err != nil {
		return nil, err
	}

	asset := &registry.Asset{
		ID:           id,
		OriginalName: originalName,
		Kind:         registry.KindFile,
		Size:         written,
		FileCount:    1,
		UploadDate:   time.Now().UTC(),
		StoragePath:  b.content.Path(id),
	}
	if err := b.commit(asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// StoreFolder persists a batch of files as one folder asset.
func (b *Backend) StoreFolder(label string, files []registry.FolderFile) (*registry.Asset, error) {
	if len(files) == 0 {
		return nil, registry.ErrEmptyBatch
	}
	for _, f := range files {
		if f.Size > registry.MaxUploadBytes {
			return nil, fmt.Errorf("%w: %q is %d bytes", registry.ErrSizeExceeded, f.Name, f.Size)
		}
	}
	if label == "" {
		label = fallbackFolderLabel
	}

	id := b.newStorageName(label, "")

	batch := make([]store.File, len(files))
	for i, f := range files {
		batch[i] = store.File{Name: f.Name, Data: f.Data}
	}
	total, members, err := b.content.AssembleFolder(id, batch)
	if err != nil {
		return nil, err
	}

	asset := &registry.Asset{
		ID:           id,
		OriginalName: label,
		Kind:         registry.KindFolder,
		Origin:       registry.OriginAssembled,
		Size:         total,
		FileCount:    len(members),
		UploadDate:   time.Now().UTC(),
		Members:      members,
		StoragePath:  b.content.Path(id),
	}
	if err := b.commit(asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// StoreArchive extracts a zip upload and materializes a folder asset from
// the recognized files, rolling back the directory when nothing matches.
func (b *Backend) StoreArchive(originalName string, size int64, src io.Reader) (*registry.Asset, error) {
	if size > registry.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %q is %d bytes", registry.ErrSizeExceeded, originalName, size)
	}
	if !dicom.IsArchive(originalName) {
		return nil, fmt.Errorf("%w: %q is not a %s archive", registry.ErrUnsupportedType, originalName, dicom.ArchiveExt)
	}

	spooled, err := b.content.Spool(src)
	if err != nil {
		return nil, err
	}
	defer os.Remove(spooled)

	base := dicom.TrimArchiveExt(originalName)
	id := b.newStorageName(base, "")

	if err := b.content.ExtractArchive(id, spooled); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrCorruptArchive, err)
	}

	found, err := store.ScanImaging(b.content.Path(id))
	if err != nil {
		_ = b.content.Remove(id)
		return nil, err
	}
	if len(found) == 0 {
		_ = b.content.Remove(id)
		return nil, fmt.Errorf("%w: %q", registry.ErrNoRecognizedContent, originalName)
	}

	var total int64
	members := make([]string, len(found))
	for i, m := range found {
		total += m.Size
		members[i] = m.Name
	}

	asset := &registry.Asset{
		ID:           id,
		OriginalName: originalName,
		Kind:         registry.KindFolder,
		Origin:       registry.OriginExtracted,
		FromZip:      true,
		Size:         total,
		FileCount:    len(members),
		UploadDate:   time.Now().UTC(),
		Members:      members,
		StoragePath:  b.content.Path(id),
	}
	if err := b.commit(asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// List returns all assets ordered by upload date descending. Row-level
// corruption does not occur the way sidecar corruption can, so the skipped
// count is always zero here.
func (b *Backend) List() ([]registry.Asset, int, error) {
	rows, err := b.db.Query(`
SELECT id, original_name, kind, origin, from_zip, size, file_count, upload_date, storage_path
FROM assets ORDER BY upload_date DESC, id`)
	if err != nil {
		return nil, 0, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var assets []registry.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, 0, err
		}
		assets = append(assets, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate assets: %w", err)
	}

	for i := range assets {
		if assets[i].Kind == registry.KindFolder {
			members, err := b.membersOf(assets[i].ID)
			if err != nil {
				return nil, 0, err
			}
			assets[i].Members = members
		}
	}
	return assets, 0, nil
}

// rowScanner lets scanAsset work for both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*registry.Asset, error) {
	var (
		a        registry.Asset
		kind     string
		origin   string
		fromZip  int
		uploaded int64
	)
	if err := row.Scan(&a.ID, &a.OriginalName, &kind, &origin, &fromZip,
		&a.Size, &a.FileCount, &uploaded, &a.StoragePath); err != nil {
		return nil, err
	}
	a.Kind = registry.AssetKind(kind)
	a.Origin = registry.FolderOrigin(origin)
	a.FromZip = fromZip != 0
	a.UploadDate = time.UnixMilli(uploaded).UTC()
	return &a, nil
}

func (b *Backend) membersOf(id string) ([]string, error) {
	rows, err := b.db.Query(`SELECT name FROM asset_members WHERE asset_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query members of %q: %w", id, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		members = append(members, name)
	}
	return members, rows.Err()
}

// Resolve maps an id to its full Asset.
func (b *Backend) Resolve(id string) (*registry.Asset, error) {
	row := b.db.QueryRow(`
SELECT id, original_name, kind, origin, from_zip, size, file_count, upload_date, storage_path
FROM assets WHERE id = ?`, id)

	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", registry.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query asset %q: %w", id, err)
	}
	if a.Kind == registry.KindFolder {
		if a.Members, err = b.membersOf(id); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Delete removes the asset's content, then its metadata row. Member rows
// go with the asset row via the cascade.
func (b *Backend) Delete(id string) error {
	if _, err := b.Resolve(id); err != nil {
		return err
	}
	if err := b.content.Remove(id); err != nil {
		return err
	}
	if _, err := b.db.Exec(`DELETE FROM assets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete asset %q: %w", id, err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
