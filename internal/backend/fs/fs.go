// Package fs implements the filesystem registry backend for scanvault.
// The uploads directory is the store of record: each asset is one content
// object (file or directory) plus one sidecar JSON metadata record named
// {storageName}.meta.json next to it. The sidecar write is the commit point:
// content is written first and metadata last on create, and removed in the
// same order on delete, so a crash can only ever leave orphaned content,
// never a record pointing at missing content that cannot be re-deleted.
package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/scanvault/scanvault/internal/dicom"
	"github.com/scanvault/scanvault/internal/registry"
	"github.com/scanvault/scanvault/internal/store"
)

// metaSuffix is the sidecar metadata file suffix. A content storage name
// ends with the random disambiguator or with a single original extension
// directly after it, so it can end in ".json" (an octet-stream upload named
// so) but never in ".meta.json": a sidecar is told apart from content by
// name alone.
const metaSuffix = ".meta.json"

// fallbackFolderLabel names an assembled folder when no label was supplied.
const fallbackFolderLabel = "dicom-series"

// Backend is the sidecar-JSON filesystem backend.
type Backend struct {
	content *store.Root
}

// New returns a Backend rooted at dir, creating the directory if needed.
func New(dir string) (*Backend, error) {
	content, err := store.New(dir)
	if err != nil {
		return nil, err
	}
	return &Backend{content: content}, nil
}

// Root returns the absolute uploads root path.
func (b *Backend) Root() string { return b.content.Dir() }

// newStorageName allocates a storage name that is not yet taken in the
// uploads root. A collision is practically impossible, but the loop keeps
// the uniqueness guarantee independent of the generator's entropy.
func (b *Backend) newStorageName(base, ext string) string {
	for {
		name := registry.NewStorageName(base, ext)
		if !b.content.Exists(name) && !b.content.Exists(name+metaSuffix) {
			return name
		}
	}
}

// StoreFile persists one uploaded file and its metadata record.
func (b *Backend) StoreFile(originalName, declaredType string, size int64, src io.Reader) (*registry.Asset, error) {
	if size > registry.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %q is %d bytes", registry.ErrSizeExceeded, originalName, size)
	}
	// Either the extension or the declared media type is sufficient.
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

// StoreFolder persists a batch of files uploaded together as one folder
// asset. Each file is independently checked against the per-file cap.
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
		// AssembleFolder already removed the partial directory.
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

// StoreArchive extracts a zip upload, classifies every entry at any depth,
// and materializes a folder asset from the recognized files. An archive
// that yields zero recognized files registers nothing: the extracted
// directory is rolled back before ErrNoRecognizedContent returns.
func (b *Backend) StoreArchive(originalName string, size int64, src io.Reader) (*registry.Asset, error) {
	if size > registry.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %q is %d bytes", registry.ErrSizeExceeded, originalName, size)
	}
	if !dicom.IsArchive(originalName) {
		return nil, fmt.Errorf("%w: %q is not a %s archive", registry.ErrUnsupportedType, originalName, dicom.ArchiveExt)
	}

	// Hold the uploaded bytes in a temp file for the extraction pass; the
	// temp copy is discarded regardless of outcome.
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

// commit writes the sidecar metadata record, the create commit point.
// If the sidecar cannot be written the content is removed again so no
// half-created asset remains.
func (b *Backend) commit(a *registry.Asset) error {
	if err := b.writeSidecar(a); err != nil {
		_ = b.content.Remove(a.ID)
		return err
	}
	return nil
}

// writeSidecar atomically persists the metadata record for an asset.
func (b *Backend) writeSidecar(a *registry.Asset) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for %q: %w", a.ID, err)
	}
	if _, err := b.content.WriteFile(a.ID+metaSuffix, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("write metadata for %q: %w", a.ID, err)
	}
	return nil
}

// readSidecar loads and parses one metadata record.
func (b *Backend) readSidecar(name string) (*registry.Asset, error) {
	data, err := os.ReadFile(b.content.Path(name))
	if err != nil {
		return nil, err
	}
	var a registry.Asset
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", registry.ErrMetadataCorrupt, name, err)
	}
	return &a, nil
}

// List reads every sidecar record under the root and returns the assets
// ordered by UploadDate descending. A record that fails to parse is
// skipped and surfaced through the skipped count rather than failing the
// whole listing.
func (b *Backend) List() ([]registry.Asset, int, error) {
	entries, err := os.ReadDir(b.content.Dir())
	if err != nil {
		return nil, 0, fmt.Errorf("read uploads dir: %w", err)
	}

	var assets []registry.Asset
	skipped := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		a, err := b.readSidecar(e.Name())
		if err != nil {
			if errors.Is(err, registry.ErrMetadataCorrupt) {
				skipped++
				continue
			}
			if os.IsNotExist(err) {
				// Deleted between the directory read and here.
				continue
			}
			return nil, 0, err
		}
		assets = append(assets, *a)
	}

	sort.Slice(assets, func(i, j int) bool {
		return assets[i].UploadDate.After(assets[j].UploadDate)
	})
	return assets, skipped, nil
}

// Resolve maps an id to its full Asset.
func (b *Backend) Resolve(id string) (*registry.Asset, error) {
	a, err := b.readSidecar(id + metaSuffix)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %q", registry.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Delete removes the asset's content, then its metadata record. The
// ordering means a crash mid-delete leaves an orphaned record pointing at
// missing content, which a retry of Delete cleans up; content without a
// record would be unaddressable. An unknown or already-deleted id returns
// ErrNotFound.
func (b *Backend) Delete(id string) error {
	if _, err := b.Resolve(id); err != nil {
		return err
	}
	if err := b.content.Remove(id); err != nil {
		return err
	}
	if err := os.Remove(b.content.Path(id + metaSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata for %q: %w", id, err)
	}
	return nil
}
