// Package registry provides the asset registry abstraction for scanvault.
// It defines the core data types, the error kinds shared across ingestion
// paths, and the Registry interface that storage backends implement.
package registry

import (
	"errors"
	"io"
	"time"
)

// MaxUploadBytes is the per-upload size ceiling (500 MiB). It applies to a
// single uploaded file, to each file of a folder batch, and to an archive.
const MaxUploadBytes = 500 << 20

// AssetKind discriminates the two on-disk shapes an asset can take.
type AssetKind string

const (
	// KindFile is an asset backed by exactly one stored file.
	KindFile AssetKind = "single-file"

	// KindFolder is an asset backed by a directory of member files.
	KindFolder AssetKind = "folder"
)

// FolderOrigin records which ingestion path produced a folder asset.
type FolderOrigin string

const (
	// OriginAssembled marks a folder built from a multi-file upload.
	OriginAssembled FolderOrigin = "assembled"

	// OriginExtracted marks a folder materialized from a zip archive.
	OriginExtracted FolderOrigin = "extracted"
)

// Asset describes one logical uploaded unit tracked by the registry.
// Its ID doubles as the on-disk file or directory name under the
// uploads root, so content and metadata can always be paired by name.
type Asset struct {
	// ID is the unique storage name (also the on-disk name).
	ID string `json:"id"`

	// OriginalName is the user-supplied display name: the uploaded file
	// name, the chosen folder label, or the archive base name.
	OriginalName string `json:"originalName"`

	// Kind is single-file or folder.
	Kind AssetKind `json:"kind"`

	// Origin is set for folder assets only.
	Origin FolderOrigin `json:"origin,omitempty"`

	// FromZip is true for folder assets extracted from an archive.
	FromZip bool `json:"fromZip,omitempty"`

	// Size is the total stored bytes: the file size for single-file
	// assets, the sum of member sizes for folders. Fixed at creation.
	Size int64 `json:"size"`

	// FileCount is 1 for single-file assets, the member count for folders.
	FileCount int `json:"fileCount"`

	// UploadDate is when the asset was created. Immutable.
	UploadDate time.Time `json:"uploadDate"`

	// Members lists the member file names of a folder asset (leaf names,
	// direct children of the storage directory). Empty for single files.
	Members []string `json:"members,omitempty"`

	// StoragePath is the absolute path of the stored file or directory.
	StoragePath string `json:"path"`
}

// IsFolder reports whether the asset is a folder of member files.
func (a *Asset) IsFolder() bool {
	return a.Kind == KindFolder
}

// FolderFile is one file of a multi-file folder upload. Name may carry a
// client-side relative path; only its leaf component is kept when stored.
type FolderFile struct {
	Name string
	Size int64
	Data io.Reader
}

// Error kinds reported by registry operations. Backends wrap these with
// contextual detail; callers match them with errors.Is.
var (
	// ErrSizeExceeded - an upload is larger than MaxUploadBytes.
	ErrSizeExceeded = errors.New("upload exceeds the size limit")

	// ErrUnsupportedType - neither the filename extension nor the declared
	// media type is on the acceptance allowlist.
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrEmptyBatch - a folder upload carried no files.
	ErrEmptyBatch = errors.New("folder upload contains no files")

	// ErrCorruptArchive - an uploaded archive could not be extracted.
	ErrCorruptArchive = errors.New("archive cannot be read")

	// ErrNoRecognizedContent - extraction succeeded but no entry at any
	// depth classified as an imaging file; nothing was registered.
	ErrNoRecognizedContent = errors.New("archive contains no recognized imaging files")

	// ErrNotFound - no metadata record exists for the requested id.
	ErrNotFound = errors.New("asset not found")

	// ErrMetadataCorrupt - a persisted metadata record failed to parse.
	ErrMetadataCorrupt = errors.New("metadata record is corrupt")
)

// Registry is the contract storage backends implement. Every operation
// reads or writes durable state; there is no in-memory cache, so readers
// always observe the latest committed state.
type Registry interface {
	// StoreFile persists one uploaded file and its metadata record.
	// size is the declared upload size, checked against MaxUploadBytes.
	// declaredType is the client's media type; it is accepted as an
	// alternative signal when the filename extension is not recognized.
	StoreFile(originalName, declaredType string, size int64, src io.Reader) (*Asset, error)

	// StoreFolder persists a batch of files as one folder asset.
	// label is the user-chosen folder name; when empty a fixed fallback
	// is used. Client-side relative paths are flattened to leaf names.
	StoreFolder(label string, files []FolderFile) (*Asset, error)

	// StoreArchive extracts a zip upload, classifies its contents
	// recursively, and materializes a folder asset from the recognized
	// files. An archive yielding zero recognized files registers nothing.
	StoreArchive(originalName string, size int64, src io.Reader) (*Asset, error)

	// List returns all assets ordered by UploadDate descending, plus the
	// number of metadata records that were skipped because they failed
	// to parse.
	List() ([]Asset, int, error)

	// Resolve maps an id to its full Asset (storage path and original
	// name included). Returns ErrNotFound if no record exists.
	Resolve(id string) (*Asset, error)

	// Delete removes the asset's content, then its metadata record.
	// Returns ErrNotFound if no record exists, including for an id that
	// was already deleted.
	Delete(id string) error
}
