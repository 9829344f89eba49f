// Package store performs the physical content operations under the uploads
// root: writing single files, assembling folder batches, extracting zip
// archives, and scanning extracted trees for imaging files. It never touches
// metadata records; the registry backends own those and decide commit order.
package store

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/scanvault/scanvault/internal/dicom"
)

// Root is a handle on the uploads directory. All names passed to its
// methods are storage names (direct children of the root).
type Root struct {
	dir string
}

// New creates the uploads directory if needed and returns a Root for it.
func New(dir string) (*Root, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create uploads dir %q: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads dir %q: %w", dir, err)
	}
	return &Root{dir: abs}, nil
}

// Dir returns the absolute path of the uploads root.
func (r *Root) Dir() string { return r.dir }

// Path returns the absolute path for a storage name under the root.
func (r *Root) Path(name string) string {
	return filepath.Join(r.dir, name)
}

// Exists reports whether a storage name is already taken.
func (r *Root) Exists(name string) bool {
	_, err := os.Lstat(r.Path(name))
	return err == nil
}

// WriteFile streams src into a new file named name under the root and
// returns the number of bytes written. The data goes to a temp file first
// and is renamed into place (atomic on most filesystems); on any failure
// the temp file is removed and nothing is left behind.
func (r *Root) WriteFile(name string, src io.Reader) (int64, error) {
	return writeTo(r.dir, name, src)
}

// writeTo is the temp-then-rename write used for every stored file.
func writeTo(dir, name string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op after successful rename

	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return 0, fmt.Errorf("rename upload: %w", err)
	}
	return n, nil
}

// AssembleFolder creates a directory named dirName under the root and
// writes every batch file into it under its leaf file name (client-side
// relative paths are flattened). Duplicate leaf names are disambiguated
// with a numeric suffix so every member keeps a distinct entry. On any
// write failure the whole directory is removed before the error returns.
// Returns the total bytes written and the member names in batch order.
func (r *Root) AssembleFolder(dirName string, files []File) (int64, []string, error) {
	dirPath := r.Path(dirName)
	if err := os.Mkdir(dirPath, 0755); err != nil {
		return 0, nil, fmt.Errorf("create folder %q: %w", dirName, err)
	}

	var total int64
	members := make([]string, 0, len(files))
	taken := make(map[string]bool, len(files))

	for _, f := range files {
		leaf := uniqueLeaf(filepath.Base(filepath.FromSlash(f.Name)), taken)
		taken[leaf] = true

		n, err := writeTo(dirPath, leaf, f.Data)
		if err != nil {
			_ = os.RemoveAll(dirPath)
			return 0, nil, fmt.Errorf("store member %q: %w", leaf, err)
		}
		total += n
		members = append(members, leaf)
	}
	return total, members, nil
}

// File is one file of a folder batch.
type File struct {
	Name string
	Data io.Reader
}

// uniqueLeaf returns leaf, or leaf with a "-2", "-3", ... suffix inserted
// before the extension if the name is already taken in the folder.
func uniqueLeaf(leaf string, taken map[string]bool) string {
	if !taken[leaf] {
		return leaf
	}
	base, ext := dicom.SplitExt(leaf)
	for i := 2; ; i++ {
		cand := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !taken[cand] {
			return cand
		}
	}
}

// Spool writes src to a temp file under the root and returns its path.
// Used to hold uploaded archive bytes during extraction; the caller
// removes the file when done.
func (r *Root) Spool(src io.Reader) (string, error) {
	tmp, err := os.CreateTemp(r.dir, ".archive-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create archive temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("spool archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close archive temp: %w", err)
	}
	return tmpPath, nil
}

// ExtractArchive unpacks the zip file at archivePath into a new directory
// named dirName under the root, preserving the archive's internal layout.
// Entry paths are validated so no entry can escape the target directory.
// On failure the partially extracted directory is removed.
func (r *Root) ExtractArchive(dirName, archivePath string) error {
	dirPath := r.Path(dirName)
	if err := os.Mkdir(dirPath, 0755); err != nil {
		return fmt.Errorf("create extraction dir %q: %w", dirName, err)
	}

	if err := extractInto(dirPath, archivePath); err != nil {
		_ = os.RemoveAll(dirPath)
		return err
	}
	return nil
}

func extractInto(dirPath, archivePath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		rel, err := safeEntryPath(f.Name)
		if err != nil {
			return err
		}
		dest := filepath.Join(dirPath, rel)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("create entry dir %q: %w", rel, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("create entry parent %q: %w", rel, err)
		}
		if err := extractEntry(dest, f); err != nil {
			return fmt.Errorf("extract entry %q: %w", rel, err)
		}
	}
	return nil
}

func extractEntry(dest string, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return err
	}
	return out.Close()
}

// safeEntryPath normalizes a zip entry name and rejects absolute paths and
// parent-directory components.
func safeEntryPath(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction dir", name)
	}
	return clean, nil
}

// Member is one recognized imaging file found by ScanImaging.
type Member struct {
	Name string // leaf file name
	Size int64
}

// ScanImaging walks the tree rooted at dir depth-first and returns every
// recognized imaging file found at any depth. Archive internal layouts are
// unpredictable (nested per-series subfolders are common), so a flat
// top-level scan would silently drop legitimate content. The walk is a
// pure read over the tree and can be tested against synthetic directories.
func ScanImaging(dir string) ([]Member, error) {
	var found []Member
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !dicom.IsImagingFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		found = append(found, Member{Name: d.Name(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %q: %w", dir, err)
	}
	return found, nil
}

// Remove deletes the content object for a storage name. Directories are
// removed recursively. A name that no longer exists is not an error, so an
// orphaned metadata record stays safely re-deletable.
func (r *Root) Remove(name string) error {
	err := os.RemoveAll(r.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	return nil
}
