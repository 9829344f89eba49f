package server

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/registry"
)

// multipartMemory is the in-memory threshold for multipart parsing; larger
// parts spill to temp files.
const multipartMemory = 32 << 20

// uploadBodyLimit bounds single-file and archive request bodies: the
// per-upload ceiling plus headroom for multipart framing.
const uploadBodyLimit = registry.MaxUploadBytes + (1 << 20)

// assetJSON is the public summary of an asset returned to clients.
type assetJSON struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"originalName"`
	Kind         string    `json:"kind"`
	IsFolder     bool      `json:"isFolder"`
	FromZip      bool      `json:"fromZip,omitempty"`
	Size         int64     `json:"size"`
	FileCount    int       `json:"fileCount,omitempty"`
	UploadDate   time.Time `json:"uploadDate"`
}

func toAssetJSON(a *registry.Asset) assetJSON {
	j := assetJSON{
		ID:           a.ID,
		OriginalName: a.OriginalName,
		Kind:         string(a.Kind),
		IsFolder:     a.IsFolder(),
		FromZip:      a.FromZip,
		Size:         a.Size,
		UploadDate:   a.UploadDate,
	}
	if a.IsFolder() {
		j.FileCount = a.FileCount
	}
	return j
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a registry error kind to an HTTP status and writes it as
// {"error": "..."}.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrSizeExceeded):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, registry.ErrUnsupportedType):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, registry.ErrEmptyBatch):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrCorruptArchive),
		errors.Is(err, registry.ErrNoRecognizedContent):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// uploadResponse is the reply shape for the three upload endpoints.
type uploadResponse struct {
	Success bool      `json:"success"`
	File    assetJSON `json:"file"`
}

// handleUploadFile accepts a multipart POST with a single file field named
// "ctFile" and stores it as a single-file asset.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, uploadBodyLimit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		http.Error(w, "request too large or malformed: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("ctFile")
	if err != nil {
		http.Error(w, "missing 'ctFile' field in form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	asset, err := s.reg.StoreFile(header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Success: true, File: toAssetJSON(asset)})
}

// handleUploadFolder accepts a multipart POST with repeated "files" fields
// and an optional "folderName" field, and stores the batch as one folder
// asset. No body cap beyond the per-file ceiling: a series can legitimately
// carry hundreds of slices.
func (s *Server) handleUploadFolder(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		http.Error(w, "request too large or malformed: "+err.Error(), http.StatusBadRequest)
		return
	}

	var parts []*multipart.FileHeader
	if r.MultipartForm != nil {
		parts = r.MultipartForm.File["files"]
	}

	var opened []io.Closer
	defer func() {
		for _, c := range opened {
			_ = c.Close()
		}
	}()

	files := make([]registry.FolderFile, 0, len(parts))
	for _, fh := range parts {
		src, err := fh.Open()
		if err != nil {
			http.Error(w, "read form file: "+err.Error(), http.StatusBadRequest)
			return
		}
		opened = append(opened, src)
		files = append(files, registry.FolderFile{
			Name: fh.Filename,
			Size: fh.Size,
			Data: src,
		})
	}

	asset, err := s.reg.StoreFolder(r.FormValue("folderName"), files)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Success: true, File: toAssetJSON(asset)})
}

// handleUploadArchive accepts a multipart POST with a "zipFile" field and
// stores the recognized archive contents as one extracted folder asset.
func (s *Server) handleUploadArchive(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, uploadBodyLimit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		http.Error(w, "request too large or malformed: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("zipFile")
	if err != nil {
		http.Error(w, "missing 'zipFile' field in form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	asset, err := s.reg.StoreArchive(header.Filename, header.Size, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Success: true, File: toAssetJSON(asset)})
}

// listResponse is the reply shape for the files listing.
type listResponse struct {
	Success bool        `json:"success"`
	Files   []assetJSON `json:"files"`
	Skipped int         `json:"skipped,omitempty"`
}

// handleListFiles returns all assets, most recent first. Metadata records
// that failed to parse are reported through the skipped counter so a
// degraded store is visible to the client instead of silently shrinking.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	assets, skipped, err := s.reg.List()
	if err != nil {
		s.writeError(w, err)
		return
	}

	files := make([]assetJSON, len(assets))
	for i := range assets {
		files[i] = toAssetJSON(&assets[i])
	}
	writeJSON(w, http.StatusOK, listResponse{Success: true, Files: files, Skipped: skipped})
}

// handleDownload serves asset content by id. Single-file assets are served
// directly with their original name; folder assets are streamed as a zip
// built on the fly.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	asset, err := s.reg.Resolve(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if asset.IsFolder() {
		s.serveFolderZip(w, asset)
		return
	}

	f, err := os.Open(asset.StoragePath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(asset.OriginalName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": asset.OriginalName}))

	http.ServeContent(w, r, asset.OriginalName, asset.UploadDate, f)
}

// serveFolderZip streams a folder asset's directory tree as a zip archive.
// Errors past the first byte can only be logged; the status line is gone.
func (s *Server) serveFolderZip(w http.ResponseWriter, asset *registry.Asset) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": asset.OriginalName + ".zip"}))

	zw := zip.NewWriter(w)
	defer zw.Close()

	err := filepath.WalkDir(asset.StoragePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(asset.StoragePath, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		s.logger.Error("stream folder zip",
			zap.String("id", asset.ID), zap.Error(err))
	}
}

// handleDelete removes an asset's content and metadata by id.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.reg.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
