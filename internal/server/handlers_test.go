package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"

	fsbackend "github.com/scanvault/scanvault/internal/backend/fs"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	backend, err := fsbackend.New(t.TempDir())
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	return New(backend, Options{})
}

// buildMultipartBody creates a multipart/form-data body with a single file field.
func buildMultipartBody(t *testing.T, fieldName, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(fieldName, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}

// buildZipBytes returns raw zip bytes with the given entries.
func buildZipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %q: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %q: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func doUpload(t *testing.T, srv *Server, path, field, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := buildMultipartBody(t, field, filename, data)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func decodeUpload(t *testing.T, rr *httptest.ResponseRecorder) uploadResponse {
	t.Helper()
	var resp uploadResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return resp
}

func listFiles(t *testing.T, srv *Server) listResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp listResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	return resp
}

func TestHandleUploadFile_Success(t *testing.T) {
	srv := newTestServer(t)
	content := bytes.Repeat([]byte("x"), 1<<20)

	rr := doUpload(t, srv, "/api/upload", "ctFile", "scan.dcm", content)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 Created, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decodeUpload(t, rr)
	if !resp.Success {
		t.Error("success flag not set")
	}
	if resp.File.Size != 1<<20 {
		t.Errorf("size: got %d, want %d", resp.File.Size, 1<<20)
	}
	if resp.File.IsFolder {
		t.Error("single file reported as folder")
	}
	if resp.File.OriginalName != "scan.dcm" {
		t.Errorf("originalName: got %q", resp.File.OriginalName)
	}

	list := listFiles(t, srv)
	if len(list.Files) != 1 || list.Files[0].OriginalName != "scan.dcm" {
		t.Errorf("list after upload: %+v", list.Files)
	}
}

func TestHandleUploadFile_UnsupportedType(t *testing.T) {
	srv := newTestServer(t)

	// CreateFormFile would declare application/octet-stream, which is on
	// the media-type allowlist; a rejected upload needs both an unknown
	// extension and an unknown declared type.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="ctFile"; filename="notes.txt"`)
	hdr.Set("Content-Type", "text/plain")
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = fw.Write([]byte("hello"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleUploadFile_MissingField(t *testing.T) {
	srv := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("other", "value")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestHandleUploadFolder_Success(t *testing.T) {
	srv := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("folderName", "head-ct")
	for _, f := range []struct{ name, content string }{
		{"series/s1.dcm", "aaa"},
		{"series/s2.dcm", "bb"},
		{"series/s3.dcm", "c"},
	} {
		fw, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = fw.Write([]byte(f.content))
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload-folder", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeUpload(t, rr)
	if resp.File.FileCount != 3 {
		t.Errorf("fileCount: got %d, want 3", resp.File.FileCount)
	}
	if resp.File.Size != 6 {
		t.Errorf("size: got %d, want 6", resp.File.Size)
	}
	if !resp.File.IsFolder {
		t.Error("folder upload not reported as folder")
	}
	if resp.File.OriginalName != "head-ct" {
		t.Errorf("originalName: got %q, want head-ct", resp.File.OriginalName)
	}
}

func TestHandleUploadFolder_EmptyBatch(t *testing.T) {
	srv := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("folderName", "empty")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload-folder", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleUploadArchive_Success(t *testing.T) {
	srv := newTestServer(t)
	data := buildZipBytes(t, map[string]string{
		"a.dcm":     strings.Repeat("x", 100),
		"notes.txt": strings.Repeat("x", 50),
		"b/c.dcm":   strings.Repeat("x", 200),
	})

	rr := doUpload(t, srv, "/api/upload-zip", "zipFile", "study.zip", data)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeUpload(t, rr)
	if resp.File.FileCount != 2 {
		t.Errorf("fileCount: got %d, want 2", resp.File.FileCount)
	}
	if resp.File.Size != 300 {
		t.Errorf("size: got %d, want 300", resp.File.Size)
	}
	if !resp.File.FromZip {
		t.Error("fromZip flag not set")
	}
}

func TestHandleUploadArchive_NoRecognizedContent(t *testing.T) {
	srv := newTestServer(t)
	data := buildZipBytes(t, map[string]string{"readme.txt": "only text"})

	rr := doUpload(t, srv, "/api/upload-zip", "zipFile", "docs.zip", data)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}

	list := listFiles(t, srv)
	if len(list.Files) != 0 {
		t.Errorf("rejected archive appeared in list: %+v", list.Files)
	}
}

func TestHandleUploadArchive_Corrupt(t *testing.T) {
	srv := newTestServer(t)

	rr := doUpload(t, srv, "/api/upload-zip", "zipFile", "broken.zip", []byte("not a zip"))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleDownload_SingleFile(t *testing.T) {
	srv := newTestServer(t)
	content := []byte("dicom pixel data")

	rr := doUpload(t, srv, "/api/upload", "ctFile", "scan.dcm", content)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload failed: %d", rr.Code)
	}
	resp := decodeUpload(t, rr)

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+resp.File.ID, nil)
	rr2 := httptest.NewRecorder()
	srv.ServeHTTP(rr2, req)

	if rr2.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d: %s", rr2.Code, rr2.Body.String())
	}
	body, _ := io.ReadAll(rr2.Body)
	if !bytes.Equal(body, content) {
		t.Errorf("downloaded %d bytes, want %d identical bytes", len(body), len(content))
	}
	if cd := rr2.Header().Get("Content-Disposition"); !strings.Contains(cd, "scan.dcm") {
		t.Errorf("Content-Disposition %q should carry the original name", cd)
	}
}

func TestHandleDownload_QuotedFilenameHeader(t *testing.T) {
	srv := newTestServer(t)

	rr := doUpload(t, srv, "/api/upload", "ctFile", `my "scan".dcm`, []byte("data"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload failed: %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeUpload(t, rr)

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+url.PathEscape(resp.File.ID), nil)
	rr2 := httptest.NewRecorder()
	srv.ServeHTTP(rr2, req)
	if rr2.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", rr2.Code)
	}

	// The quote in the name must be escaped, not break the header.
	_, params, err := mime.ParseMediaType(rr2.Header().Get("Content-Disposition"))
	if err != nil {
		t.Fatalf("Content-Disposition unparseable: %v", err)
	}
	if params["filename"] != `my "scan".dcm` {
		t.Errorf("filename param: got %q", params["filename"])
	}
}

func TestHandleDownload_FolderStreamsZip(t *testing.T) {
	srv := newTestServer(t)
	data := buildZipBytes(t, map[string]string{"a.dcm": "head"})

	rr := doUpload(t, srv, "/api/upload-zip", "zipFile", "study.zip", data)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload failed: %d", rr.Code)
	}
	resp := decodeUpload(t, rr)

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+resp.File.ID, nil)
	rr2 := httptest.NewRecorder()
	srv.ServeHTTP(rr2, req)

	if rr2.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", rr2.Code)
	}
	if ct := rr2.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type: got %q, want application/zip", ct)
	}

	zr, err := zip.NewReader(bytes.NewReader(rr2.Body.Bytes()), int64(rr2.Body.Len()))
	if err != nil {
		t.Fatalf("downloaded folder is not a readable zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "a.dcm" {
		t.Errorf("zip entries: got %v", zr.File)
	}
}

func TestHandleDownload_NotFound(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/download/missing-id", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestHandleDelete_RemovesAsset(t *testing.T) {
	srv := newTestServer(t)

	rr := doUpload(t, srv, "/api/upload", "ctFile", "scan.dcm", []byte("data"))
	resp := decodeUpload(t, rr)

	req := httptest.NewRequest(http.MethodDelete, "/api/delete/"+resp.File.ID, nil)
	rr2 := httptest.NewRecorder()
	srv.ServeHTTP(rr2, req)
	if rr2.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rr2.Code, rr2.Body.String())
	}

	list := listFiles(t, srv)
	if len(list.Files) != 0 {
		t.Errorf("deleted asset still listed: %+v", list.Files)
	}

	// Deleting again reports not found.
	rr3 := httptest.NewRecorder()
	srv.ServeHTTP(rr3, httptest.NewRequest(http.MethodDelete, "/api/delete/"+resp.File.ID, nil))
	if rr3.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rr3.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ok") {
		t.Errorf("body: %q", rr.Body.String())
	}
}
