// Package dicom holds the filename-based classification rules for
// medical-image uploads. Classification is purely by name; file contents
// are never inspected here.
package dicom

import (
	"path/filepath"
	"strings"
)

// imagingExts is the allowlist of recognized imaging extensions:
// DICOM scan slices (.ima is the Siemens variant) and NIfTI volumes.
var imagingExts = map[string]bool{
	".dcm":   true,
	".dicom": true,
	".ima":   true,
	".nii":   true,
}

// rasterExts are common raster-image extensions accepted at the upload
// boundary (scout images, exported screenshots) but not counted as
// imaging files inside archives.
var rasterExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// allowedMIMETypes is the declared-media-type allowlist. A match here is
// sufficient even when the filename extension is not recognized, since
// DICOM exports are frequently served as application/octet-stream.
var allowedMIMETypes = map[string]bool{
	"application/dicom":            true,
	"image/dicom":                  true,
	"application/octet-stream":     true,
	"image/jpeg":                   true,
	"image/png":                    true,
	"image/tiff":                   true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
}

// ArchiveExt is the only archive extension accepted for archive uploads.
const ArchiveExt = ".zip"

// IsImagingFile reports whether name counts as a recognized imaging file.
// The match is case-insensitive; the compound .nii.gz extension of
// compressed NIfTI volumes is handled explicitly because filepath.Ext
// only sees the trailing .gz.
func IsImagingFile(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".nii.gz") {
		return true
	}
	return imagingExts[filepath.Ext(lower)]
}

// IsAcceptedUpload is the broader acceptance predicate applied at the
// ingestion boundary: imaging files, common raster images, and archives.
func IsAcceptedUpload(name string) bool {
	if IsImagingFile(name) || IsArchive(name) {
		return true
	}
	return rasterExts[filepath.Ext(strings.ToLower(name))]
}

// IsArchive reports whether name has the archive extension.
func IsArchive(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ArchiveExt)
}

// AllowedMIMEType reports whether the declared media type is on the
// upload allowlist. Parameters (e.g. "; charset=...") are ignored.
func AllowedMIMEType(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return allowedMIMETypes[mt]
}

// TrimArchiveExt returns name without its archive extension, used as the
// base name for the extracted folder.
func TrimArchiveExt(name string) string {
	if IsArchive(name) {
		return name[:len(name)-len(ArchiveExt)]
	}
	return name
}

// SplitExt splits a filename into its base and extension, keeping the
// compound .nii.gz extension together so the storage name preserves it.
func SplitExt(name string) (base, ext string) {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".nii.gz") {
		return name[:len(name)-len(".nii.gz")], name[len(name)-len(".nii.gz"):]
	}
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}
