package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultContentType is served when the extension is unknown.
const DefaultContentType = "video/mp4"

var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".ts":   "video/mp2t",
	".ogv":  "video/ogg",
}

// ContentTypeForFilename returns the MIME type for a video filename extension.
func ContentTypeForFilename(filename string) string {
	if ct, ok := videoContentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return DefaultContentType
}

// SanitizeFilename keeps the base name of an uploaded file and strips
// characters that are awkward on disk.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}

const createAttempts = 3

// RawUploadPath returns <root>/<unix-millis>-<rand>-<name> for an incoming
// upload. rand is a short random fragment so same-name uploads in the same
// millisecond get distinct paths.
func RawUploadPath(root, originalName string, now time.Time) string {
	frag := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(root, fmt.Sprintf("%d-%s-%s", now.UnixMilli(), frag, SanitizeFilename(originalName)))
}

// CreateRawUpload creates a new file for an upload under root. The file is
// created with O_EXCL, so an existing upload is never truncated or shared.
// The caller owns the returned file; its path is f.Name().
func CreateRawUpload(root, originalName string, now time.Time) (*os.File, error) {
	for i := 0; i < createAttempts; i++ {
		f, err := os.OpenFile(RawUploadPath(root, originalName, now), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return f, err
	}
	return nil, fmt.Errorf("create upload file: %w", fs.ErrExist)
}

// VariantDir returns the per-video output directory <root>/<video_id>.
func VariantDir(root, videoID string) string {
	return filepath.Join(root, videoID)
}

// VariantPath returns <root>/<video_id>/<profile>.<ext>.
func VariantPath(root, videoID, profile, ext string) string {
	return filepath.Join(VariantDir(root, videoID), profile+"."+ext)
}
