// Package media converts inbound attachments into model-ready content:
// base64 image payloads, extracted document text, and staged audio files.
package media

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileKind is the closed classification of an inbound file, resolved once at
// ingestion.
type FileKind int

const (
	FileUnknown FileKind = iota
	FileImage
	FileDocument
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

var documentExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".txt": true,
}

var imageMIMETypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ClassifyFile classifies a file by its extension.
func ClassifyFile(name string) FileKind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExtensions[ext]:
		return FileImage
	case documentExtensions[ext]:
		return FileDocument
	default:
		return FileUnknown
	}
}

// ImageMIME derives the MIME type from the file extension, defaulting to
// image/jpeg for unrecognized extensions.
func ImageMIME(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mime, ok := imageMIMETypes[ext]; ok {
		return mime
	}
	return "image/jpeg"
}

// ImageContent is a model-ready image payload.
type ImageContent struct {
	MIME    string
	DataURL string
}

// EncodeImage reads the image at path and encodes it as a base64 data URL.
func EncodeImage(path string) (ImageContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageContent{}, &ExtractionError{Path: path, Err: err}
	}
	mime := ImageMIME(path)
	encoded := base64.StdEncoding.EncodeToString(data)
	return ImageContent{
		MIME:    mime,
		DataURL: fmt.Sprintf("data:%s;base64,%s", mime, encoded),
	}, nil
}

// StageFile writes data to a uniquely named temporary file and returns its
// path together with a cleanup function. Callers must invoke cleanup on every
// exit path.
func StageFile(data []byte, ext string) (string, func(), error) {
	path := filepath.Join(os.TempDir(), uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", nil, fmt.Errorf("stage file: %w", err)
	}
	cleanup := func() {
		os.Remove(path)
	}
	return path, cleanup, nil
}
