// ABOUTME: File upload handler and the file context built from stored uploads
// ABOUTME: Files live under <upload_dir>/<conversation_id>/<filename>

package gateway

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxUploadBytes  = 32 << 20
	fileContextHead = "The user has uploaded the following files:\n"
)

var errBadName = errors.New("invalid name")

// safeName rejects names that could escape their directory.
func safeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", errBadName
	}
	return name, nil
}

// uploadDir returns the directory holding a conversation's uploads.
func (g *Gateway) uploadDir(conversationID string) (string, error) {
	id, err := safeName(conversationID)
	if err != nil {
		return "", fmt.Errorf("conversation_id: %w", err)
	}
	return filepath.Join(g.config.Gateway.UploadDir, id), nil
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	dir, err := g.uploadDir(conversationID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "no files")
		return
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		g.logger.Error("failed to create upload dir", "dir", dir, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "storing files failed")
		return
	}

	names := make([]string, 0, len(headers))
	for _, fh := range headers {
		name, err := safeName(filepath.Base(fh.Filename))
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("filename %q: %v", fh.Filename, err))
			return
		}
		if err := saveFile(fh, filepath.Join(dir, name)); err != nil {
			g.logger.Error("failed to store upload", "file", name, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "storing files failed")
			return
		}
		names = append(names, name)
	}

	g.agents.RecordUpload(conversationID, names)
	g.logger.Info("files uploaded",
		"conversation_id", conversationID,
		"count", len(names))

	g.sendJSON(w, http.StatusOK, map[string][]string{"uploaded_files": names})
}

func saveFile(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// fileContext describes a conversation's uploads for the model. Text files
// are inlined; other files are named only. It returns "" when there are none.
func (g *Gateway) fileContext(conversationID string) (string, error) {
	dir, err := g.uploadDir(conversationID)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var parts []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return "", err
		}
		if utf8.Valid(data) {
			parts = append(parts, fmt.Sprintf("Content of %s:\n%s", e.Name(), data))
		} else {
			parts = append(parts, "File uploaded: "+e.Name())
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return fileContextHead + strings.Join(parts, "\n\n"), nil
}
