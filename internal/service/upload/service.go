package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

// PublicPrefix is the URL path attachments are served under.
const PublicPrefix = "/uploads/"

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file exceeds 10MB")
	ErrEmptyFile       = errors.New("file is empty")
)

// Service stores uploaded attachments on local disk.
type Service struct {
	dir     string
	baseURL string
}

// NewService creates dir if needed. baseURL is the public origin used to
// build attachment URLs.
func NewService(dir, baseURL string) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Service{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the storage directory.
func (s *Service) Dir() string {
	return s.dir
}

// Save validates and stores one file. declaredType is the client supplied
// content type and may be empty.
func (s *Service) Save(ctx context.Context, name, declaredType string, r io.Reader) (chat.Attachment, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return chat.Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return chat.Attachment{}, ErrEmptyFile
	}

	mimeType := resolveType(name, declaredType, head)
	if !chat.AllowedAttachment(mimeType) {
		return chat.Attachment{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	stored := uuid.NewString() + extensionFor(name, mimeType)
	target := filepath.Join(s.dir, stored)
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("create upload: %w", err)
	}

	src := io.MultiReader(bytes.NewReader(head), r)
	size, copyErr := io.Copy(file, io.LimitReader(src, chat.MaxAttachmentSize+1))
	closeErr := file.Close()

	switch {
	case copyErr != nil:
		os.Remove(target)
		return chat.Attachment{}, fmt.Errorf("write upload: %w", copyErr)
	case closeErr != nil:
		os.Remove(target)
		return chat.Attachment{}, fmt.Errorf("write upload: %w", closeErr)
	case size > chat.MaxAttachmentSize:
		os.Remove(target)
		return chat.Attachment{}, ErrTooLarge
	case ctx.Err() != nil:
		os.Remove(target)
		return chat.Attachment{}, ctx.Err()
	}

	if name == "" {
		name = stored
	}
	slog.Info("attachment stored", "name", name, "file", stored, "size", size, "mime", mimeType)
	return chat.Attachment{
		URL:      s.baseURL + PublicPrefix + stored,
		MimeType: mimeType,
		Name:     path.Base(filepath.ToSlash(name)),
		Size:     size,
	}, nil
}

func resolveType(name, declared string, head []byte) string {
	if declared != "" {
		if parsed, _, err := mime.ParseMediaType(declared); err == nil && chat.AllowedAttachment(parsed) {
			return parsed
		}
	}
	if byName := chat.MimeTypeFromURL(name); byName != "" {
		return byName
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	return sniffed
}

func extensionFor(name, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" && chat.MimeTypeFromURL(name) == mimeType {
		return ext
	}
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	}
	return ""
}
