package chat

import (
	"path"
	"strings"
)

// MaxAttachmentSize caps uploads at 10 MiB.
const MaxAttachmentSize = 10 * 1024 * 1024

// AllowedAttachmentTypes lists the mime types accepted for upload.
var AllowedAttachmentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"application/pdf",
	"text/plain",
}

var mimeByExtension = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// MimeTypeFromURL looks the mime type up by file extension. Unknown or missing
// extensions return "" rather than a guess.
func MimeTypeFromURL(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(url)), ".")
	if ext == "" {
		return ""
	}
	return mimeByExtension[ext]
}

// AllowedAttachment reports whether mimeType may be uploaded.
func AllowedAttachment(mimeType string) bool {
	for _, allowed := range AllowedAttachmentTypes {
		if allowed == mimeType {
			return true
		}
	}
	return false
}
