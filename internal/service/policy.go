package service

import (
	"bytes"
	"html"
	"image"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	// Registered for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"

	"pcdattach/internal/models"
)

const (
	DefaultMaxUploadBytes int64 = 10 << 20

	maxOriginalNameLength = 255
	genericMediaType      = "application/octet-stream"
)

// DefaultAllowedExtensions lists the file extensions accepted out of the box.
var DefaultAllowedExtensions = []string{
	"pdf", "doc", "docx", "xls", "xlsx", "txt", "csv",
	"jpg", "jpeg", "png", "gif", "bmp", "webp",
}

// DefaultAllowedMediaTypes lists the media types accepted out of the box.
var DefaultAllowedMediaTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
	"text/csv",
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/bmp",
	"image/webp",
}

// extensionMediaTypes maps extensions to the media type assumed when
// sniffing only finds a generic container (legacy Office files are OLE
// compound documents, OOXML files are zip archives).
var extensionMediaTypes = map[string]string{
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"webp": "image/webp",
}

var containerMediaTypes = map[string]struct{}{
	"application/x-ole-storage": {},
	"application/zip":           {},
}

// Policy controls which uploads Attach accepts.
type Policy struct {
	MaxUploadBytes    int64
	AllowedMediaTypes []string
	AllowedExtensions []string
}

// DefaultPolicy returns the upload policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxUploadBytes:    DefaultMaxUploadBytes,
		AllowedMediaTypes: append([]string(nil), DefaultAllowedMediaTypes...),
		AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
	}
}

type uploadPolicy struct {
	maxUploadBytes    int64
	allowedMediaTypes map[string]struct{}
	allowedExtensions map[string]struct{}
	sanitizer         *bluemonday.Policy
}

func compilePolicy(p Policy) uploadPolicy {
	compiled := uploadPolicy{
		maxUploadBytes:    p.MaxUploadBytes,
		allowedMediaTypes: map[string]struct{}{},
		allowedExtensions: map[string]struct{}{},
		sanitizer:         bluemonday.StrictPolicy(),
	}
	if compiled.maxUploadBytes <= 0 {
		compiled.maxUploadBytes = DefaultMaxUploadBytes
	}

	mediaTypes := p.AllowedMediaTypes
	if len(mediaTypes) == 0 {
		mediaTypes = DefaultAllowedMediaTypes
	}
	for _, raw := range mediaTypes {
		if mediaType := normalizeMediaType(raw); mediaType != "" {
			compiled.allowedMediaTypes[mediaType] = struct{}{}
		}
	}

	extensions := p.AllowedExtensions
	if len(extensions) == 0 {
		extensions = DefaultAllowedExtensions
	}
	for _, raw := range extensions {
		if ext := normalizeExtension(raw); ext != "" {
			compiled.allowedExtensions[ext] = struct{}{}
		}
	}
	return compiled
}

// classification is what Attach learns about an upload before storing it.
type classification struct {
	ext         string
	blobExt     string
	contentType string
	kind        models.AttachmentKind
	width       *int
	height      *int
}

func (p uploadPolicy) classify(content []byte, originalName, declared string) (classification, error) {
	var zero classification

	size := int64(len(content))
	if size == 0 {
		return zero, validationCode(ErrEmptyFile, ErrCodeEmptyFile, "%s has no content", originalName)
	}
	if size > p.maxUploadBytes {
		return zero, validationCode(ErrSizeExceeded, ErrCodeSizeExceeded, "%s is %s, limit is %s",
			originalName, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(p.maxUploadBytes)))
	}

	ext := normalizeExtension(filepath.Ext(originalName))
	if ext == "" {
		return zero, validationCode(ErrUnsupportedFileType, ErrCodeUnsupportedFileType, "%s has no file extension", originalName)
	}
	if _, ok := p.allowedExtensions[ext]; !ok {
		return zero, validationCode(ErrUnsupportedFileType, ErrCodeUnsupportedFileType, "extension .%s is not allowed", ext)
	}

	if declaredType := normalizeMediaType(declared); declaredType != "" && declaredType != genericMediaType {
		if _, ok := p.allowedMediaTypes[declaredType]; !ok {
			return zero, validationCode(ErrUnsupportedFileType, ErrCodeUnsupportedFileType, "declared content type %s is not allowed", declaredType)
		}
	}

	contentType, sniffedExt, ok := p.sniff(content, ext)
	if !ok {
		return zero, validationCode(ErrUnsupportedFileType, ErrCodeUnsupportedFileType, "content of %s is %s", originalName, normalizeMediaType(mimetype.Detect(content).String()))
	}

	c := classification{ext: ext, blobExt: ext, contentType: contentType, kind: models.AttachmentKindDocument}
	if sniffedExt != "" && !extensionMatches(ext, contentType) {
		// The stored file is named after what it is, not what it was called.
		c.blobExt = sniffedExt
	}
	if strings.HasPrefix(contentType, "image/") {
		c.kind = models.AttachmentKindPicture
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(content)); err == nil {
			w, h := cfg.Width, cfg.Height
			c.width, c.height = &w, &h
		}
	}
	return c, nil
}

// sniff walks the detected type and its parents until it finds an allowed
// media type, returning it with the extension that type is known by.
func (p uploadPolicy) sniff(content []byte, ext string) (string, string, bool) {
	detected := mimetype.Detect(content)
	for mt := detected; mt != nil; mt = mt.Parent() {
		mediaType := normalizeMediaType(mt.String())
		if _, ok := p.allowedMediaTypes[mediaType]; ok {
			return mediaType, normalizeExtension(mt.Extension()), true
		}
	}

	if _, ok := containerMediaTypes[normalizeMediaType(detected.String())]; ok {
		expected := extensionMediaTypes[ext]
		if expected == "" {
			expected = normalizeMediaType(mime.TypeByExtension("." + ext))
		}
		if _, ok := p.allowedMediaTypes[expected]; ok && expected != "" {
			return expected, ext, true
		}
	}
	return "", "", false
}

// extensionMatches reports whether ext is a name the media type goes by.
// Any text extension fits text/plain, the parent of every text format.
func extensionMatches(ext, mediaType string) bool {
	named := extensionMediaTypes[ext]
	if named == "" {
		named = normalizeMediaType(mime.TypeByExtension("." + ext))
	}
	if named == mediaType {
		return true
	}
	if mediaType == "text/plain" && strings.HasPrefix(named, "text/") {
		return true
	}
	extensions, _ := mime.ExtensionsByType(mediaType)
	for _, e := range extensions {
		if normalizeExtension(e) == ext {
			return true
		}
	}
	return false
}

// sanitizeName strips markup and path components from a client supplied
// file name.
func (p uploadPolicy) sanitizeName(raw, ext string) string {
	name := html.UnescapeString(p.sanitizer.Sanitize(raw))
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(filepath.FromSlash(name)))
	if name == "." || name == ".." || name == "/" {
		name = ""
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	for len(name) > maxOriginalNameLength {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	if name == "" {
		name = "attachment." + ext
	}
	return name
}

func normalizeMediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parsed))
}

func normalizeExtension(raw string) string {
	ext := strings.ToLower(strings.TrimSpace(raw))
	return strings.TrimPrefix(ext, ".")
}
