package constants

import "strings"

// ImageMIMETypes maps the image extensions we inline into model requests.
var ImageMIMETypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"gif":  "image/gif",
}

// AllowedExtensions holds the file extensions picked up by the drop-directory watcher.
var AllowedExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"webp": {},
}

// MaxInlineImageMB caps the size of a local image embedded as a data URL.
const MaxInlineImageMB = 20

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsImageExt reports whether ext names an image we can send to the model.
func IsImageExt(ext string) bool {
	_, ok := ImageMIMETypes[NormalizeExt(ext)]
	return ok
}
