package constants

import "strings"

// AllowedExtensions holds the file extensions accepted at the upload boundary.
// The pipeline is PDF-first; single-image uploads are wrapped as one-page docs.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"tiff": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
