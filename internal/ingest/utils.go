package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/casewatch/constants"
)

// AllowedExt checks if a file extension is in the allowed image set.
func AllowedExt(ext string) bool {
	ext = constants.NormalizeExt(ext)
	_, ok := constants.AllowedExtensions[ext]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}

// caseIDFor derives a stable case id from the file hash so re-dropping the
// same photo does not open a second case.
func caseIDFor(hashHex string) string {
	return "fs-" + hashHex[:16]
}
