package llm

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/casewatch/constants"
)

// InlineImage returns a URL the model can read for img: http(s) and data URLs
// pass through, local files (plain paths or file:// URLs) become base64 data URLs.
func InlineImage(img Image) (string, error) {
	u := strings.TrimSpace(img.URL)
	switch {
	case u == "":
		return "", fmt.Errorf("image %q: empty url", img.Filename)
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "data:"):
		return u, nil
	}
	path := strings.TrimPrefix(u, "file://")

	// size gate
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("image %q: %w", img.Filename, err)
	}
	if st.IsDir() {
		return "", fmt.Errorf("image %q: %s is a directory", img.Filename, path)
	}
	if st.Size() > int64(constants.MaxInlineImageMB)*1024*1024 {
		return "", fmt.Errorf("image %q: %d bytes exceeds %d MB", img.Filename, st.Size(), constants.MaxInlineImageMB)
	}
	return readAsDataURL(path)
}

func readAsDataURL(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	ext := constants.NormalizeExt(filepath.Ext(path))
	mt, ok := constants.ImageMIMETypes[ext]
	if !ok {
		mt = mime.TypeByExtension("." + ext)
	}
	if mt == "" {
		mt = "application/octet-stream"
	}
	data := base64.StdEncoding.EncodeToString(b)
	return "data:" + mt + ";base64," + data, nil
}
