// Package frame maps simulation cache filenames to logical frame numbers.
//
// Cache files are named by convention by the producing tool (point caches,
// OpenVDB volumes, Mantaflow grids, rendered images). The codec applies an
// ordered list of filename patterns, most specific first, and returns the
// first capture as the frame number. Files that match no pattern are still
// eligible for transfer; they just don't participate in frame accounting.
package frame

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Extensions is the allow-list of cache file extensions the pipeline
// recognizes. Everything else under the cache root is ignored.
var Extensions = map[string]bool{
	".bphys": true,
	".vdb":   true,
	".uni":   true,
	".gz":    true,
	".png":   true,
	".exr":   true,
	".abc":   true,
	".obj":   true,
	".ply":   true,
}

// patterns is ordered most specific to most generic. First match wins.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`_(\d{4,6})_\d+\.bphys$`), // point cache: prefix_FRAME_index.bphys
	regexp.MustCompile(`_(\d{4,6})\.bphys$`),     // point cache, no index
	regexp.MustCompile(`_(\d{4,6})\.vdb$`),       // OpenVDB fluid cache
	regexp.MustCompile(`data_(\d{4,6})\.vdb$`),   // Mantaflow grid
	regexp.MustCompile(`_(\d+)\.\w+$`),           // generic trailing digits
}

// contentTypes maps extensions to the Content-Type sent on presigned PUTs.
var contentTypes = map[string]string{
	".gz":  "application/gzip",
	".png": "image/png",
	".obj": "text/plain",
}

const defaultContentType = "application/octet-stream"

// Number extracts the frame number embedded in a cache filename.
// It returns (0, false) when no pattern matches.
func Number(path string) (int, bool) {
	name := filepath.Base(path)
	for _, p := range patterns {
		m := p.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			// Capture groups only match digits; a failed Atoi means the
			// number overflows int, which no real cache produces.
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Recognized reports whether the file extension is on the cache allow-list.
func Recognized(path string) bool {
	return Extensions[strings.ToLower(filepath.Ext(path))]
}

// ContentType returns the Content-Type to use when uploading the file
// through a presigned URL.
func ContentType(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return defaultContentType
}
