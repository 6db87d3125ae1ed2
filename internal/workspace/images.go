package workspace

import (
	"encoding/base64"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"github.com/nestoz/vibecheck-agent/internal/protocol"
)

// maxImageBytes guards against attaching huge files to a response frame.
const maxImageBytes = 5 * 1024 * 1024

var (
	absoluteImageRE = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])(/[^\s"'` + "`" + `]+\.(?i:png|jpe?g|gif|webp|bmp|svg))`)
	relativeImageRE = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])((?:[\w.-]+/)*[\w.-]+\.(?i:png|jpe?g|gif|webp|bmp|svg))`)
)

// ExtractImagePaths scans response text for image references: absolute
// image-extension paths, and workspace-relative filenames that exist on disk.
func ExtractImagePaths(text, workDir string) []string {
	var paths []string
	seen := make(map[string]bool)

	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, match := range absoluteImageRE.FindAllStringSubmatch(text, -1) {
		add(match[1])
	}

	for _, match := range relativeImageRE.FindAllStringSubmatch(text, -1) {
		candidate := filepath.Join(workDir, match[1])
		if _, err := os.Stat(candidate); err == nil {
			add(candidate)
		}
	}

	return paths
}

// EncodeImages reads up to max image files and base64-encodes them for the
// wire. Unreadable or oversized files are skipped.
func EncodeImages(paths []string, max int) []protocol.ImageData {
	var images []protocol.ImageData
	for _, path := range paths {
		if len(images) >= max {
			break
		}

		info, err := os.Stat(path)
		if err != nil || info.Size() > maxImageBytes {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("⚠️ Failed to read image %s: %v", path, err)
			continue
		}

		images = append(images, protocol.ImageData{
			Filename: filepath.Base(path),
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}
