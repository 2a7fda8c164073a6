package artifact

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Packager serializes a path→content mapping into a zip archive.
// Entries are written in sorted path order so identical inputs produce
// identical archives.
type Packager struct{}

// Pack writes every entry of files rooted under rootName. It fails
// with ErrPackaging on an empty file map or a writer failure.
func (Packager) Pack(files map[string][]byte, rootName string) ([]byte, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: empty file map", ErrPackaging)
	}

	rootName = strings.Trim(strings.TrimSpace(rootName), "/")
	if rootName == "" {
		rootName = "bundle"
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		entry := path.Join(rootName, strings.TrimLeft(path.Clean(name), "/"))
		f, err := w.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: create entry %s: %v", ErrPackaging, entry, err)
		}
		if _, err := f.Write(files[name]); err != nil {
			return nil, fmt.Errorf("%w: write entry %s: %v", ErrPackaging, entry, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: finalize archive: %v", ErrPackaging, err)
	}
	return buf.Bytes(), nil
}

// stackTagsByMarker maps well-known manifest files to tech-stack tags.
// Detection is shallow: file names only, never content.
var stackTagsByMarker = map[string]string{
	"package.json":     "node",
	"requirements.txt": "python",
	"go.mod":           "go",
	"pom.xml":          "java",
	"cargo.toml":       "rust",
	"gemfile":          "ruby",
}

// StackTags infers tech-stack tags from the file map.
func StackTags(files map[string][]byte) []string {
	seen := map[string]bool{}
	tags := make([]string, 0, 2)
	for name := range files {
		marker := strings.ToLower(path.Base(name))
		if tag, ok := stackTagsByMarker[marker]; ok && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}
