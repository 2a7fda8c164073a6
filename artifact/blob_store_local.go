package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalBlobStore implements BlobStore on the local filesystem. It is
// meant for development and tests; blob ids are root-relative paths.
type LocalBlobStore struct {
	Root string

	// BaseURL prefixes returned blob URLs; defaults to file://<root>.
	BaseURL string
}

func (l *LocalBlobStore) Upload(ctx context.Context, data []byte, nameHint, folderHint string) (*BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := l.buildKey(nameHint, folderHint)
	dest := filepath.Join(l.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	return &BlobInfo{
		URL:    l.publicURL(key),
		BlobID: key,
		Size:   int64(len(data)),
	}, nil
}

func (l *LocalBlobStore) Delete(ctx context.Context, blobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if blobID == "" {
		return nil
	}

	err := os.Remove(filepath.Join(l.Root, filepath.FromSlash(blobID)))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List walks the root and returns every stored blob, optionally
// filtered by folder prefix.
func (l *LocalBlobStore) List(ctx context.Context, folderHint string) ([]BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(l.Root); errors.Is(err, os.ErrNotExist) {
		return []BlobInfo{}, nil
	} else if err != nil {
		return nil, err
	}

	items := make([]BlobInfo, 0)
	err := filepath.WalkDir(l.Root, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if folderHint != "" && !strings.HasPrefix(key, strings.Trim(folderHint, "/")+"/") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, BlobInfo{URL: l.publicURL(key), BlobID: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (l *LocalBlobStore) buildKey(nameHint, folderHint string) string {
	base := strings.TrimSuffix(strings.TrimSpace(nameHint), ".zip")
	base = strings.ReplaceAll(base, " ", "_")
	if base == "" {
		base = "bundle"
	}
	stamp := time.Now().UTC().Format("20060102_150405")
	name := fmt.Sprintf("%s_%s_%s.zip", base, stamp, uuid.NewString()[:8])
	if folderHint == "" {
		return name
	}
	return path.Join(strings.Trim(folderHint, "/"), name)
}

func (l *LocalBlobStore) publicURL(key string) string {
	if l.BaseURL != "" {
		return strings.TrimRight(l.BaseURL, "/") + "/" + key
	}
	return "file://" + filepath.ToSlash(filepath.Join(l.Root, key))
}
