package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalImageDir resolves enrollment image references from a directory on
// disk. Deployments that keep uploads next to the service use this instead
// of MinIO.
type LocalImageDir struct {
	dir string
}

func NewLocalImageDir(dir string) *LocalImageDir {
	return &LocalImageDir{dir: dir}
}

func (l *LocalImageDir) FetchImage(_ context.Context, ref string) ([]byte, error) {
	p := filepath.Join(l.dir, RefFilename(ref))
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", p, err)
	}
	return data, nil
}
