package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSaver writes every dataset to <dir>/<key>.
type FileSaver struct {
	dir string
}

func NewFileSaver(dir string) (*FileSaver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output dir %s: %w", dir, err)
	}
	return &FileSaver{dir: dir}, nil
}

func (s *FileSaver) Path(key string) string {
	return filepath.Join(s.dir, key)
}

// Save writes to a temporary file first so a failed save never leaves a truncated dataset.
func (s *FileSaver) Save(ctx context.Context, value interface{}, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" || filepath.Base(key) != key {
		return fmt.Errorf("invalid dataset key %q", key)
	}
	out, err := Encode(value, key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".*")
	if err != nil {
		return fmt.Errorf("could not save %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("could not save %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not save %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(key)); err != nil {
		return fmt.Errorf("could not save %s: %w", key, err)
	}
	return nil
}
