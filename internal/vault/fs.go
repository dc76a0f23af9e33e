package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSVault stores records as files under a root directory. Move relies only on
// rename being atomic and failing when the source is already gone, which every
// POSIX filesystem and object-store conditional move can provide.
type FSVault struct {
	root string
}

func NewFSVault(root string) (*FSVault, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	return &FSVault{root: root}, nil
}

func (v *FSVault) abs(path string) string {
	return filepath.Join(v.root, filepath.FromSlash(path))
}

func (v *FSVault) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(v.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (v *FSVault) Write(_ context.Context, path string, data []byte) error {
	dst := v.abs(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func (v *FSVault) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(v.abs(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		// in-flight Write temp files are not records
		if strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (v *FSVault) Move(_ context.Context, src, dst string) error {
	to := v.abs(dst)
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	if err := os.Rename(v.abs(src), to); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (v *FSVault) Delete(_ context.Context, path string) error {
	if err := os.Remove(v.abs(path)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (v *FSVault) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(v.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var _ Vault = (*FSVault)(nil)
