package cloudhome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DiskHome is a filesystem-backed Home. It doubles as the reference
// implementation for a local-folder "consumer cloud" (an iCloud Drive or
// Dropbox folder mounted locally) and as the deterministic backend used by
// sync-core tests — the same role massifs/testcontext.go's in-memory stand-in
// plays for the teacher's storage tests, but realized against a real
// filesystem since bae-sync's CloudHome contract includes range reads and
// conditional writes that are easiest to exercise faithfully against actual
// files.
type DiskHome struct {
	mu   sync.Mutex
	root string
}

func NewDiskHome(root string) (*DiskHome, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("cloudhome: mkdir root: %w", err)
	}
	return &DiskHome{root: root}, nil
}

func (h *DiskHome) resolve(path string) string {
	return filepath.Join(h.root, FlattenHierarchical(path))
}

func (h *DiskHome) Write(_ context.Context, path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeLocked(path, data)
}

func (h *DiskHome) writeLocked(path string, data []byte) error {
	full := h.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("%w: mkdir: %v", ErrIO, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrIO, err)
	}
	return nil
}

func (h *DiskHome) WriteIfAbsent(_ context.Context, path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	full := h.resolve(path)
	if _, err := os.Stat(full); err == nil {
		return ErrConflict
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	return h.writeLocked(path, data)
}

func (h *DiskHome) Read(_ context.Context, path string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := os.ReadFile(h.resolve(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrIO, err)
	}
	return data, nil
}

func (h *DiskHome) ReadRange(_ context.Context, path string, start, end int64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := os.ReadFile(h.resolve(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrIO, err)
	}
	if start < 0 || end > int64(len(data)) || start > end {
		return nil, ErrRangeInvalid
	}
	out := make([]byte, end-start)
	copy(out, data[start:end])
	return out, nil
}

func (h *DiskHome) List(_ context.Context, prefix string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	flatPrefix := FlattenHierarchical(prefix)
	err := filepath.WalkDir(h.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(h.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".tmp") {
			return nil
		}
		if strings.HasPrefix(rel, flatPrefix) {
			out = append(out, UnflattenHierarchical(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrIO, err)
	}
	sort.Strings(out)
	return out, nil
}

func (h *DiskHome) Delete(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := os.Remove(h.resolve(path))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete: %v", ErrIO, err)
	}
	return nil
}

func (h *DiskHome) Exists(_ context.Context, path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := os.Stat(h.resolve(path))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	return true, nil
}

// GrantAccess on a local-folder backend models the iCloud/Dropbox folder
// share flow: the "join info" is just the absolute path a second device
// would mount. Real consumer-cloud backends (see azureblobbackend.go)
// return an OAuth-handle-shaped JoinInfo instead.
func (h *DiskHome) GrantAccess(_ context.Context, memberID string) (JoinInfo, error) {
	return JoinInfo{
		Backend: "disk",
		Fields: map[string]string{
			"member":    memberID,
			"localPath": h.root,
		},
	}, nil
}

func (h *DiskHome) RevokeAccess(_ context.Context, _ string) error {
	return nil
}
