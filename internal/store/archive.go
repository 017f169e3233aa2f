package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// ArchiveStore keeps archived sessions in a keyed collection parallel to the
// snapshot log: one YAML document per archive id. Archives are immutable
// once written; deletion removes the file directly.
type ArchiveStore struct {
	dir string
}

// NewArchiveStore creates an archive store rooted at dir.
func NewArchiveStore(dir string) (*ArchiveStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &ArchiveStore{dir: dir}, nil
}

func (a *ArchiveStore) path(id string) string {
	return filepath.Join(a.dir, id+".yaml")
}

// Put writes the archive record. Ids are store-generated, so an existing
// file under the same id is a logic error and overwritten.
func (a *ArchiveStore) Put(arch chattypes.Archive) error {
	data, err := yaml.Marshal(arch)
	if err != nil {
		return fmt.Errorf("marshal archive %s: %w", arch.ID, err)
	}
	if err := os.WriteFile(a.path(arch.ID), data, 0600); err != nil {
		return fmt.Errorf("write archive %s: %w", arch.ID, err)
	}
	return nil
}

// Get returns the archive with the given id.
func (a *ArchiveStore) Get(id string) (chattypes.Archive, error) {
	data, err := os.ReadFile(a.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return chattypes.Archive{}, fmt.Errorf("archive %s: %w", id, ErrNotFound)
		}
		return chattypes.Archive{}, fmt.Errorf("read archive %s: %w", id, err)
	}
	var arch chattypes.Archive
	if err := yaml.Unmarshal(data, &arch); err != nil {
		return chattypes.Archive{}, fmt.Errorf("decode archive %s: %w", id, err)
	}
	return arch, nil
}

// List returns summaries of all stored archives, newest first.
func (a *ArchiveStore) List() ([]chattypes.ArchiveSummary, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	out := make([]chattypes.ArchiveSummary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		arch, err := a.Get(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			// A single damaged archive must not hide the rest.
			continue
		}
		out = append(out, arch.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ArchivedAt != out[j].ArchivedAt {
			return out[i].ArchivedAt > out[j].ArchivedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes the archive with the given id.
func (a *ArchiveStore) Delete(id string) error {
	if err := os.Remove(a.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("archive %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("delete archive %s: %w", id, err)
	}
	return nil
}
