package alice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
)

// Persistence stores container snapshots across supervisor restarts.
// The factory's Load rebuilds a Container from what Save recorded.
type Persistence interface {
	Save(id string, s *Snapshot) error
	Load(id string) (*Snapshot, error)
	Remove(id string) error
}

// SecretProvider resolves secret material for a mount target. The
// rootfs builder mounts the returned bytes as tmpfs-backed files.
type SecretProvider interface {
	Secret(containerID, mountTarget string) ([]byte, error)
}

// filePersistence is the default hook: state.json in the container's
// state directory.
type filePersistence struct {
	root string
}

// NewFilePersistence stores snapshots under root/<id>/state.json.
func NewFilePersistence(root string) Persistence {
	return &filePersistence{root: root}
}

func (p *filePersistence) path(id string) string {
	return filepath.Join(p.root, id, stateFilename)
}

func (p *filePersistence) Save(id string, s *Snapshot) error {
	dir := filepath.Dir(p.path(id))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.Create(p.path(id))
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(s)
}

func (p *filePersistence) Load(id string) (*Snapshot, error) {
	f, err := os.Open(p.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()
	var s Snapshot
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", id, err)
	}
	return &s, nil
}

func (p *filePersistence) Remove(id string) error {
	if err := os.RemoveAll(filepath.Dir(p.path(id))); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
