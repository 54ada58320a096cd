package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// table is the on-disk layout of the port table.
type table struct {
	Ports map[string]int `json:"ports"`
}

// FileStore keeps the port table in a JSON file. Writes go to a temporary file
// that is renamed over the old one, so a crash never leaves a torn table.
type FileStore struct {
	path  string
	ports map[string]int
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, ports: make(map[string]int)}
}

func (s *FileStore) Load(ctx context.Context) (map[string]int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.ports = make(map[string]int)
			return map[string]int{}, nil
		}
		return nil, fmt.Errorf("reading port table: %w", err)
	}
	var t table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing port table: %w", err)
	}
	if t.Ports == nil {
		t.Ports = make(map[string]int)
	}
	s.ports = t.Ports
	out := make(map[string]int, len(t.Ports))
	for id, port := range t.Ports {
		out[id] = port
	}
	return out, nil
}

func (s *FileStore) Put(ctx context.Context, panelID string, port int) error {
	prev, had := s.ports[panelID]
	s.ports[panelID] = port
	if err := s.save(); err != nil {
		if had {
			s.ports[panelID] = prev
		} else {
			delete(s.ports, panelID)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, panelID string) error {
	prev, had := s.ports[panelID]
	if !had {
		return nil
	}
	delete(s.ports, panelID)
	if err := s.save(); err != nil {
		s.ports[panelID] = prev
		return err
	}
	return nil
}

func (s *FileStore) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(table{Ports: s.ports}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling port table: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ports-*.json")
	if err != nil {
		return fmt.Errorf("creating temp port table: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing port table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("syncing port table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing port table: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing port table: %w", err)
	}
	return nil
}
