package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MetadataFile is the name of the per-session metadata document.
const MetadataFile = "session.json"

const stagingPrefix = ".staging-"

var (
	// ErrNotFound is returned when a session directory or its metadata is missing.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned when metadata exists but cannot be parsed.
	ErrCorrupt = errors.New("session metadata corrupt")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("session already exists")
)

// Store is the persistence abstraction for session metadata.
// The managers only reach session files through a Store; callers of
// Registry do not need to know the directory layout.
type Store interface {
	// List returns the ids of every well-formed session directory.
	List() ([]string, error)
	// Read loads the metadata of id.
	Read(id string) (Session, error)
	// Create makes the session directory and metadata as one step.
	Create(s Session) error
	// Write replaces the metadata of an existing session.
	Write(s Session) error
	// Delete removes the session directory recursively. Missing is not an error.
	Delete(id string) error
	// Dir returns the directory holding id's files.
	Dir(id string) string
	// PruneStaging removes half-created directories older than before.
	PruneStaging(before time.Time) int
}

// DirStore keeps one directory per session under a root directory.
type DirStore struct {
	root string
}

// NewDirStore returns a DirStore rooted at root, creating root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the store's root directory.
func (d *DirStore) Root() string { return d.root }

// Dir implements Store.Dir.
func (d *DirStore) Dir(id string) string {
	return filepath.Join(d.root, id)
}

// List implements Store.List.
func (d *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Read implements Store.Read.
func (d *DirStore) Read(id string) (Session, error) {
	if !ValidID(id) {
		return Session{}, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(d.Dir(id), MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(d.Dir(id)); statErr == nil {
				return Session{}, fmt.Errorf("%w: metadata missing", ErrCorrupt)
			}
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.ID != id || s.SourceURL == "" {
		return Session{}, fmt.Errorf("%w: inconsistent metadata", ErrCorrupt)
	}
	return s, nil
}

// Create implements Store.Create. The directory and metadata are assembled in
// a staging directory and renamed into place, so a listed session always has
// metadata.
func (d *DirStore) Create(s Session) error {
	if !ValidID(s.ID) {
		return fmt.Errorf("create session: invalid id %q", s.ID)
	}
	final := d.Dir(s.ID)
	if _, err := os.Stat(final); err == nil {
		return ErrExists
	}
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("create session root: %w", err)
	}
	staging, err := os.MkdirTemp(d.root, stagingPrefix+s.ID+"-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, MetadataFile), data, 0o644); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		if _, statErr := os.Stat(final); statErr == nil {
			return ErrExists
		}
		return fmt.Errorf("publish session dir: %w", err)
	}
	return nil
}

// Write implements Store.Write.
func (d *DirStore) Write(s Session) error {
	if !ValidID(s.ID) {
		return ErrNotFound
	}
	if _, err := os.Stat(d.Dir(s.ID)); err != nil {
		return ErrNotFound
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(d.Dir(s.ID), MetadataFile), data)
}

// Delete implements Store.Delete.
func (d *DirStore) Delete(id string) error {
	if !ValidID(id) {
		return nil
	}
	if err := os.RemoveAll(d.Dir(id)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// PruneStaging implements Store.PruneStaging.
func (d *DirStore) PruneStaging(before time.Time) int {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(before) {
			continue
		}
		if os.RemoveAll(filepath.Join(d.root, e.Name())) == nil {
			n++
		}
	}
	return n
}
