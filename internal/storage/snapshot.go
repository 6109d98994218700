package storage

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradegrid/internal/model"
)

// FillSnapshot persists filled-order history per robot across restarts. The
// context manager saves it after every fill and reloads it on start.
type FillSnapshot struct {
	path string
}

// NewFillSnapshot returns a snapshot store backed by the given file.
func NewFillSnapshot(path string) *FillSnapshot {
	return &FillSnapshot{path: path}
}

// Save writes the full fill history atomically. The temp file rename keeps a
// crash mid-write from truncating the previous snapshot.
func (s *FillSnapshot) Save(fills map[string][]model.FilledInfo) error {
	if s == nil || s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot dir").With("dir", dir)
		}
	}
	tmp, err := os.CreateTemp(dir, "fills-*.gob")
	if err != nil {
		return errors.Wrap(err, "create snapshot temp file")
	}
	if err := gob.NewEncoder(tmp).Encode(fills); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "encode fill snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close snapshot temp file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "rename snapshot").With("path", s.path)
	}
	return nil
}

// Load reads the fill history. A missing or damaged file yields an empty
// history so a fresh platform can start over it.
func (s *FillSnapshot) Load() map[string][]model.FilledInfo {
	fills := make(map[string][]model.FilledInfo)
	if s == nil || s.path == "" {
		return fills
	}
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logs.Warnf("open fill snapshot %s: %v", s.path, err)
		}
		return fills
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&fills); err != nil {
		logs.Warnf("fill snapshot %s is empty or damaged: %v", s.path, err)
		return make(map[string][]model.FilledInfo)
	}
	return fills
}
