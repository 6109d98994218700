package storage

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradegrid/internal/model"
)

// LedgerSnapshot persists the order manager's sent-order ledger across
// restarts, keyed by gateway name. After a crash the reloaded entries are
// cancelled so no order survives unsupervised.
type LedgerSnapshot struct {
	path string
}

// NewLedgerSnapshot returns a snapshot store backed by the given file.
func NewLedgerSnapshot(path string) *LedgerSnapshot {
	return &LedgerSnapshot{path: path}
}

// Save writes the ledger atomically.
func (s *LedgerSnapshot) Save(sent map[string][]model.OrderContainer) error {
	if s == nil || s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create ledger dir").With("dir", dir)
		}
	}
	tmp, err := os.CreateTemp(dir, "ledger-*.gob")
	if err != nil {
		return errors.Wrap(err, "create ledger temp file")
	}
	if err := gob.NewEncoder(tmp).Encode(sent); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "encode ledger snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close ledger temp file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "rename ledger snapshot").With("path", s.path)
	}
	return nil
}

// Load reads the ledger and removes the file so entries are cancelled at
// most once. Missing or damaged files yield an empty ledger.
func (s *LedgerSnapshot) Load() map[string][]model.OrderContainer {
	sent := make(map[string][]model.OrderContainer)
	if s == nil || s.path == "" {
		return sent
	}
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logs.Warnf("open ledger snapshot %s: %v", s.path, err)
		}
		return sent
	}
	if err := gob.NewDecoder(f).Decode(&sent); err != nil {
		logs.Warnf("ledger snapshot %s is empty or damaged: %v", s.path, err)
		sent = make(map[string][]model.OrderContainer)
	}
	f.Close()
	if err := os.Remove(s.path); err != nil {
		logs.Warnf("remove consumed ledger snapshot %s: %v", s.path, err)
	}
	return sent
}
