package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"relaybot/internal/broadcast"
	"relaybot/pkg/logx"
)

// fileStore keeps the whole state in one JSON snapshot.
//
// Every Save writes to <path>.tmp and renames it into place, so the visible
// file is always either the previous or the new complete snapshot — never a
// partial one. Crash-during-write is the primary corruption hazard here and
// the rename makes it a non-event.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
}

func openFile(cfg Config, log logx.Logger) (broadcast.StateStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Save(ctx context.Context, st broadcast.State) error {
	_ = ctx
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) Load(ctx context.Context) (broadcast.State, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return broadcast.State{}, false, nil
		}
		return broadcast.State{}, false, err
	}

	// Tolerant decode: unknown future fields are ignored, not rejected.
	var st broadcast.State
	if err := json.Unmarshal(b, &st); err != nil {
		return broadcast.State{}, false, fmt.Errorf("decode state snapshot: %w", err)
	}
	return st, true, nil
}

func (s *fileStore) Close() error { return nil }
