// Package store persists per-trade runtime state across restarts.
//
// The state file is scoped to one trading day: a restart on the same day
// resumes the in-flight trades; a file from a previous day is discarded so
// stale order ids never leak into a new session.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"saxo-fx-bot/pkg/types"
)

type fileState struct {
	Date   string                  `json:"date"` // YYYY-MM-DD in the engine's location
	Trades map[string]*types.Trade `json:"trades"`
}

// Store writes the day's trade state to a single JSON file. Writes go
// through a temp file and rename, so a crash mid-write leaves the previous
// snapshot intact.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With("component", "store"),
	}
}

// Save snapshots every trade's runtime state under the given date.
func (s *Store) Save(date string, trades []*types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := fileState{
		Date:   date,
		Trades: make(map[string]*types.Trade, len(trades)),
	}
	for _, t := range trades {
		state.Trades[strconv.Itoa(t.ID)] = t
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Load reads the saved state for the given date. A missing file, a file from
// another day, or a corrupt file all return an empty map; the previous-day
// and corrupt cases remove the file.
func (s *Store) Load(date string) (map[int]*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[int]*types.Trade{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("state file corrupt, discarding", "error", err)
		os.Remove(s.path)
		return map[int]*types.Trade{}, nil
	}
	if state.Date != date {
		s.logger.Info("state file from another day, discarding", "file_date", state.Date, "today", date)
		os.Remove(s.path)
		return map[int]*types.Trade{}, nil
	}

	trades := make(map[int]*types.Trade, len(state.Trades))
	for key, t := range state.Trades {
		id, err := strconv.Atoi(key)
		if err != nil {
			s.logger.Warn("skipping state entry with bad id", "key", key)
			continue
		}
		t.ID = id
		trades[id] = t
	}
	s.logger.Info("state restored", "date", date, "trades", len(trades))
	return trades, nil
}

// Delete removes the state file once the trading day is fully settled.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
