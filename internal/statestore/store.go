// Package statestore persists the engine state as a single JSON
// snapshot, written atomically via temp-then-rename. The snapshot is
// checksummed; a corrupt or inconsistent file aborts startup rather
// than trading on a broken ledger.
package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/models"
	"github.com/rsinha/tradeloop/internal/portfolio"
)

// Version of the snapshot schema.
const Version = 1

// State is the durable snapshot. All monetary fields inside are paise
// integers by way of models.Money.
type State struct {
	Version    int                `json:"version"`
	AsOf       time.Time          `json:"as_of"`
	Portfolio  portfolio.Snapshot `json:"portfolio"`
	OpenOrders []models.Order     `json:"open_orders,omitempty"`
	Checksum   string             `json:"checksum,omitempty"`
}

// Store reads and writes the snapshot file.
type Store struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

// New creates a store writing to path. Parent directories are created
// on first save.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "statestore").Logger(),
	}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Exists reports whether a snapshot file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save writes the state atomically. The checksum is computed over the
// serialized state with an empty checksum field.
func (s *Store) Save(snap portfolio.Snapshot, openOrders []models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		Version:    Version,
		AsOf:       time.Now(),
		Portfolio:  snap,
		OpenOrders: openOrders,
	}
	sum, err := checksum(state)
	if err != nil {
		return err
	}
	state.Checksum = sum

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}

	s.logger.Debug().
		Str("path", s.path).
		Int("positions", len(snap.Positions)).
		Int("open_orders", len(openOrders)).
		Msg("state persisted")
	return nil
}

// Load reads and verifies the snapshot. A checksum mismatch or an
// unsupported version is a state-integrity error; the caller must not
// start trading on it.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path) // #nosec G304 -- path comes from config
	if err != nil {
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, models.WrapErr(models.KindStateIntegrity, err, "state file unparseable")
	}
	if state.Version != Version {
		return State{}, models.Errf(models.KindStateIntegrity, "unsupported state version %d", state.Version)
	}

	want := state.Checksum
	state.Checksum = ""
	got, err := checksum(state)
	if err != nil {
		return State{}, err
	}
	if want == "" || got != want {
		return State{}, models.Errf(models.KindStateIntegrity, "state checksum mismatch (file %s)", s.path)
	}
	state.Checksum = want

	s.logger.Info().
		Str("path", s.path).
		Time("as_of", state.AsOf).
		Int("positions", len(state.Portfolio.Positions)).
		Int("open_orders", len(state.OpenOrders)).
		Msg("state loaded")
	return state, nil
}

// Reset removes the snapshot file. Used by paper_reset_on_start.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	s.logger.Info().Str("path", s.path).Msg("state reset")
	return nil
}

func checksum(state State) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
