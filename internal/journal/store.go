package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("journal entry not found")

// Entry records one submitted transaction and, once known, how it ended.
type Entry struct {
	ID        string    `json:"id"`
	ChainID   uint64    `json:"chain_id"`
	TxHash    string    `json:"tx_hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	MaxPrice  string    `json:"max_price"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a JSON file journal. Every write rewrites the file through a
// temporary file and rename.
type Store struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

type state struct {
	Entries []Entry `json:"entries"`
}

func New(path string) *Store {
	return &Store{path: path, entries: map[string]Entry{}, now: time.Now}
}

// Open creates a store and loads any existing file at path.
func Open(path string) (*Store, error) {
	s := New(path)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("journal %s: %w", s.path, err)
	}
	s.entries = make(map[string]Entry, len(st.Entries))
	for _, e := range st.Entries {
		s.entries[e.ID] = e
	}
	return nil
}

// Record stores a new entry, assigning ID and timestamps.
func (s *Store) Record(e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	e.ID = uuid.NewString()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.entries[e.ID] = e
	if err := s.saveLocked(); err != nil {
		delete(s.entries, e.ID)
		return Entry{}, err
	}
	return e, nil
}

// SetOutcome updates every entry for (chainID, txHash).
func (s *Store) SetOutcome(chainID uint64, txHash string, outcome string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, e := range s.entries {
		if e.ChainID != chainID || e.TxHash != txHash {
			continue
		}
		found = true
		e.Outcome = outcome
		e.Error = ""
		if cause != nil {
			e.Error = cause.Error()
		}
		e.UpdatedAt = s.now().UTC()
		s.entries[id] = e
	}
	if !found {
		return ErrNotFound
	}
	return s.saveLocked()
}

// List returns entries newest first, optionally filtered by chain id
// (0 means all chains).
func (s *Store) List(chainID uint64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if chainID != 0 && e.ChainID != chainID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	st := state{Entries: make([]Entry, 0, len(s.entries))}
	for _, e := range s.entries {
		st.Entries = append(st.Entries, e)
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].ID < st.Entries[j].ID })
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("journal rename: %w", err)
	}
	return nil
}
