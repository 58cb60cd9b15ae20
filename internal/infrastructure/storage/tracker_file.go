package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/vitos/crypto_trade_exec/internal/domain"
	"go.uber.org/zap"
)

// FileTrackerStore persists the per-symbol trade state as a single JSON
// document, full-dump on every save. The dump runs on a background writer
// so Save never blocks a caller mid-transition; saves coalesce and the
// last write wins, which is safe because the in-memory map is always the
// most current value.
type FileTrackerStore struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	data map[string]*domain.TrackerEntry

	saveCh chan struct{}
}

func NewFileTrackerStore(path string, logger *zap.Logger) (*FileTrackerStore, error) {
	s := &FileTrackerStore{
		path:   path,
		logger: logger,
		data:   make(map[string]*domain.TrackerEntry),
		saveCh: make(chan struct{}, 1),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	go s.writeLoop()
	return s, nil
}

func (s *FileTrackerStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tracker file: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("failed to parse tracker file %s: %w", s.path, err)
	}
	return nil
}

func (s *FileTrackerStore) Get(symbol string) *domain.TrackerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[symbol]
	if !ok {
		return nil
	}
	// Copy so callers cannot mutate tracked state without going through
	// Set/Update.
	cp := *e
	return &cp
}

func (s *FileTrackerStore) Set(symbol string, entry *domain.TrackerEntry) {
	cp := *entry
	s.mu.Lock()
	s.data[symbol] = &cp
	s.mu.Unlock()
}

func (s *FileTrackerStore) Update(symbol string, mutate func(*domain.TrackerEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[symbol]
	if !ok {
		return false
	}
	mutate(e)
	return true
}

func (s *FileTrackerStore) Delete(symbol string) {
	s.mu.Lock()
	delete(s.data, symbol)
	s.mu.Unlock()
}

func (s *FileTrackerStore) Exists(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[symbol]
	return ok
}

func (s *FileTrackerStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.data))
	for sym := range s.data {
		out = append(out, sym)
	}
	return out
}

// Save queues a full dump. Multiple saves in quick succession collapse
// into one write.
func (s *FileTrackerStore) Save() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// Flush writes synchronously. Shutdown only.
func (s *FileTrackerStore) Flush() error {
	return s.write()
}

func (s *FileTrackerStore) writeLoop() {
	for range s.saveCh {
		if err := s.write(); err != nil {
			s.logger.Error("Failed to save tracker", zap.Error(err))
		}
	}
}

func (s *FileTrackerStore) write() error {
	s.mu.RLock()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal tracker: %w", err)
	}

	// Write-then-rename so a crash mid-write cannot corrupt the dump.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write tracker file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
