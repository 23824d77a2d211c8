// Package upload holds user-uploaded files in memory for a short time so a
// later conversation turn can hand them to a tool by id.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	DefaultMaxSize       = 10 * 1024 * 1024
	DefaultMaxEntries    = 100
	DefaultTTL           = 15 * time.Minute
	DefaultSweepInterval = time.Minute
)

var (
	ErrTooLarge        = errors.New("file exceeds maximum upload size")
	ErrTypeNotAllowed  = errors.New("file type not allowed")
	ErrContentMismatch = errors.New("file content does not match declared type")
)

// DefaultAllowedTypes lists the mimetypes accepted by Check when no list is configured.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"application/xml",
	"text/xml",
	"image/png",
	"image/jpeg",
	"image/webp",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-excel",
}

// Entry is one stored upload. Data must not be modified by callers.
type Entry struct {
	ID        string
	Data      []byte
	Name      string
	MimeType  string
	Size      int
	OwnerID   string
	CreatedAt time.Time

	seq uint64
}

type Config struct {
	MaxSize       int
	MaxEntries    int
	TTL           time.Duration
	SweepInterval time.Duration
	AllowedTypes  []string
	Logger        *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is a capacity- and time-bounded map of uploads keyed by id.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seq     uint64

	maxSize       int
	maxEntries    int
	ttl           time.Duration
	sweepInterval time.Duration
	allowed       map[string]bool
	logger        *slog.Logger
	now           func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewStore(cfg Config) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultAllowedTypes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[t] = true
	}
	return &Store{
		entries:       make(map[string]*Entry),
		maxSize:       cfg.MaxSize,
		maxEntries:    cfg.MaxEntries,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		allowed:       allowed,
		logger:        cfg.Logger,
		now:           cfg.Now,
		stop:          make(chan struct{}),
	}
}

// MaxSize returns the configured per-upload byte limit.
func (s *Store) MaxSize() int { return s.maxSize }

// Check sniffs data and verifies it against the allow-list. When declared
// is set it must be allowed and agree with the sniffed content. It returns
// the mimetype to store.
func (s *Store) Check(data []byte, declared string) (string, error) {
	mt := mimetype.Detect(data)
	detected := ""
	for m := mt; m != nil; m = m.Parent() {
		if t := baseType(m.String()); s.allowed[t] {
			detected = t
			break
		}
	}

	if declared == "" {
		if detected == "" {
			return "", fmt.Errorf("%w: %s", ErrTypeNotAllowed, mt.String())
		}
		return detected, nil
	}

	want := baseType(declared)
	if !s.allowed[want] {
		return "", fmt.Errorf("%w: %s", ErrTypeNotAllowed, declared)
	}
	if detected == want {
		return want, nil
	}
	// XML has no magic bytes beyond an optional declaration.
	if isXMLType(want) && (isXMLType(detected) || mt.Is("text/plain")) {
		return want, nil
	}
	return "", fmt.Errorf("%w: declared %s, detected %s", ErrContentMismatch, declared, mt.String())
}

// Put stores data and returns its id. Expired entries are swept first; at
// capacity the oldest tenth of the entries is evicted.
func (s *Store) Put(data []byte, name, mimeType, ownerID string) (string, error) {
	if len(data) > s.maxSize {
		return "", ErrTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	if len(s.entries) >= s.maxEntries {
		s.evictLocked()
	}

	id := uuid.NewString()
	s.seq++
	s.entries[id] = &Entry{
		ID:        id,
		Data:      data,
		Name:      name,
		MimeType:  mimeType,
		Size:      len(data),
		OwnerID:   ownerID,
		CreatedAt: now,
		seq:       s.seq,
	}
	s.logger.Debug("upload stored", "id", id, "name", name, "size", len(data))
	return id, nil
}

// Get returns the entry when it exists, is not expired and belongs to
// ownerID. An expired entry is deleted on access.
func (s *Store) Get(id, ownerID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if s.now().Sub(e.CreatedAt) > s.ttl {
		delete(s.entries, id)
		return nil, false
	}
	if e.OwnerID != ownerID {
		return nil, false
	}
	return e, true
}

// Remove deletes id regardless of owner.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Active counts entries that have not expired yet, swept or not.
func (s *Store) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, e := range s.entries {
		if now.Sub(e.CreatedAt) <= s.ttl {
			n++
		}
	}
	return n
}

// Sweep removes expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *Store) sweepLocked(now time.Time) int {
	n := 0
	for id, e := range s.entries {
		if now.Sub(e.CreatedAt) > s.ttl {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

func (s *Store) evictLocked() {
	batch := s.maxEntries / 10
	if batch < 1 {
		batch = 1
	}
	all := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].seq < all[j].seq
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if batch > len(all) {
		batch = len(all)
	}
	for _, e := range all[:batch] {
		delete(s.entries, e.ID)
	}
	s.logger.Info("upload store at capacity, evicted oldest entries", "evicted", batch)
}

// Start runs the periodic sweep until ctx is cancelled or Close is called.
func (s *Store) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("expired uploads swept", "count", n)
				}
			}
		}
	}()
}

// Close stops the sweep goroutine started by Start. Safe to call without
// Start and more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func baseType(m string) string {
	t, _, _ := strings.Cut(m, ";")
	return strings.TrimSpace(t)
}

func isXMLType(m string) bool {
	m = baseType(m)
	return m == "application/xml" || m == "text/xml"
}
