package upload

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(cfg Config) (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Logger = testLogger()
	cfg.Now = clock.Now
	return NewStore(cfg), clock
}

func TestPutGet_RoundTrip(t *testing.T) {
	s, _ := newTestStore(Config{})
	data := []byte("hello")

	id, err := s.Put(data, "a.pdf", "application/pdf", "u1")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	e, ok := s.Get(id, "u1")
	if !ok {
		t.Fatal("expected entry")
	}
	if !bytes.Equal(e.Data, data) || e.Name != "a.pdf" || e.MimeType != "application/pdf" || e.Size != 5 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestGet_OtherOwnerNotFound(t *testing.T) {
	s, _ := newTestStore(Config{})
	id, _ := s.Put([]byte("x"), "a", "application/pdf", "u1")
	if _, ok := s.Get(id, "u2"); ok {
		t.Fatal("expected not-found for other owner")
	}
	if _, ok := s.Get(id, "u1"); !ok {
		t.Fatal("owner lookup must still succeed")
	}
}

func TestRemove_ThenNotFound(t *testing.T) {
	s, _ := newTestStore(Config{})
	id, _ := s.Put([]byte("x"), "a", "application/pdf", "u1")
	s.Remove(id)
	if _, ok := s.Get(id, "u1"); ok {
		t.Fatal("expected not-found after remove")
	}
	s.Remove("missing")
}

func TestPut_TooLarge(t *testing.T) {
	s, _ := newTestStore(Config{MaxSize: 4})
	_, err := s.Put([]byte("12345"), "a", "application/pdf", "u1")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected nothing stored, got %d", s.Len())
	}
}

func TestGet_ExpiredIsDeleted(t *testing.T) {
	s, clock := newTestStore(Config{TTL: time.Minute})
	id, _ := s.Put([]byte("x"), "a", "application/pdf", "u1")

	clock.Advance(61 * time.Second)
	if _, ok := s.Get(id, "u1"); ok {
		t.Fatal("expected expired entry to be not-found")
	}
	if s.Len() != 0 {
		t.Fatalf("expected expired entry removed on access, got %d", s.Len())
	}
}

func TestPut_EvictsOldestBatch(t *testing.T) {
	s, clock := newTestStore(Config{MaxEntries: 20})
	var ids []string
	for i := 0; i < 20; i++ {
		id, err := s.Put([]byte{byte(i)}, "f", "application/pdf", "u1")
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	if _, err := s.Put([]byte("new"), "f", "application/pdf", "u1"); err != nil {
		t.Fatalf("put at capacity: %v", err)
	}
	if s.Len() != 19 {
		t.Fatalf("expected 20 - 2 + 1 = 19 entries, got %d", s.Len())
	}
	for _, id := range ids[:2] {
		if _, ok := s.Get(id, "u1"); ok {
			t.Fatalf("expected oldest entry %s evicted", id)
		}
	}
	if _, ok := s.Get(ids[2], "u1"); !ok {
		t.Fatal("third oldest entry should survive")
	}
}

func TestPut_EvictsAtLeastOne(t *testing.T) {
	s, _ := newTestStore(Config{MaxEntries: 3})
	first, _ := s.Put([]byte("1"), "f", "application/pdf", "u1")
	s.Put([]byte("2"), "f", "application/pdf", "u1")
	s.Put([]byte("3"), "f", "application/pdf", "u1")
	s.Put([]byte("4"), "f", "application/pdf", "u1")

	if s.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", s.Len())
	}
	if _, ok := s.Get(first, "u1"); ok {
		t.Fatal("expected first entry evicted")
	}
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	s, clock := newTestStore(Config{TTL: time.Minute})
	s.Put([]byte("old"), "f", "application/pdf", "u1")
	clock.Advance(45 * time.Second)
	fresh, _ := s.Put([]byte("new"), "f", "application/pdf", "u1")
	clock.Advance(30 * time.Second)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, ok := s.Get(fresh, "u1"); !ok {
		t.Fatal("fresh entry should survive sweep")
	}
}

func TestStartClose_Idempotent(t *testing.T) {
	s, _ := newTestStore(Config{SweepInterval: time.Millisecond})
	s.Start(context.Background())
	s.Close()
	s.Close()
}

func TestStart_StopsOnContext(t *testing.T) {
	s, _ := newTestStore(Config{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Close()
}

func TestCheck_DetectsPNG(t *testing.T) {
	s, _ := newTestStore(Config{})
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

	got, err := s.Check(png, "image/png")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got != "image/png" {
		t.Fatalf("expected image/png, got %s", got)
	}
}

func TestCheck_PDF(t *testing.T) {
	s, _ := newTestStore(Config{})
	pdf := []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")
	if got, err := s.Check(pdf, ""); err != nil || got != "application/pdf" {
		t.Fatalf("expected application/pdf, got %q, %v", got, err)
	}
}

func TestCheck_DeclaredMismatch(t *testing.T) {
	s, _ := newTestStore(Config{})
	pdf := []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	_, err := s.Check(pdf, "image/png")
	if !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("expected ErrContentMismatch, got %v", err)
	}
}

func TestCheck_DeclaredNotAllowed(t *testing.T) {
	s, _ := newTestStore(Config{})
	_, err := s.Check([]byte("#!/bin/sh\necho hi\n"), "application/x-sh")
	if !errors.Is(err, ErrTypeNotAllowed) {
		t.Fatalf("expected ErrTypeNotAllowed, got %v", err)
	}
}

func TestCheck_XMLWithoutDeclaration(t *testing.T) {
	s, _ := newTestStore(Config{})
	xml := []byte(`<?xml version="1.0" encoding="UTF-8"?><cfdi:Comprobante Total="100"/>`)
	got, err := s.Check(xml, "application/xml")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got != "application/xml" {
		t.Fatalf("expected declared xml type kept, got %s", got)
	}
}

func TestActive_IgnoresExpiredBeforeSweep(t *testing.T) {
	s, clock := newTestStore(Config{TTL: time.Minute})
	s.Put([]byte("a"), "a", "application/pdf", "u1")
	clock.Advance(45 * time.Second)
	s.Put([]byte("b"), "b", "application/pdf", "u1")

	clock.Advance(30 * time.Second)
	if got := s.Active(); got != 1 {
		t.Fatalf("expected 1 active upload, got %d", got)
	}
	if s.Len() != 2 {
		t.Fatalf("expected Active not to sweep, got %d entries", s.Len())
	}
}
