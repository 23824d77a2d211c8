package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"novabot/internal/domain"
)

// FailoverProvider answers with the first configured provider in its chain
// that succeeds.
type FailoverProvider struct {
	chain []domain.Provider
	name  string
	log   *slog.Logger
}

func NewFailoverProvider(chain []domain.Provider, log *slog.Logger) *FailoverProvider {
	if log == nil {
		log = slog.Default()
	}
	names := make([]string, 0, len(chain))
	for _, p := range chain {
		names = append(names, p.Name())
	}
	return &FailoverProvider{
		chain: chain,
		name:  fmt.Sprintf("failover(%s)", strings.Join(names, "→")),
		log:   log,
	}
}

func (f *FailoverProvider) Name() string { return f.name }

// Configured is true when at least one link has credentials.
func (f *FailoverProvider) Configured() bool {
	return f.first() != nil
}

func (f *FailoverProvider) first() domain.Provider {
	for _, p := range f.chain {
		if p.Configured() {
			return p
		}
	}
	return nil
}

// Chat walks the chain and returns the first success. Every failure is kept
// and joined into the final error. Cancellation ends the walk at once.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if f.first() == nil {
		return nil, ErrMissingCredentials
	}

	var failures []error
	for _, p := range f.chain {
		if !p.Configured() {
			continue
		}
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if len(failures) > 0 {
				f.log.Info("provider fallback answered", "provider", p.Name(), "failed_before", len(failures))
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.log.Warn("provider failed", "provider", p.Name(), "error", err)
		failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("%s: every provider failed: %w", f.name, errors.Join(failures...))
}
