package agent

import (
	"strings"

	"novabot/internal/domain"
)

// Catalog is the part of the tool registry the selector needs.
type Catalog interface {
	Has(name string) bool
	Definitions(names ...string) []domain.ToolDefinition
}

// Selector picks the subset of the catalog offered to the model for a turn.
type Selector struct {
	routes  *RoutingTable
	catalog Catalog
}

func NewSelector(routes *RoutingTable, catalog Catalog) *Selector {
	return &Selector{routes: routes, catalog: catalog}
}

// Select returns core tools, then the page's tools, then tools of every
// keyword group matched in message. Core tools ignore enabled; the rest must
// pass it. Names are unique and unknown names are skipped.
func (s *Selector) Select(page, message string, enabled *ToolFilter) []domain.ToolDefinition {
	names := s.SelectNames(page, message, enabled)
	if len(names) == 0 {
		// Definitions with no names means the whole catalog.
		return nil
	}
	return s.catalog.Definitions(names...)
}

func (s *Selector) SelectNames(page, message string, enabled *ToolFilter) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string, gated bool) {
		if seen[n] || !s.catalog.Has(n) {
			return
		}
		if gated && !enabled.IsAllowed(n) {
			return
		}
		seen[n] = true
		names = append(names, n)
	}

	for _, n := range s.routes.Core {
		add(n, false)
	}
	if route, ok := s.routes.Pages[page]; ok {
		for _, n := range route.Tools {
			add(n, true)
		}
	}
	msg := strings.ToLower(message)
	for _, kw := range s.routes.Keywords {
		if !matchesAny(msg, kw.Match) {
			continue
		}
		for _, n := range kw.Tools {
			add(n, true)
		}
	}
	return names
}

// IsCore reports whether name is in the always-offered core group.
func (s *Selector) IsCore(name string) bool {
	for _, n := range s.routes.Core {
		if n == name {
			return true
		}
	}
	return false
}

// PageContext returns the prompt text registered for page.
func (s *Selector) PageContext(page string) string {
	return s.routes.PageContext(page)
}

func matchesAny(msg string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(msg, w) {
			return true
		}
	}
	return false
}
