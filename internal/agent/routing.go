package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed routing.yaml
var defaultRouting []byte

// RoutingTable maps dashboard pages and message keywords to tool groups.
type RoutingTable struct {
	Core     []string             `yaml:"core"`
	Pages    map[string]PageRoute `yaml:"pages"`
	Keywords []KeywordRoute       `yaml:"keywords"`
}

type PageRoute struct {
	Context string   `yaml:"context"`
	Tools   []string `yaml:"tools"`
}

type KeywordRoute struct {
	Match []string `yaml:"match"`
	Tools []string `yaml:"tools"`
}

// DefaultRouting returns the built-in routing table.
func DefaultRouting() (*RoutingTable, error) {
	return ParseRouting(defaultRouting)
}

// LoadRouting reads a routing table from path, or the built-in one when path
// is empty.
func LoadRouting(path string) (*RoutingTable, error) {
	if path == "" {
		return DefaultRouting()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	return ParseRouting(data)
}

func ParseRouting(data []byte) (*RoutingTable, error) {
	var rt RoutingTable
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("parse routing: %w", err)
	}
	if len(rt.Core) == 0 {
		return nil, errors.New("routing: core tool list must not be empty")
	}
	for i := range rt.Keywords {
		for j, m := range rt.Keywords[i].Match {
			rt.Keywords[i].Match[j] = strings.ToLower(m)
		}
	}
	return &rt, nil
}

// Validate reports every tool name that is not known to the catalog.
func (rt *RoutingTable) Validate(known func(name string) bool) error {
	var errs []string
	check := func(where string, names []string) {
		for _, n := range names {
			if !known(n) {
				errs = append(errs, fmt.Sprintf("%s: unknown tool %q", where, n))
			}
		}
	}
	check("core", rt.Core)
	pages := make([]string, 0, len(rt.Pages))
	for p := range rt.Pages {
		pages = append(pages, p)
	}
	sort.Strings(pages)
	for _, p := range pages {
		check("page "+p, rt.Pages[p].Tools)
	}
	for i, k := range rt.Keywords {
		check(fmt.Sprintf("keyword group %d", i), k.Tools)
	}
	if len(errs) > 0 {
		return fmt.Errorf("routing validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// PageContext returns the prompt text for page, or "" when unknown.
func (rt *RoutingTable) PageContext(page string) string {
	return rt.Pages[page].Context
}
