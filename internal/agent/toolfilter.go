package agent

import (
	"fmt"
	"slices"
	"strings"

	"novabot/internal/domain"
)

// ToolFilter is a tenant's enabled-tool set. With an allow list only the
// listed tools are enabled; the deny list always wins. A nil *ToolFilter
// enables everything.
type ToolFilter struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

func NewToolFilter(allowed, denied []string) *ToolFilter {
	return &ToolFilter{allow: nameSet(allowed), deny: nameSet(denied)}
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// IsAllowed reports whether the tenant may use name.
func (tf *ToolFilter) IsAllowed(name string) bool {
	if tf == nil {
		return true
	}
	if _, denied := tf.deny[name]; denied {
		return false
	}
	if len(tf.allow) == 0 {
		return true
	}
	_, ok := tf.allow[name]
	return ok
}

// IsEmpty reports whether the filter enables every tool.
func (tf *ToolFilter) IsEmpty() bool {
	return tf == nil || len(tf.allow)+len(tf.deny) == 0
}

// FilterDefinitions drops the definitions of disabled tools. defs is not
// modified.
func (tf *ToolFilter) FilterDefinitions(defs []domain.ToolDefinition) []domain.ToolDefinition {
	if tf.IsEmpty() {
		return defs
	}
	return slices.DeleteFunc(slices.Clone(defs), func(d domain.ToolDefinition) bool {
		return !tf.IsAllowed(d.Name)
	})
}

// Unknown lists configured names that known does not recognise, sorted.
func (tf *ToolFilter) Unknown(known func(name string) bool) []string {
	if tf == nil {
		return nil
	}
	var out []string
	for _, set := range []map[string]struct{}{tf.allow, tf.deny} {
		for n := range set {
			if !known(n) && !slices.Contains(out, n) {
				out = append(out, n)
			}
		}
	}
	slices.Sort(out)
	return out
}

func (tf *ToolFilter) String() string {
	if tf.IsEmpty() {
		return "all tools"
	}
	return fmt.Sprintf("allow=%d deny=%d", len(tf.allow), len(tf.deny))
}
