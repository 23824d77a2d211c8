package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"novabot/internal/domain"
)

// maxCallCandidates bounds how many JSON values in one completion are tried.
const maxCallCandidates = 16

// textCall is the shape models use when they write a tool call as JSON text.
type textCall struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Parameters map[string]any `json:"parameters"`
}

// extractToolCallsFromContent recovers tool calls that a model wrote into its
// text instead of the structured tool_calls field: a bare object or array,
// possibly fenced or surrounded by prose. Only calls naming a tool in offered
// are returned, so a JSON answer is never mistaken for a call.
func extractToolCallsFromContent(content string, offered map[string]bool) []domain.ToolCall {
	found := scanToolCalls(content)
	if len(found) == 0 && strings.Contains(content, `\`) {
		found = scanToolCalls(sanitizeJSONEscapes(content))
	}

	var out []domain.ToolCall
	for _, c := range found {
		name := normalizeToolName(c.Name)
		if !offered[name] {
			continue
		}
		out = append(out, domain.ToolCall{
			ID:        "text_" + uuid.NewString(),
			Name:      name,
			Arguments: coalesce(c.Arguments, c.Parameters),
		})
	}
	return out
}

// scanToolCalls decodes JSON values starting at each '{' or '[' in text and
// returns the named calls of the first value that has any.
func scanToolCalls(text string) []textCall {
	tried := 0
	for i := 0; i < len(text) && tried < maxCallCandidates; i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		tried++
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raw); err != nil {
			continue
		}
		if calls := decodeCalls(raw); len(calls) > 0 {
			return calls
		}
		i += len(raw) - 1
	}
	return nil
}

func decodeCalls(raw json.RawMessage) []textCall {
	var calls []textCall
	if raw[0] == '[' {
		if json.Unmarshal(raw, &calls) != nil {
			return nil
		}
	} else {
		var one textCall
		if json.Unmarshal(raw, &one) != nil {
			return nil
		}
		calls = []textCall{one}
	}
	named := calls[:0]
	for _, c := range calls {
		if strings.TrimSpace(c.Name) != "" {
			named = append(named, c)
		}
	}
	return named
}

var toolAliases = map[string]string{
	"smartquery":         "smart_query",
	"query":              "smart_query",
	"sql":                "smart_query",
	"getkpis":            "get_kpis",
	"kpis":               "get_kpis",
	"getsalesdata":       "get_sales_data",
	"getexchangerate":    "get_exchange_rate",
	"exchange_rate":      "get_exchange_rate",
	"convertcurrency":    "convert_currency",
	"getbusinesssummary": "get_business_summary",
	"processsalesexcel":  "process_sales_excel",
}

// normalizeToolName maps the spellings small models produce (camel case,
// hyphens, dropped underscores) to registered names.
func normalizeToolName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if mapped, ok := toolAliases[lower]; ok {
		return mapped
	}
	return strings.ReplaceAll(lower, "-", "_")
}

var rolePrefixes = []string{"assistant:\n", "assistant: ", "assistant\n"}

// stripRolePrefix removes a leaked "assistant" role label from the start of
// a completion.
func stripRolePrefix(content string) string {
	for _, p := range rolePrefixes {
		if len(content) >= len(p) && strings.EqualFold(content[:len(p)], p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// coalesce returns the first non-nil map, or an empty map.
func coalesce(a, b map[string]any) map[string]any {
	switch {
	case a != nil:
		return a
	case b != nil:
		return b
	}
	return make(map[string]any)
}

// sanitizeJSONEscapes drops the backslash of escape sequences JSON does not
// define (\% and the like) inside string literals.
func sanitizeJSONEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case !inString:
			inString = c == '"'
		case c == '"':
			inString = false
		case c == '\\' && i+1 < len(s):
			if strings.IndexByte(`"\/bfnrtu`, s[i+1]) < 0 {
				continue
			}
			b.WriteByte(c)
			i++
			c = s[i]
		}
		b.WriteByte(c)
	}
	return b.String()
}
