package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Reason classifies why a query was refused.
type Reason string

const (
	ReasonEmpty          Reason = "empty"
	ReasonNotReadOnly    Reason = "not-read-only"
	ReasonMultiStatement Reason = "multi-statement"
	ReasonForbidden      Reason = "forbidden-keyword"
	ReasonSuspicious     Reason = "suspicious-pattern"
)

// Rejection is returned by ValidateQuery when the text is refused.
type Rejection struct {
	Reason  Reason
	Keyword string // set for ReasonForbidden, upper case
}

func (r *Rejection) Error() string {
	switch r.Reason {
	case ReasonEmpty:
		return "empty query"
	case ReasonNotReadOnly:
		return "only read-only queries allowed"
	case ReasonMultiStatement:
		return "multiple statements are not allowed"
	case ReasonForbidden:
		return fmt.Sprintf("forbidden keyword detected: %s", r.Keyword)
	case ReasonSuspicious:
		return "suspicious pattern detected in query"
	}
	return "query rejected"
}

type deniedKeyword struct {
	name string
	re   *regexp.Regexp
}

var wordKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "grant", "revoke", "exec", "execute", "union",
}

// Comment markers match anywhere, even inside a literal.
var commentMarkers = []string{"--", "/*", "*/"}

var deniedKeywords = buildDenyList()

func buildDenyList() []deniedKeyword {
	list := make([]deniedKeyword, 0, len(wordKeywords)+2)
	for _, kw := range wordKeywords {
		list = append(list, deniedKeyword{
			name: strings.ToUpper(kw),
			re:   regexp.MustCompile(`(?i)\b` + kw + `\b`),
		})
	}
	// Stored procedure prefixes: sp_who, xp_cmdshell.
	list = append(list,
		deniedKeyword{name: "SP_", re: regexp.MustCompile(`(?i)\bsp_\w*`)},
		deniedKeyword{name: "XP_", re: regexp.MustCompile(`(?i)\bxp_\w*`)},
	)
	return list
}

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`;\s*$`),
	regexp.MustCompile(`;\s*\w`),
	regexp.MustCompile(`(?i)'\s*or\s*'?\s*\d+\s*'?\s*=\s*'?\s*\d+`),
	regexp.MustCompile(`(?i)'\s*or\s*'\w*'\s*=\s*'\w*`),
	regexp.MustCompile(`--\s*$`),
	regexp.MustCompile(`(?s)/\*.*\*/`),
}

// ValidateQuery decides whether text is a single read-only SELECT. On success
// it returns the trimmed text unchanged; otherwise a *Rejection.
func ValidateQuery(text string) (string, error) {
	q := strings.TrimSpace(text)
	if q == "" {
		return "", &Rejection{Reason: ReasonEmpty}
	}

	if !strings.HasPrefix(strings.ToLower(q), "select") {
		return "", &Rejection{Reason: ReasonNotReadOnly}
	}

	if strings.Contains(q, ";") {
		return "", &Rejection{Reason: ReasonMultiStatement}
	}

	for _, kw := range deniedKeywords {
		if kw.re.MatchString(q) {
			return "", &Rejection{Reason: ReasonForbidden, Keyword: kw.name}
		}
	}
	for _, marker := range commentMarkers {
		if strings.Contains(q, marker) {
			return "", &Rejection{Reason: ReasonForbidden, Keyword: marker}
		}
	}

	for _, re := range suspiciousPatterns {
		if re.MatchString(q) {
			return "", &Rejection{Reason: ReasonSuspicious}
		}
	}

	return q, nil
}

// AsRejection unwraps err to a *Rejection if it carries one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
