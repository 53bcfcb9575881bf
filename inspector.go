package querycache

import (
	"strings"

	"github.com/querycache/querycache/policy"
)

// SQLInspector is a naive keyword-scanning policy.CommandInspector. It is
// deliberately conservative: it looks at the first significant keyword to
// classify writes and collects identifiers following FROM/JOIN/INTO/UPDATE
// to find table names. Programs with CTE-heavy or vendor-specific SQL should
// plug in an inspector backed by a real parser.
type SQLInspector struct{}

var _ policy.CommandInspector = SQLInspector{}

var mutatingKeywords = map[string]struct{}{
	"INSERT":   {},
	"UPDATE":   {},
	"DELETE":   {},
	"MERGE":    {},
	"REPLACE":  {},
	"CREATE":   {},
	"ALTER":    {},
	"DROP":     {},
	"TRUNCATE": {},
}

// IsMutating reports whether the command's first significant keyword is a
// write. Comment lines are skipped.
func (SQLInspector) IsMutating(commandText string) bool {
	for _, line := range strings.Split(commandText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		first := strings.ToUpper(firstToken(line))
		_, ok := mutatingKeywords[first]
		return ok
	}
	return false
}

// TableNames returns the identifiers that follow FROM, JOIN, INTO, UPDATE
// and TABLE keywords, deduplicated case-insensitively. Quoting characters
// and a schema prefix are stripped.
func (SQLInspector) TableNames(commandText string) []string {
	tokens := strings.Fields(policy.RemoveDirective(commandText))

	var names []string
	seen := make(map[string]struct{})
	for i := 0; i < len(tokens)-1; i++ {
		switch strings.ToUpper(tokens[i]) {
		case "FROM", "JOIN", "INTO", "UPDATE", "TABLE":
			name := cleanIdentifier(tokens[i+1])
			if name == "" {
				continue
			}
			lower := strings.ToLower(name)
			if _, ok := seen[lower]; ok {
				continue
			}
			seen[lower] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// cleanIdentifier strips quoting, trailing punctuation and a schema prefix
// from a raw token. Subqueries and keywords yield "".
func cleanIdentifier(token string) string {
	token = strings.TrimRight(token, ",;)")
	token = strings.Trim(token, "`\"[]")
	if strings.IndexByte(token, '(') >= 0 {
		return ""
	}
	if i := strings.LastIndexByte(token, '.'); i >= 0 {
		token = strings.Trim(token[i+1:], "`\"[]")
	}
	switch strings.ToUpper(token) {
	case "", "SELECT", "LATERAL", "ONLY":
		return ""
	}
	return token
}
