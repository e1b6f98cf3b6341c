package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// patternKind classifies a model-map key. The choice is syntactic: keys
// without metacharacters are literals, a key whose only metacharacters are
// shell wildcards is a wildcard, everything else is a regular expression
// anchored on both ends.
type patternKind int

const (
	kindLiteral patternKind = iota
	kindWildcard
	kindRegex
)

// regexMeta are the characters that force regex interpretation. '*' and '?'
// alone stay in wildcard territory.
const regexMeta = `.+()[]{}|\^$`

func classifyPattern(key string) patternKind {
	if strings.ContainsAny(key, regexMeta) {
		return kindRegex
	}
	if strings.ContainsAny(key, "*?") {
		return kindWildcard
	}
	return kindLiteral
}

// compiledPattern is one non-exact model-map entry, compiled once at
// snapshot construction.
type compiledPattern struct {
	key    string
	target string
	re     *regexp.Regexp
}

// wildcardToRegex translates a shell-style wildcard into an anchored regex.
func wildcardToRegex(key string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range key {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func compilePattern(key, target string) (*compiledPattern, error) {
	var expr string
	switch classifyPattern(key) {
	case kindWildcard:
		expr = wildcardToRegex(key)
	case kindRegex:
		expr = key
		if !strings.HasPrefix(expr, "^") {
			expr = "^" + expr
		}
		if !strings.HasSuffix(expr, "$") {
			expr = expr + "$"
		}
	default:
		return nil, fmt.Errorf("pattern %q is a literal", key)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile model pattern %q: %w", key, err)
	}
	return &compiledPattern{key: key, target: target, re: re}, nil
}

// ModelMap is a provider's compiled mapping from client-facing model names
// to upstream model names. Exact entries take priority over patterns;
// patterns are tried in declaration order.
type ModelMap struct {
	exact     map[string]string
	exactKeys []string // declaration order, for listings
	patterns  []*compiledPattern
}

// ParseModelMap parses the JSON object form preserving key declaration
// order, which a plain map[string]string would lose.
func ParseModelMap(raw []byte) (*ModelMap, error) {
	mm := &ModelMap{exact: make(map[string]string)}
	if len(bytes.TrimSpace(raw)) == 0 {
		return mm, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse model mapping: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("model mapping must be a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse model mapping key: %w", err)
		}
		key := keyTok.(string)

		var target string
		if err := dec.Decode(&target); err != nil {
			return nil, fmt.Errorf("parse model mapping value for %q: %w", key, err)
		}

		if classifyPattern(key) == kindLiteral {
			if _, dup := mm.exact[key]; !dup {
				mm.exact[key] = target
				mm.exactKeys = append(mm.exactKeys, key)
			}
			continue
		}
		cp, err := compilePattern(key, target)
		if err != nil {
			return nil, err
		}
		mm.patterns = append(mm.patterns, cp)
	}
	return mm, nil
}

// Resolve returns the upstream model name for a client-facing model, or
// false when the map does not match it. Exact match wins; otherwise the
// first matching pattern in declaration order.
func (m *ModelMap) Resolve(model string) (string, bool) {
	if target, ok := m.exact[model]; ok {
		return target, true
	}
	for _, p := range m.patterns {
		if p.re.MatchString(model) {
			return p.target, true
		}
	}
	return "", false
}

// Matches reports whether the map has any entry for the model.
func (m *ModelMap) Matches(model string) bool {
	_, ok := m.Resolve(model)
	return ok
}

// ExactModels returns the exact-match keys in declaration order. Pattern
// keys are excluded from listings.
func (m *ModelMap) ExactModels() []string {
	out := make([]string, len(m.exactKeys))
	copy(out, m.exactKeys)
	return out
}

// ModelPatterns is a compiled allowed-models list for a credential. It uses
// the same pattern grammar as ModelMap keys; an empty list allows all.
type ModelPatterns struct {
	exact    map[string]struct{}
	patterns []*compiledPattern
	empty    bool
}

// ParseModelPatterns parses the JSON array form of an allowed-models list.
func ParseModelPatterns(raw []byte) (*ModelPatterns, error) {
	mp := &ModelPatterns{exact: make(map[string]struct{})}
	if len(bytes.TrimSpace(raw)) == 0 {
		mp.empty = true
		return mp, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("parse allowed models: %w", err)
	}
	if len(keys) == 0 {
		mp.empty = true
		return mp, nil
	}
	for _, key := range keys {
		if classifyPattern(key) == kindLiteral {
			mp.exact[key] = struct{}{}
			continue
		}
		cp, err := compilePattern(key, "")
		if err != nil {
			return nil, err
		}
		mp.patterns = append(mp.patterns, cp)
	}
	return mp, nil
}

// AllowsAll reports whether the list is empty, meaning every model is
// permitted.
func (m *ModelPatterns) AllowsAll() bool { return m.empty }

// Allows reports whether the model is permitted by the list.
func (m *ModelPatterns) Allows(model string) bool {
	if m.empty {
		return true
	}
	if _, ok := m.exact[model]; ok {
		return true
	}
	for _, p := range m.patterns {
		if p.re.MatchString(model) {
			return true
		}
	}
	return false
}
