// Package resolver implements semantic reference resolution for workflow
// node configurations.
//
// A semantic reference is a textual expression pointing at a prior node's
// output. Several equivalent surface syntaxes are accepted:
//
//	$json.NodeA.field
//	$json.[Node Name].field
//	$json["NodeA"]["field"]
//	{{NodeA.field}}
//	{{$json.NodeA.field}}
//	$NodeA.field
//	NodeA.field
//
// Resolution follows two distinct code paths. When an entire string is
// exactly one reference, the raw underlying value is returned so downstream
// code receives typed data. When a string mixes literal text with
// references, each reference is interpolated textually, with objects and
// arrays rendered as their compact JSON form.
//
// Resolution never hard-fails: a string that still contains an unresolved
// reference marker after all fallbacks is sanitized (the marker stripped) so
// execution proceeds degraded rather than aborting.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentloom/loom/internal/execstore"
)

// maxDepth bounds recursion through nested configuration containers.
const maxDepth = 12

// textAliasFields is the closed set of field names eligible for the
// cross-field alias fallback on a matched node.
var textAliasFields = []string{"message", "text", "content", "response", "output", "result", "agentOutput"}

// defaultKnownIntegrations is the allow-list used to recognize
// integration.function tool names so they are never treated as data
// references.
var defaultKnownIntegrations = map[string]bool{
	"http":     true,
	"webhook":  true,
	"slack":    true,
	"whatsapp": true,
	"webchat":  true,
	"telegram": true,
	"email":    true,
	"memory":   true,
	"sheets":   true,
	"calendar": true,
}

var (
	braceRe       = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	jsonDotRe     = regexp.MustCompile(`\$json\.(?:\[[^\]]+\]|[A-Za-z0-9_-]+)(?:\.(?:\[[^\]]+\]|[A-Za-z0-9_$-]+))*`)
	jsonBracketRe = regexp.MustCompile(`\$json(?:\[["']?[^\]"']+["']?\])+`)
	bareDollarRe  = regexp.MustCompile(`\$[A-Za-z][A-Za-z0-9_-]*(?:\.(?:\[[^\]]+\]|[A-Za-z0-9_-]+))+`)
	barePathRe    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _-]*(?:\.[A-Za-z0-9_-]+)+$`)
	toolNameRe    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*\.[a-zA-Z][a-zA-Z0-9_-]*$`)

	// leftover markers stripped by the sanitizer
	leftoverBraceRe = regexp.MustCompile(`\{\{[^}]*\}\}`)
	leftoverJSONRe  = regexp.MustCompile(`\$json(?:\.[^\s]*|\[[^\s]*)?`)
)

// Resolver resolves semantic references against an execution context store.
// It is stateless apart from its integration allow-list and safe for
// concurrent use across executions.
type Resolver struct {
	knownIntegrations map[string]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithKnownIntegrations replaces the integration allow-list used for
// tool-name detection.
func WithKnownIntegrations(names ...string) Option {
	return func(r *Resolver) {
		r.knownIntegrations = make(map[string]bool, len(names))
		for _, n := range names {
			r.knownIntegrations[n] = true
		}
	}
}

// New creates a Resolver with default options.
func New(opts ...Option) *Resolver {
	r := &Resolver{knownIntegrations: defaultKnownIntegrations}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve resolves a single expression against the store.
//
// If the entire string is exactly one reference, the raw underlying value is
// returned (object, array, number, boolean, or string). Otherwise references
// are interpolated in place and a string is returned.
func (r *Resolver) Resolve(expr string, store *execstore.Store) any {
	if store == nil || expr == "" {
		return expr
	}

	trimmed := strings.TrimSpace(expr)

	// Tool-name shapes are routing identifiers, never data references.
	if r.isToolName(trimmed, store) {
		return expr
	}

	// Whole-string single reference: return the raw typed value.
	if path, marked, ok := parseWholeReference(trimmed); ok {
		if value, found := r.lookup(path, store); found {
			return value
		}
		if marked {
			// Unresolved explicit marker: sanitize to empty rather than fail.
			return ""
		}
		// A bare dotted string that matches nothing is just text.
		return expr
	}

	if !containsMarker(expr) {
		return expr
	}

	return r.interpolate(expr, store)
}

// ResolveDeep resolves references recursively through nested configuration
// maps and slices. Recursion is depth-guarded, and any array stored under a
// field named "tools" passes through unresolved: its values are schema
// names, not data references.
func (r *Resolver) ResolveDeep(config any, store *execstore.Store) any {
	return r.resolveDeep(config, store, 0)
}

func (r *Resolver) resolveDeep(value any, store *execstore.Store, depth int) any {
	if depth > maxDepth {
		return value
	}

	switch tv := value.(type) {
	case string:
		return r.Resolve(tv, store)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, v := range tv {
			if k == "tools" {
				if _, isSlice := v.([]any); isSlice {
					out[k] = v
					continue
				}
				if _, isStrSlice := v.([]string); isStrSlice {
					out[k] = v
					continue
				}
			}
			out[k] = r.resolveDeep(v, store, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, v := range tv {
			out[i] = r.resolveDeep(v, store, depth+1)
		}
		return out
	default:
		return value
	}
}

// interpolate replaces every reference marker in the string with the
// stringified resolved value, then strips any leftover markers.
func (r *Resolver) interpolate(expr string, store *execstore.Store) string {
	replace := func(token string) string {
		if path, _, ok := parseWholeReference(token); ok {
			if value, found := r.lookup(path, store); found {
				return stringify(value)
			}
		}
		return ""
	}

	out := braceRe.ReplaceAllStringFunc(expr, replace)
	out = jsonDotRe.ReplaceAllStringFunc(out, replace)
	out = jsonBracketRe.ReplaceAllStringFunc(out, replace)
	out = bareDollarRe.ReplaceAllStringFunc(out, replace)

	return Sanitize(out)
}

// Sanitize strips any unresolved reference markers from a string. This is
// the availability-over-strictness tradeoff: degraded output beats an
// aborted run.
func Sanitize(s string) string {
	s = leftoverBraceRe.ReplaceAllString(s, "")
	s = leftoverJSONRe.ReplaceAllString(s, "")
	return s
}

// containsMarker reports whether the string contains any reference syntax
// worth an interpolation pass.
func containsMarker(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "$")
}

// isToolName reports whether the value is an integration.function routing
// identifier. Allow-listed integrations always pass through; a generic
// two-segment identifier passes through only when its first segment does not
// resolve to a stored node, so data references are never shadowed.
func (r *Resolver) isToolName(s string, store *execstore.Store) bool {
	if !toolNameRe.MatchString(s) {
		return false
	}
	first := s[:strings.Index(s, ".")]
	if r.knownIntegrations[first] {
		return true
	}
	_, isNode := r.findNodeObject(first, store)
	return !isNode
}

// parseWholeReference parses a string that is exactly one reference into its
// path segments. The marked return is true when the syntax carried an
// explicit marker ($ or braces), which controls sanitization of unresolved
// references.
func parseWholeReference(s string) (path []string, marked bool, ok bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		inner := strings.TrimSpace(s[2 : len(s)-2])
		if inner == "" || strings.Contains(inner, "{{") {
			return nil, true, false
		}
		path, _, ok = parseWholeReference(inner)
		return path, true, ok
	}

	// The anchored full-match guards keep mixed strings (reference plus
	// literal text) on the interpolation path.
	switch {
	case strings.HasPrefix(s, "$json."):
		if jsonDotRe.FindString(s) != s {
			return nil, true, false
		}
		path, ok = scanPath(s[len("$json."):])
		return path, true, ok && len(path) > 0
	case strings.HasPrefix(s, "$json["):
		if jsonBracketRe.FindString(s) != s {
			return nil, true, false
		}
		path, ok = scanPath(s[len("$json"):])
		return path, true, ok && len(path) > 0
	case strings.HasPrefix(s, "$"):
		if bareDollarRe.FindString(s) != s {
			return nil, true, false
		}
		path, ok = scanPath(s[1:])
		return path, true, ok && len(path) >= 2
	case barePathRe.MatchString(s):
		path, ok = scanPath(s)
		return path, false, ok && len(path) >= 2
	default:
		return nil, false, false
	}
}

// scanPath tokenizes a dotted/bracketed path into segments. Bracketed
// segments may be quoted and may contain spaces: a.[Node Name].b,
// ["Node"]["field"].
func scanPath(s string) ([]string, bool) {
	var segments []string
	i := 0
	for i < len(s) {
		switch s[i] {
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, false
			}
			seg := strings.Trim(s[i+1:i+end], `"' `)
			if seg == "" {
				return nil, false
			}
			segments = append(segments, seg)
			i += end + 1
			if i < len(s) && s[i] == '.' {
				i++
			}
		case '.':
			// empty segment
			return nil, false
		default:
			next := len(s)
			for j := i; j < len(s); j++ {
				if s[j] == '.' || s[j] == '[' {
					next = j
					break
				}
			}
			seg := strings.TrimSpace(s[i:next])
			if seg == "" {
				return nil, false
			}
			segments = append(segments, seg)
			i = next
			if i < len(s) && s[i] == '.' {
				i++
			}
		}
	}
	return segments, len(segments) > 0
}

// lookup resolves a path against the store: the first segment selects a node
// object (with fallback matching), the remaining segments walk into it.
func (r *Resolver) lookup(path []string, store *execstore.Store) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}

	node, found := r.findNodeObject(path[0], store)
	if !found {
		return nil, false
	}

	if len(path) == 1 {
		return node, true
	}

	return walkFields(node, path[1:])
}

// findNodeObject finds a node's stored output by key, falling back from an
// exact match to a normalized-name match, then a substring match.
func (r *Resolver) findNodeObject(key string, store *execstore.Store) (map[string]any, bool) {
	if obj, ok := store.Get(key); ok {
		return obj, true
	}

	normalized := normalizeKey(key)
	if normalized == "" {
		return nil, false
	}

	var partial string
	for _, candidate := range store.Keys() {
		nc := normalizeKey(candidate)
		if nc == normalized {
			obj, ok := store.Get(candidate)
			return obj, ok
		}
		if partial == "" && (strings.Contains(nc, normalized) || strings.Contains(normalized, nc)) {
			partial = candidate
		}
	}

	if partial != "" {
		obj, ok := store.Get(partial)
		return obj, ok
	}

	return nil, false
}

// walkFields descends through nested maps following the path segments. When
// a segment is missing but names a text-like field, the other text-like
// fields on the same object are tried in order.
func walkFields(obj map[string]any, fields []string) (any, bool) {
	var current any = obj
	for i, field := range fields {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		value, exists := m[field]
		if !exists {
			value, exists = textAlias(m, field)
		}
		if !exists {
			return nil, false
		}

		if i == len(fields)-1 {
			return value, true
		}
		current = value
	}
	return current, true
}

// textAlias applies the cross-field alias fallback: when the requested field
// is one of the text-like names, the other members of the set are tried.
func textAlias(m map[string]any, field string) (any, bool) {
	requested := false
	for _, alias := range textAliasFields {
		if alias == field {
			requested = true
			break
		}
	}
	if !requested {
		return nil, false
	}
	for _, alias := range textAliasFields {
		if alias == field {
			continue
		}
		if value, ok := m[alias]; ok {
			return value, true
		}
	}
	return nil, false
}

// normalizeKey strips non-alphanumerics and folds case for fallback matching.
func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}

// stringify renders a resolved value for interpolation. Objects and arrays
// render as compact JSON.
func stringify(value any) string {
	switch tv := value.(type) {
	case nil:
		return ""
	case string:
		return tv
	case map[string]any, []any:
		data, err := json.Marshal(tv)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", tv)
	}
}
