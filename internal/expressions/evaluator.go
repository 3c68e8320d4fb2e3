package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Context is the flat namespace visible to one step's interpolation:
// "$input" (trigger input), one "$<stepId>" entry per completed step,
// and bare variable names produced by transform outputs. Lookups accept
// both the "$name" and "name" spellings of a key.
type Context map[string]any

// Evaluator resolves $name(.path)* references against a Context.
// Expressions are parsed once into a small AST (literal and var-ref
// segments) and cached; evaluation walks the segments against the
// context. Thread-safe.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*parsed
}

// NewEvaluator creates an Evaluator with an empty parse cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*parsed)}
}

// parsed is the compiled form of an expression.
type parsed struct {
	segments   []segment
	wholeToken bool // the trimmed expression is exactly one var-ref
}

// segment is either a literal run of text or a variable reference.
type segment struct {
	literal string
	ref     []string // nil for literals; ["input","name"] for $input.name
	raw     string   // original token text, written back when unresolved
}

// Evaluate resolves all $-references in expr against ctx and returns the
// result with light type coercion applied.
//
// When the entire trimmed expression is a single token resolving to a
// non-primitive value, that value is returned directly, preserving
// objects and arrays without serialization loss. Otherwise each resolved
// primitive is substituted textually, non-primitives are JSON-encoded
// into the substitution, and the final string is coerced: "true"/"false"
// to bool, a pure numeric string to a number, anything else stays a
// string. Unresolved tokens are left verbatim, never an error.
func (ev *Evaluator) Evaluate(expr string, ctx Context) any {
	p := ev.parse(expr)

	if p.wholeToken {
		for _, seg := range p.segments {
			if seg.ref == nil {
				continue
			}
			val, ok := resolveRef(ctx, seg.ref)
			if ok && !isPrimitive(val) {
				return val
			}
			break
		}
	}

	var b strings.Builder
	b.Grow(len(expr))
	for _, seg := range p.segments {
		if seg.ref == nil {
			b.WriteString(seg.literal)
			continue
		}
		val, ok := resolveRef(ctx, seg.ref)
		if !ok {
			b.WriteString(seg.raw)
			continue
		}
		b.WriteString(inline(val))
	}

	return Coerce(b.String())
}

// EvaluateString is Evaluate constrained to a string result, used for
// prompts and approval items where typed passthrough is not wanted.
func (ev *Evaluator) EvaluateString(expr string, ctx Context) string {
	return Stringify(ev.Evaluate(expr, ctx))
}

// InterpolateArgs recursively resolves $-references in nested argument
// structures. Strings are evaluated (a whole-token string may become a
// typed value); maps and slices are walked; everything else passes
// through unchanged.
func (ev *Evaluator) InterpolateArgs(args any, ctx Context) any {
	switch v := args.(type) {
	case string:
		return ev.Evaluate(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = ev.InterpolateArgs(e, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = ev.InterpolateArgs(e, ctx)
		}
		return out
	default:
		return v
	}
}

// parse returns the cached AST for expr, compiling it on first use.
func (ev *Evaluator) parse(expr string) *parsed {
	ev.mu.RLock()
	p, ok := ev.cache[expr]
	ev.mu.RUnlock()
	if ok {
		return p
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if p, ok = ev.cache[expr]; ok {
		return p
	}

	p = compile(expr)
	ev.cache[expr] = p
	return p
}

// compile scans expr for $identifier(.path)* tokens.
func compile(expr string) *parsed {
	p := &parsed{}
	var lit strings.Builder
	i := 0
	refCount := 0
	var only string

	for i < len(expr) {
		c := expr[i]
		if c != '$' || i+1 >= len(expr) || !isIdentStart(expr[i+1]) {
			lit.WriteByte(c)
			i++
			continue
		}

		// flush pending literal
		if lit.Len() > 0 {
			p.segments = append(p.segments, segment{literal: lit.String()})
			lit.Reset()
		}

		start := i
		i++ // skip '$'
		j := i
		for j < len(expr) && isIdentChar(expr[j]) {
			j++
		}
		path := []string{expr[i:j]}
		i = j
		for i < len(expr) && expr[i] == '.' && i+1 < len(expr) && isIdentChar(expr[i+1]) {
			i++
			j = i
			for j < len(expr) && isIdentChar(expr[j]) {
				j++
			}
			path = append(path, expr[i:j])
			i = j
		}

		raw := expr[start:i]
		p.segments = append(p.segments, segment{ref: path, raw: raw})
		refCount++
		only = raw
	}
	if lit.Len() > 0 {
		p.segments = append(p.segments, segment{literal: lit.String()})
	}

	p.wholeToken = refCount == 1 && strings.TrimSpace(expr) == only
	return p
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// resolveRef looks up the reference head as ctx["$name"] falling back to
// ctx["name"], then walks the dotted path, short-circuiting to
// unresolved on any missing key.
func resolveRef(ctx Context, path []string) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	cur, ok := ctx["$"+path[0]]
	if !ok {
		cur, ok = ctx[path[0]]
	}
	if !ok {
		return nil, false
	}

	for _, seg := range path[1:] {
		switch v := cur.(type) {
		case map[string]any:
			cur, ok = v[seg]
			if !ok {
				return nil, false
			}
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// isPrimitive reports whether val substitutes textually (string, number,
// bool) rather than passing through as a typed value.
func isPrimitive(val any) bool {
	switch val.(type) {
	case string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	default:
		return false
	}
}

// inline renders a resolved value into its substitution text.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case nil:
		return "null"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Coerce applies the final type coercion to a substituted string:
// "true"/"false" become bool, a pure numeric string becomes a number,
// anything else is returned unchanged.
func Coerce(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && strings.TrimSpace(s) != "" {
		return n
	}
	return s
}

// Stringify renders an evaluated value back into display text: strings
// pass through, primitives format naturally, composites JSON-encode.
func Stringify(val any) string {
	if s, ok := val.(string); ok {
		return s
	}
	return inline(val)
}

// Truthy reports the boolean interpretation of an evaluated value:
// nil and false are falsy, zero numbers and empty strings are falsy,
// everything else is truthy.
func Truthy(val any) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}
