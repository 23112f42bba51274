package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tannht/mcp-compliance-go/mcp"
)

const defaultCacheSize = 128

// emailRe is deliberately loose: one @, no whitespace, a dotted domain.
var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Option customizes a Validator.
type Option func(*options)

type options struct {
	cacheSize int
	log       *slog.Logger
}

// WithCacheSize bounds the compiled-validator cache. Values below 1 fall back
// to the default.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// Validator checks values against subset schemas. It is safe for concurrent
// use; compiled schemas are shared through an LRU cache keyed by the hash of
// the schema's canonical JSON, so structurally equal schemas compile once.
type Validator struct {
	log   *slog.Logger
	cache *lru.Cache[string, *compiled]
}

// New constructs a Validator.
func New(opts ...Option) *Validator {
	o := options{cacheSize: defaultCacheSize, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheSize < 1 {
		o.cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, *compiled](o.cacheSize)
	return &Validator{log: o.log, cache: cache}
}

// CacheStats is a point-in-time view of the compile cache.
type CacheStats struct {
	Size int `json:"size"`
}

// CacheStats reports how many compiled schemas are currently cached.
func (v *Validator) CacheStats() CacheStats {
	return CacheStats{Size: v.cache.Len()}
}

// ValidateInput checks a tool call's arguments against the tool's input
// schema. A nil schema accepts everything.
func (v *Validator) ValidateInput(s *Schema, value any) mcp.SchemaValidationResult {
	return v.validate(s, value)
}

// ValidateOutput checks an executor's result against the tool's output
// schema. Same engine as ValidateInput.
func (v *Validator) ValidateOutput(s *Schema, value any) mcp.SchemaValidationResult {
	return v.validate(s, value)
}

func (v *Validator) validate(s *Schema, value any) mcp.SchemaValidationResult {
	if s == nil {
		return mcp.SchemaValidationResult{Valid: true}
	}
	c, err := v.compiledFor(s)
	if err != nil {
		return mcp.SchemaValidationResult{Errors: []string{fmt.Sprintf("schema error: %v", err)}}
	}
	val, err := normalize(value)
	if err != nil {
		return mcp.SchemaValidationResult{Errors: []string{fmt.Sprintf("invalid JSON payload: %v", err)}}
	}
	var errs []string
	c.root.check("", val, &errs)
	if len(errs) > 0 {
		return mcp.SchemaValidationResult{Errors: errs}
	}
	return mcp.SchemaValidationResult{Valid: true}
}

// compiledFor hashes the schema's canonical JSON and reuses a prior compile
// when one is cached. encoding/json sorts map keys, so structurally equal
// schemas produce the same key regardless of construction order.
func (v *Validator) compiledFor(s *Schema) (*compiled, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if c, ok := v.cache.Get(key); ok {
		return c, nil
	}
	c, err := compile(s)
	if err != nil {
		return nil, err
	}
	v.cache.Add(key, c)
	v.log.Debug("schema.compile", slog.String("hash", key[:12]), slog.Int("cache_size", v.cache.Len()))
	return c, nil
}

type compiled struct {
	root *node
}

// node is the compiled form of a schema node: regexes compiled, property
// order fixed so error output is deterministic.
type node struct {
	typ        string
	enum       []any
	min        *float64
	max        *float64
	minLen     *int
	maxLen     *int
	pattern    *regexp.Regexp
	patternSrc string
	format     string
	required   []string
	propOrder  []string
	props      map[string]*node
	items      *node
}

func compile(s *Schema) (*compiled, error) {
	root := &Property{
		Type:       s.Type,
		Properties: s.Properties,
		Required:   s.Required,
	}
	if root.Type == "" {
		root.Type = "object"
	}
	n, err := compileNode(root)
	if err != nil {
		return nil, err
	}
	return &compiled{root: n}, nil
}

func compileNode(p *Property) (*node, error) {
	n := &node{
		typ:      p.Type,
		enum:     p.Enum,
		min:      p.Minimum,
		max:      p.Maximum,
		minLen:   p.MinLength,
		maxLen:   p.MaxLength,
		format:   p.Format,
		required: p.Required,
	}
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p.Pattern, err)
		}
		n.pattern = re
		n.patternSrc = p.Pattern
	}
	if len(p.Properties) > 0 {
		n.props = make(map[string]*node, len(p.Properties))
		n.propOrder = make([]string, 0, len(p.Properties))
		for name, child := range p.Properties {
			cn, err := compileNode(child)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			n.props[name] = cn
			n.propOrder = append(n.propOrder, name)
		}
		sort.Strings(n.propOrder)
	}
	if p.Items != nil {
		cn, err := compileNode(p.Items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		n.items = cn
	}
	return n, nil
}

func (n *node) check(path string, v any, errs *[]string) {
	if n.typ != "" && !typeMatches(n.typ, v) {
		*errs = append(*errs, fmt.Sprintf("%s: expected %s, got %s", displayPath(path), n.typ, typeName(v)))
		return
	}
	if len(n.enum) > 0 && !enumMatch(n.enum, v) {
		*errs = append(*errs, fmt.Sprintf("%s: not one of the allowed values", displayPath(path)))
	}
	switch val := v.(type) {
	case string:
		n.checkString(path, val, errs)
	case json.Number:
		n.checkNumber(path, val, errs)
	case map[string]any:
		for _, req := range n.required {
			if _, ok := val[req]; !ok {
				*errs = append(*errs, fmt.Sprintf("missing required property %q", joinPath(path, req)))
			}
		}
		for _, name := range n.propOrder {
			if child, ok := val[name]; ok {
				n.props[name].check(joinPath(path, name), child, errs)
			}
		}
	case []any:
		if n.items != nil {
			for i, el := range val {
				n.items.check(fmt.Sprintf("%s[%d]", path, i), el, errs)
			}
		}
	}
}

func (n *node) checkString(path, s string, errs *[]string) {
	length := utf8.RuneCountInString(s)
	if n.minLen != nil && length < *n.minLen {
		*errs = append(*errs, fmt.Sprintf("%s: length %d is less than minLength %d", displayPath(path), length, *n.minLen))
	}
	if n.maxLen != nil && length > *n.maxLen {
		*errs = append(*errs, fmt.Sprintf("%s: length %d is greater than maxLength %d", displayPath(path), length, *n.maxLen))
	}
	if n.pattern != nil && !n.pattern.MatchString(s) {
		*errs = append(*errs, fmt.Sprintf("%s: does not match pattern %q", displayPath(path), n.patternSrc))
	}
	if n.format == "email" && !emailRe.MatchString(s) {
		*errs = append(*errs, fmt.Sprintf("%s: not a valid email address", displayPath(path)))
	}
}

func (n *node) checkNumber(path string, num json.Number, errs *[]string) {
	f, err := num.Float64()
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: unparseable number %q", displayPath(path), num.String()))
		return
	}
	if n.min != nil && f < *n.min {
		*errs = append(*errs, fmt.Sprintf("%s: %v is less than minimum %v", displayPath(path), f, *n.min))
	}
	if n.max != nil && f > *n.max {
		*errs = append(*errs, fmt.Sprintf("%s: %v is greater than maximum %v", displayPath(path), f, *n.max))
	}
}

// normalize round-trips the value through encoding/json so the walk only
// sees canonical JSON types (map[string]any, []any, string, json.Number,
// bool, nil). Raw bytes decode directly; nil or empty input counts as an
// empty object so schema-less calls pass trivially.
func normalize(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(json.Number)
		return ok
	case "integer":
		num, ok := v.(json.Number)
		if !ok {
			return false
		}
		f, err := num.Float64()
		return err == nil && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	default:
		// Unknown type names are not enforced.
		return true
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

func enumMatch(allowed []any, v any) bool {
	for _, a := range allowed {
		if jsonEqual(a, v) {
			return true
		}
	}
	return false
}

// jsonEqual compares an authored enum value with a decoded JSON value.
// Numbers compare numerically so 5 matches 5.0; everything else compares by
// canonical JSON encoding.
func jsonEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok || bok {
		return aok && bok && af == bf
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

func displayPath(path string) string {
	if path == "" {
		return "value"
	}
	return fmt.Sprintf("property %q", path)
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}
