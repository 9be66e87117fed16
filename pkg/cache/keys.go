package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Level identifies one of the four semantic cache partitions. Each level has
// its own key shape and default TTL.
type Level string

const (
	LevelRawData   Level = "raw_data"
	LevelMetrics   Level = "metrics"
	LevelDiagnosis Level = "diagnosis"
	LevelHotspot   Level = "hotspot"
)

// Levels lists all cache levels in warm-up order.
func Levels() []Level {
	return []Level{LevelRawData, LevelMetrics, LevelDiagnosis, LevelHotspot}
}

// Valid reports whether l names a known cache level.
func (l Level) Valid() bool {
	switch l {
	case LevelRawData, LevelMetrics, LevelDiagnosis, LevelHotspot:
		return true
	}
	return false
}

// Key is an immutable cache key. Its wire form is
// "{namespace}:{version}:{level}:{paramHash}" where paramHash is a 12-hex-char
// digest over the canonicalized parameter map.
type Key struct {
	Namespace string
	Version   string
	Level     Level
	ParamHash string
}

// String renders the key in its wire form.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Namespace, k.Version, k.Level, k.ParamHash)
}

// paramHashLen is the hex-char width of the parameter digest. Short enough to
// read in logs, wide enough (48 bits) that collisions within one level are
// not a practical concern.
const paramHashLen = 12

// KeyCodec builds deterministic cache keys from parameter maps. The version
// component must be bumped whenever the key shape or payload format changes
// so new code never decodes entries written by old code.
type KeyCodec struct {
	namespace string
	version   string
}

// NewKeyCodec creates a key codec for the given namespace and schema version.
func NewKeyCodec(namespace, version string) *KeyCodec {
	return &KeyCodec{namespace: namespace, version: version}
}

// BuildKey constructs the key for a level from a parameter map. Two parameter
// maps that are permutations of the same logical parameters (including
// list-valued parameters in different order) produce the same key. Parameter
// values outside the supported set are a programmer error and fail fast.
func (c *KeyCodec) BuildKey(level Level, params map[string]interface{}) (Key, error) {
	if !level.Valid() {
		return Key{}, fmt.Errorf("%w: unknown level %q", ErrInvalidConfig, level)
	}

	canonical, err := canonicalize(params)
	if err != nil {
		return Key{}, err
	}

	sum := sha256.Sum256([]byte(canonical))
	return Key{
		Namespace: c.namespace,
		Version:   c.version,
		Level:     level,
		ParamHash: hex.EncodeToString(sum[:])[:paramHashLen],
	}, nil
}

// Prefix returns the scan pattern matching every key of a level.
func (c *KeyCodec) Prefix(level Level) string {
	return fmt.Sprintf("%s:%s:%s:*", c.namespace, c.version, level)
}

// PrefixAll returns the scan pattern matching every key of the namespace,
// across all schema versions.
func (c *KeyCodec) PrefixAll() string {
	return fmt.Sprintf("%s:*", c.namespace)
}

// canonicalize renders params as a stable string: keys sorted
// lexicographically, list values sorted, every value type-tagged so values of
// different types never collide.
func canonicalize(params map[string]interface{}) (string, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		rendered, err := renderParam(params[name])
		if err != nil {
			return "", fmt.Errorf("%w: param %q: %v", ErrUnsupportedParam, name, err)
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(rendered)
	}
	return b.String(), nil
}

func renderParam(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return "s:" + val, nil
	case int:
		return fmt.Sprintf("i:%d", val), nil
	case int64:
		return fmt.Sprintf("i:%d", val), nil
	case float64:
		return fmt.Sprintf("f:%g", val), nil
	case bool:
		return fmt.Sprintf("b:%t", val), nil
	case time.Time:
		return "t:" + val.UTC().Format(time.RFC3339), nil
	case []string:
		sorted := make([]string, len(val))
		copy(sorted, val)
		sort.Strings(sorted)
		return "ls:[" + strings.Join(sorted, ",") + "]", nil
	case nil:
		return "n:", nil
	default:
		return "", fmt.Errorf("type %T has no deterministic string form", v)
	}
}
