// Package policy resolves effective per-node runtime policy from layered
// sources. Resolution is pure and total: malformed or missing values always
// fall through to the next layer, and numeric results are clamped into their
// allowed ranges.
package policy

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// Bounds and defaults for runtime policy values.
const (
	MinTimeoutMs     = 1_000
	MaxTimeoutMs     = 120_000
	DefaultTimeoutMs = 30_000

	MinRetryCount     = 0
	MaxRetryCount     = 5
	DefaultRetryCount = 0

	MinRetryBackoffMs     = 0
	MaxRetryBackoffMs     = 60_000
	DefaultRetryBackoffMs = 1_000
)

// NodePolicy is the fully resolved, clamped policy for one node.
type NodePolicy struct {
	TimeoutMs      int64
	RetryCount     int
	RetryBackoffMs int64
	OnError        dsl.OnErrorMode
}

// Timeout returns the per-attempt timeout as a duration.
func (p NodePolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// Backoff returns the fixed inter-attempt delay as a duration.
func (p NodePolicy) Backoff() time.Duration {
	return time.Duration(p.RetryBackoffMs) * time.Millisecond
}

// Resolve computes a node's effective policy. Per key, the first layer that
// carries a usable value wins: node.runtimePolicy, then node.config, then the
// workflow's runPolicy.nodeDefaults, then the hard default.
func Resolve(node *dsl.Node, run *dsl.RunPolicy) NodePolicy {
	layers := make([]map[string]any, 0, 3)
	if node != nil {
		if len(node.RuntimePolicy) > 0 {
			layers = append(layers, node.RuntimePolicy)
		}
		if len(node.Config) > 0 {
			layers = append(layers, node.Config)
		}
	}
	if run != nil && len(run.NodeDefaults) > 0 {
		layers = append(layers, run.NodeDefaults)
	}

	return NodePolicy{
		TimeoutMs:      clampInt64(lookupInt64(layers, "timeoutMs", DefaultTimeoutMs), MinTimeoutMs, MaxTimeoutMs),
		RetryCount:     clampInt(lookupInt(layers, "retryCount", DefaultRetryCount), MinRetryCount, MaxRetryCount),
		RetryBackoffMs: clampInt64(lookupInt64(layers, "retryBackoffMs", DefaultRetryBackoffMs), MinRetryBackoffMs, MaxRetryBackoffMs),
		OnError:        lookupOnError(layers),
	}
}

func lookupOnError(layers []map[string]any) dsl.OnErrorMode {
	for _, layer := range layers {
		raw, ok := layer["onError"]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		return dsl.ParseOnError(s)
	}
	return dsl.OnErrorContinue
}

func lookupInt64(layers []map[string]any, key string, def int64) int64 {
	for _, layer := range layers {
		if v, ok := asInt64(layer[key]); ok {
			return v
		}
	}
	return def
}

func lookupInt(layers []map[string]any, key string, def int) int {
	return int(lookupInt64(layers, key, int64(def)))
}

// asInt64 coerces JSON-decoded numbers and numeric strings. Fractional
// floats and non-numeric strings are rejected so the layer falls through.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
