// Package budget resolves how long a call site waits for an operation
// before handing it to the background.
//
// Every call site may name an environment variable overriding its budget
// (for example HANDOFF_EXEC_BUDGET_SECONDS). Values are seconds ("20",
// "2.5") or Go durations ("1m30s"). Unset, unparsable or non-positive
// values fall back to the call site's default, then to the global default.
package budget

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
)

// Resolver resolves budgets. The global default can be swapped at runtime
// (config hot reload); per-key overrides are read on every call.
type Resolver struct {
	mu     sync.Mutex // viper is not safe for concurrent use
	v      *viper.Viper
	def    time.Duration
	logger *zap.SugaredLogger
}

// NewResolver returns a resolver with the given global default
func NewResolver(def time.Duration, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = logger.Logger
	}
	return &Resolver{v: viper.New(), def: def, logger: log}
}

// Default returns the global default budget
func (r *Resolver) Default() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def
}

// SetDefault replaces the global default. Non-positive values are ignored.
func (r *Resolver) SetDefault(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	prev := r.def
	r.def = d
	r.mu.Unlock()

	if prev != d {
		r.logger.Infow("Default time budget changed", "from", prev, "to", d)
	}
}

// Resolve returns the budget for a call site: the override named by key if
// it holds a valid value, else fallback if positive, else the global default.
func (r *Resolver) Resolve(key string, fallback time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key != "" {
		_ = r.v.BindEnv(key, key)
		if raw := r.v.GetString(key); raw != "" {
			d, err := Parse(raw)
			if err == nil {
				return d
			}
			r.logger.Warnw("Ignoring invalid time budget override",
				"key", key,
				"value", raw,
				logger.FieldError, err)
		}
	}

	if fallback > 0 {
		return fallback
	}
	return r.def
}

// Parse reads a budget given as seconds or as a Go duration
func Parse(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
			return 0, errors.NewInvalidRequestError("time budget must be a positive number of seconds, got %q", raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "invalid time budget %q", raw), errors.ErrInvalidRequest)
	}
	if d <= 0 {
		return 0, errors.NewInvalidRequestError("time budget must be positive, got %q", raw)
	}
	return d, nil
}
