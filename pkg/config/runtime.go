package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/types"
)

// ErrUnknownKey is returned by Apply for a key outside the recognised set
type ErrUnknownKey struct {
	Key string
}

func (e *ErrUnknownKey) Error() string {
	return fmt.Sprintf("unknown config key %q", e.Key)
}

// Runtime holds the live-mutable subset of the configuration. UpdateConfig
// mutates it through Apply; the dispatch engine and worker registry read it
// through the accessors on every decision, so changes take effect without a
// restart.
type Runtime struct {
	mu sync.RWMutex

	maxConcurrent  int
	attemptTimeout time.Duration
	retry          types.RetryPolicy
	paused         bool
	healthInterval time.Duration
	discoInterval  time.Duration
}

// NewRuntime seeds a Runtime from the loaded configuration
func NewRuntime(cfg *Config) *Runtime {
	return &Runtime{
		maxConcurrent:  cfg.MaxConcurrentTasks,
		attemptTimeout: cfg.AttemptTimeout,
		retry:          cfg.Retry,
		paused:         cfg.Paused,
		healthInterval: cfg.HealthCheckInterval,
		discoInterval:  cfg.DiscoveryInterval,
	}
}

// MaxConcurrent returns the dispatch worker pool size
func (r *Runtime) MaxConcurrent() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxConcurrent
}

// AttemptTimeout returns the per-attempt cancellation deadline
func (r *Runtime) AttemptTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attemptTimeout
}

// Retry returns the current retry policy
func (r *Runtime) Retry() types.RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retry
}

// Paused returns the configured initial pause state
func (r *Runtime) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// HealthCheckInterval returns the worker probe cadence
func (r *Runtime) HealthCheckInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthInterval
}

// DiscoveryInterval returns the worker rediscovery cadence
func (r *Runtime) DiscoveryInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.discoInterval
}

// Apply merges recognised keys into the running configuration. The whole
// change set is validated before anything is applied, so a rejected update
// has no side effects.
func (r *Runtime) Apply(changes map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := struct {
		maxConcurrent  int
		attemptTimeout time.Duration
		retry          types.RetryPolicy
		paused         bool
		healthInterval time.Duration
		discoInterval  time.Duration
	}{r.maxConcurrent, r.attemptTimeout, r.retry, r.paused, r.healthInterval, r.discoInterval}

	for key, raw := range changes {
		switch key {
		case "max_concurrent_tasks":
			n, err := asInt(key, raw)
			if err != nil {
				return err
			}
			if n < 1 {
				return fmt.Errorf("config key %q: must be >= 1, got %d", key, n)
			}
			next.maxConcurrent = n
		case "attempt_timeout_ms":
			d, err := asMillis(key, raw)
			if err != nil {
				return err
			}
			next.attemptTimeout = d
		case "retry.max_attempts":
			n, err := asInt(key, raw)
			if err != nil {
				return err
			}
			next.retry.MaxAttempts = n
		case "retry.initial_delay_ms":
			d, err := asMillis(key, raw)
			if err != nil {
				return err
			}
			next.retry.InitialDelay = d
		case "retry.max_delay_ms":
			d, err := asMillis(key, raw)
			if err != nil {
				return err
			}
			next.retry.MaxDelay = d
		case "retry.factor":
			f, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			next.retry.Factor = f
		case "paused":
			b, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("config key %q: expected bool, got %T", key, raw)
			}
			next.paused = b
		case "health_check_interval_ms":
			d, err := asMillis(key, raw)
			if err != nil {
				return err
			}
			next.healthInterval = d
		case "discovery_interval_ms":
			d, err := asMillis(key, raw)
			if err != nil {
				return err
			}
			next.discoInterval = d
		default:
			return &ErrUnknownKey{Key: key}
		}
	}

	if err := next.retry.Validate(); err != nil {
		return err
	}

	r.maxConcurrent = next.maxConcurrent
	r.attemptTimeout = next.attemptTimeout
	r.retry = next.retry
	r.paused = next.paused
	r.healthInterval = next.healthInterval
	r.discoInterval = next.discoInterval
	return nil
}

// asInt accepts JSON numbers and native ints
func asInt(key string, raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("config key %q: expected integer, got %v", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("config key %q: expected number, got %T", key, raw)
	}
}

func asFloat(key string, raw any) (float64, error) {
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("config key %q: expected number, got %T", key, raw)
	}
}

func asMillis(key string, raw any) (time.Duration, error) {
	n, err := asInt(key, raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("config key %q: must be positive, got %d", key, n)
	}
	return time.Duration(n) * time.Millisecond, nil
}
