// Package keypool implements the credential pool and cooldown registry: a
// concurrent mapping from providerId.keyAlias to per-key health state. Keys
// are created at config bind, mutated only by the provider pipeline via
// ReportSuccess/ReportFailure, and destroyed on config reload.
package keypool

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
)

// Config holds backoff tuning for cooldowns.
type Config struct {
	// RateLimitBackoff is the base cooldown for 429s, doubled per consecutive
	// error up to 2^6.
	RateLimitBackoff time.Duration
	// ServerErrorBackoff is the (smaller) base cooldown for 5xx and network
	// failures.
	ServerErrorBackoff time.Duration
	// PenaltyBump is added to the selection penalty on each failure.
	PenaltyBump float64
	// PenaltyDecay is subtracted (floor 0) on each success.
	PenaltyDecay float64
}

// DefaultConfig returns sensible backoff defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitBackoff:   10 * time.Second,
		ServerErrorBackoff: 2 * time.Second,
		PenaltyBump:        1.0,
		PenaltyDecay:       0.5,
	}
}

// Persister receives write-through state snapshots. Implementations must be
// safe for concurrent use; errors are logged, never propagated to callers.
type Persister interface {
	AppendSnapshot(keys []gateway.KeyStatus) error
}

// key is one credential's state behind its own mutex. Hold time in every
// operation is constant work.
type key struct {
	mu     sync.Mutex
	status gateway.KeyStatus
}

// Registry is the process-wide credential pool. The outer map is written only
// at Bind; per-key mutation happens under each key's own lock.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]*key

	cfg     Config
	persist Persister
	observe func(providerID, state string)
	now     func() time.Time
}

// New returns an empty registry with the given backoff config.
func New(cfg Config) *Registry {
	return &Registry{
		keys: make(map[string]*key),
		cfg:  cfg,
		now:  time.Now,
	}
}

// SetPersister installs the write-through persistence hook.
func (r *Registry) SetPersister(p Persister) { r.persist = p }

// SetObserver installs a callback invoked on every key state transition,
// with the provider id and the new state name.
func (r *Registry) SetObserver(obs func(providerID, state string)) { r.observe = obs }

// Bind replaces the key set with one key per providerId.alias pair.
// Existing state for vanished keys is dropped; surviving refs keep their
// runtime state (runtime wins over config on rebind).
func (r *Registry) Bind(providers map[string][]AliasTier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*key, len(r.keys))
	for providerID, aliases := range providers {
		for _, at := range aliases {
			ref := providerID + "." + at.Alias
			if existing, ok := r.keys[ref]; ok {
				existing.mu.Lock()
				existing.status.PriorityTier = at.Tier
				// Blacklists hold until config reload; a rebind is that reload.
				if existing.status.State == gateway.KeyBlacklisted {
					existing.status.State = gateway.KeyHealthy
					existing.status.StateName = gateway.KeyHealthy.String()
					existing.status.ConsecutiveErrors = 0
				}
				existing.mu.Unlock()
				next[ref] = existing
				continue
			}
			next[ref] = &key{status: gateway.KeyStatus{
				ProviderID:   providerID,
				Alias:        at.Alias,
				State:        gateway.KeyHealthy,
				StateName:    gateway.KeyHealthy.String(),
				PriorityTier: at.Tier,
			}}
		}
	}
	r.keys = next
}

// AliasTier pairs a key alias with its configured priority tier.
type AliasTier struct {
	Alias string
	Tier  int
}

func (r *Registry) get(ref string) *key {
	r.mu.RLock()
	k := r.keys[ref]
	r.mu.RUnlock()
	return k
}

// Snapshot returns a point-in-time ordered list of the provider's eligible
// keys: blacklisted keys are excluded, cooling keys whose cooldown has not
// expired are excluded, and the rest sort by priority tier ascending, then
// selection penalty ascending, then alias. Round-robin among the equal head
// group is applied by the router's per-pool cursor.
func (r *Registry) Snapshot(providerID string) []gateway.KeyStatus {
	now := r.now()

	r.mu.RLock()
	candidates := make([]*key, 0, 8)
	for _, k := range r.keys {
		if k.status.ProviderID == providerID {
			candidates = append(candidates, k)
		}
	}
	r.mu.RUnlock()

	out := make([]gateway.KeyStatus, 0, len(candidates))
	for _, k := range candidates {
		k.mu.Lock()
		st := k.status
		// A cooling key whose cooldown has lapsed becomes selectable again;
		// the state flips back to healthy lazily on snapshot.
		if st.State == gateway.KeyCooling && !st.CooldownUntil.After(now) {
			k.status.State = gateway.KeyHealthy
			k.status.StateName = gateway.KeyHealthy.String()
			k.status.CooldownUntil = time.Time{}
			st = k.status
		}
		k.mu.Unlock()

		if st.State != gateway.KeyHealthy {
			continue
		}
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityTier != out[j].PriorityTier {
			return out[i].PriorityTier < out[j].PriorityTier
		}
		if out[i].SelectionPenalty != out[j].SelectionPenalty {
			return out[i].SelectionPenalty < out[j].SelectionPenalty
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}

// Eligible reports whether the given key exists and may be selected now.
func (r *Registry) Eligible(ref string) bool {
	k := r.get(ref)
	if k == nil {
		return false
	}
	now := r.now()
	k.mu.Lock()
	defer k.mu.Unlock()
	switch k.status.State {
	case gateway.KeyHealthy:
		return true
	case gateway.KeyCooling:
		return !k.status.CooldownUntil.After(now)
	default:
		return false
	}
}

// Status returns a copy of the key's current state.
func (r *Registry) Status(ref string) (gateway.KeyStatus, bool) {
	k := r.get(ref)
	if k == nil {
		return gateway.KeyStatus{}, false
	}
	k.mu.Lock()
	st := k.status
	k.mu.Unlock()
	return st, true
}

// All returns a copy of every key's state, ordered by ref, for persistence
// and health reporting.
func (r *Registry) All() []gateway.KeyStatus {
	r.mu.RLock()
	out := make([]gateway.KeyStatus, 0, len(r.keys))
	for _, k := range r.keys {
		k.mu.Lock()
		out = append(out, k.status)
		k.mu.Unlock()
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}

// ReportSuccess marks the key healthy, resets failure counters and decays
// the selection penalty.
func (r *Registry) ReportSuccess(ref string) {
	k := r.get(ref)
	if k == nil {
		return
	}
	k.mu.Lock()
	prev := k.status.State
	k.status.State = gateway.KeyHealthy
	k.status.StateName = gateway.KeyHealthy.String()
	k.status.FailureCount = 0
	k.status.ConsecutiveErrors = 0
	k.status.LastErrorCode = 0
	k.status.CooldownUntil = time.Time{}
	k.status.SelectionPenalty = max(0, k.status.SelectionPenalty-r.cfg.PenaltyDecay)
	providerID := k.status.ProviderID
	k.mu.Unlock()

	if prev != gateway.KeyHealthy {
		r.notify(providerID, gateway.KeyHealthy)
	}
	r.flush()
}

// ReportFailure applies the failure table for the observed error kind:
//
//	rateLimited  -> cooling, max(retryAfter, base*2^min(consec,6)), bump penalty
//	serverError  -> same with the smaller base backoff
//	authError    -> blacklisted until config reload, alert logged
//	clientError  -> counters only, no state change
func (r *Registry) ReportFailure(ref string, kind gateway.ErrorKind, statusCode int, retryAfter time.Duration) {
	k := r.get(ref)
	if k == nil {
		return
	}
	now := r.now()

	k.mu.Lock()
	prev := k.status.State
	k.status.FailureCount++
	k.status.LastErrorCode = statusCode

	switch kind {
	case gateway.KindRateLimited, gateway.KindServerError:
		base := r.cfg.RateLimitBackoff
		if kind == gateway.KindServerError {
			base = r.cfg.ServerErrorBackoff
		}
		backoff := base << min(k.status.ConsecutiveErrors, 6)
		if retryAfter > backoff {
			backoff = retryAfter
		}
		k.status.ConsecutiveErrors++
		k.status.State = gateway.KeyCooling
		k.status.StateName = gateway.KeyCooling.String()
		k.status.CooldownUntil = now.Add(backoff)
		k.status.SelectionPenalty += r.cfg.PenaltyBump
	case gateway.KindAuthError:
		k.status.ConsecutiveErrors++
		k.status.State = gateway.KeyBlacklisted
		k.status.StateName = gateway.KeyBlacklisted.String()
		k.status.CooldownUntil = time.Time{}
	default:
		// Client errors are the caller's fault, not the key's.
	}
	st := k.status
	k.mu.Unlock()

	if st.State != prev {
		r.notify(st.ProviderID, st.State)
	}
	if kind == gateway.KindAuthError {
		slog.Error("provider key blacklisted until reload",
			"key", ref, "status", statusCode)
	} else if st.State == gateway.KeyCooling {
		slog.Warn("provider key cooling",
			"key", ref, "status", statusCode, "until", st.CooldownUntil)
	}
	r.flush()
}

func (r *Registry) notify(providerID string, state gateway.KeyState) {
	if r.observe != nil {
		r.observe(providerID, state.String())
	}
}

// Hydrate applies persisted state to matching keys. Runtime state wins on
// conflict, so hydration only touches keys still in their zero state.
func (r *Registry) Hydrate(states []gateway.KeyStatus) {
	now := r.now()
	for _, st := range states {
		k := r.get(st.ProviderID + "." + st.Alias)
		if k == nil {
			continue
		}
		k.mu.Lock()
		if k.status.State == gateway.KeyHealthy && k.status.FailureCount == 0 {
			k.status.SelectionPenalty = st.SelectionPenalty
			k.status.FailureCount = st.FailureCount
			k.status.ConsecutiveErrors = st.ConsecutiveErrors
			k.status.LastErrorCode = st.LastErrorCode
			// Expired cooldowns and stale blacklists do not survive restart.
			if st.State == gateway.KeyCooling && st.CooldownUntil.After(now) {
				k.status.State = gateway.KeyCooling
				k.status.StateName = gateway.KeyCooling.String()
				k.status.CooldownUntil = st.CooldownUntil
			}
		}
		k.mu.Unlock()
	}
}

func (r *Registry) flush() {
	if r.persist == nil {
		return
	}
	if err := r.persist.AppendSnapshot(r.All()); err != nil {
		slog.Error("keypool: persist snapshot", "error", err)
	}
}

// SetNow overrides the clock for tests.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }
