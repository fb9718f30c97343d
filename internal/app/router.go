// Package app implements application-level services for the Switchyard
// gateway: the virtual router engine and the dispatch (retry) controller.
package app

import (
	"sync"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/config"
	"github.com/switchyardio/switchyard/internal/keypool"
)

// VirtualRouter chooses a (provider, model, keyAlias) target for a classified
// request, honoring credential health from the key pool and rotating among
// equal-priority keys per pool.
type VirtualRouter struct {
	cfg  *config.Config
	pool *keypool.Registry

	mu      sync.Mutex
	cursors map[string]uint64 // per-pool round-robin position
}

// NewVirtualRouter returns a router over the given config and key pool.
func NewVirtualRouter(cfg *config.Config, pool *keypool.Registry) *VirtualRouter {
	return &VirtualRouter{cfg: cfg, pool: pool, cursors: make(map[string]uint64)}
}

// candidate is one selectable (target, key) pair.
type candidate struct {
	target config.Target
	key    gateway.KeyStatus
}

// Select picks one eligible target for the classification, excluding the
// given keyRefs (used by the retry controller to rotate away from keys that
// just failed). The per-pool cursor advances atomically on every successful
// selection, yielding round-robin among equal-priority healthy keys.
func (vr *VirtualRouter) Select(cls gateway.Classification, exclude map[string]bool) (*gateway.RoutingDecision, error) {
	route := cls.Route
	pool := string(route)

	targets, err := vr.cfg.PoolTargets(route)
	if err != nil || len(targets) == 0 {
		// Fall back to the default pool; it always exists after config bind.
		route = gateway.RouteDefault
		pool = string(gateway.RouteDefault)
		targets, err = vr.cfg.PoolTargets(route)
		if err != nil {
			return nil, gateway.Wrap(gateway.KindNoHealthyUpstream, err, "default pool missing")
		}
	}

	// Build the eligible candidate list in target order, snapshotting each
	// provider once. Snapshots are point-in-time and not retained.
	snapshots := make(map[string][]gateway.KeyStatus)
	fullSnapshot := make([]gateway.KeyStatus, 0, 8)
	var candidates []candidate
	for _, t := range targets {
		snap, ok := snapshots[t.ProviderID]
		if !ok {
			snap = vr.pool.Snapshot(t.ProviderID)
			snapshots[t.ProviderID] = snap
			fullSnapshot = append(fullSnapshot, snap...)
		}
		for _, k := range snap {
			if t.KeyAlias != "" && k.Alias != t.KeyAlias {
				continue
			}
			if exclude[k.Ref()] {
				continue
			}
			candidates = append(candidates, candidate{target: t, key: k})
		}
	}
	if len(candidates) == 0 {
		return nil, gateway.E(gateway.KindNoHealthyUpstream, "no eligible key in pool %q", pool)
	}

	// Collect the head group: all candidates tied with the best
	// (priorityTier, selectionPenalty), in candidate order.
	best := candidates[0].key
	for _, c := range candidates[1:] {
		if c.key.PriorityTier < best.PriorityTier ||
			(c.key.PriorityTier == best.PriorityTier && c.key.SelectionPenalty < best.SelectionPenalty) {
			best = c.key
		}
	}
	var head []candidate
	for _, c := range candidates {
		if c.key.PriorityTier == best.PriorityTier && c.key.SelectionPenalty == best.SelectionPenalty {
			head = append(head, c)
		}
	}

	vr.mu.Lock()
	cursor := vr.cursors[pool]
	vr.cursors[pool] = cursor + 1
	vr.mu.Unlock()

	chosen := head[cursor%uint64(len(head))]

	return &gateway.RoutingDecision{
		Route:      route,
		Pool:       pool,
		ProviderID: chosen.target.ProviderID,
		Model:      chosen.target.Model,
		KeyAlias:   chosen.key.Alias,
		Snapshot:   fullSnapshot,
		Confidence: cls.Confidence,
		Reasons:    cls.Reasons,
	}, nil
}

// StillEligible reports whether the decision's key may be reused as-is
// (tool loop continuations re-enter with the same key when possible).
func (vr *VirtualRouter) StillEligible(d *gateway.RoutingDecision) bool {
	return vr.pool.Eligible(d.KeyRef())
}
