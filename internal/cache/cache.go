// Package cache provides in-memory keyed storage for market and position snapshots.
package cache

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lumetrade/streamcore/internal/observability"
	"github.com/lumetrade/streamcore/internal/schema"
)

// ChangeKind identifies which map a change landed in.
type ChangeKind string

const (
	// ChangeAsset marks a merged price update or primed asset.
	ChangeAsset ChangeKind = "asset"
	// ChangePosition marks a merged position update or primed position.
	ChangePosition ChangeKind = "position"
)

// Change notifies watchers that an entity was created or merged.
type Change struct {
	Kind ChangeKind
	ID   string
}

// Watcher receives change notifications after each successful merge.
type Watcher func(Change)

// Cache stores the latest known snapshot per asset and position id.
//
// Entities are created only by Prime/PrimePositions (initial REST fetch);
// a push update referencing an unknown id is a no-op. Each map follows a
// single-writer policy guarded by its own mutex. Updates carry no sequence
// numbers, so two updates for the same id resolve last-applied-wins; a push
// racing a concurrent REST snapshot for the same entity has the same
// last-write-wins resolution.
type Cache struct {
	assetsMu sync.RWMutex
	assets   map[string]schema.Asset

	positionsMu sync.RWMutex
	positions   map[string]schema.Position

	watchMu  sync.RWMutex
	watchers map[string]Watcher
}

// New constructs an empty cache.
func New() *Cache {
	c := new(Cache)
	c.assets = make(map[string]schema.Asset)
	c.positions = make(map[string]schema.Position)
	c.watchers = make(map[string]Watcher)
	return c
}

// Prime installs asset snapshots wholesale, overwriting any existing entries.
func (c *Cache) Prime(assets []schema.Asset) {
	c.assetsMu.Lock()
	for _, a := range assets {
		if a.ID == "" {
			continue
		}
		c.assets[a.ID] = a
	}
	c.assetsMu.Unlock()
	for _, a := range assets {
		if a.ID == "" {
			continue
		}
		c.notify(Change{Kind: ChangeAsset, ID: a.ID})
	}
}

// PrimePositions installs position snapshots wholesale, overwriting any existing entries.
func (c *Cache) PrimePositions(positions []schema.Position) {
	c.positionsMu.Lock()
	for _, p := range positions {
		if p.ID == "" {
			continue
		}
		c.positions[p.ID] = p
	}
	c.positionsMu.Unlock()
	for _, p := range positions {
		if p.ID == "" {
			continue
		}
		c.notify(Change{Kind: ChangePosition, ID: p.ID})
	}
}

// ApplyPriceUpdate merges a price push into the matching asset. It reports
// whether a merge happened; an unknown asset id leaves the cache untouched.
func (c *Cache) ApplyPriceUpdate(u schema.PriceUpdate) bool {
	c.assetsMu.Lock()
	a, ok := c.assets[u.AssetID]
	if !ok {
		c.assetsMu.Unlock()
		observability.Telemetry().IncCounter("cache_orphan_updates_total", 1, map[string]string{"kind": string(ChangeAsset)})
		return false
	}
	a.Price = u.Price
	a.Change24h = u.Change24h
	a.ChangePercent24h = u.ChangePercent24h
	a.Volume24h = u.Volume24h
	a.UpdatedAt = u.Timestamp
	c.assets[u.AssetID] = a
	c.assetsMu.Unlock()

	observability.Telemetry().IncCounter("cache_merges_total", 1, map[string]string{"kind": string(ChangeAsset)})
	c.notify(Change{Kind: ChangeAsset, ID: u.AssetID})
	return true
}

// ApplyPositionUpdate merges a position push into the matching position. It
// reports whether a merge happened; an unknown position id leaves the cache untouched.
func (c *Cache) ApplyPositionUpdate(u schema.PositionUpdate) bool {
	c.positionsMu.Lock()
	p, ok := c.positions[u.PositionID]
	if !ok {
		c.positionsMu.Unlock()
		observability.Telemetry().IncCounter("cache_orphan_updates_total", 1, map[string]string{"kind": string(ChangePosition)})
		return false
	}
	p.CurrentValue = u.CurrentValue
	p.UnrealizedPnL = u.UnrealizedPnL
	p.UnrealizedPnLPercent = u.UnrealizedPnLPercent
	p.UpdatedAt = u.Timestamp
	c.positions[u.PositionID] = p
	c.positionsMu.Unlock()

	observability.Telemetry().IncCounter("cache_merges_total", 1, map[string]string{"kind": string(ChangePosition)})
	c.notify(Change{Kind: ChangePosition, ID: u.PositionID})
	return true
}

// Asset returns a copy of the asset snapshot for id.
func (c *Cache) Asset(id string) (schema.Asset, bool) {
	c.assetsMu.RLock()
	defer c.assetsMu.RUnlock()
	a, ok := c.assets[id]
	return a, ok
}

// Assets returns copies of all asset snapshots ordered by id.
func (c *Cache) Assets() []schema.Asset {
	c.assetsMu.RLock()
	out := make([]schema.Asset, 0, len(c.assets))
	for _, a := range c.assets {
		out = append(out, a)
	}
	c.assetsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Position returns a copy of the position snapshot for id.
func (c *Cache) Position(id string) (schema.Position, bool) {
	c.positionsMu.RLock()
	defer c.positionsMu.RUnlock()
	p, ok := c.positions[id]
	return p, ok
}

// Positions returns copies of all position snapshots ordered by id.
func (c *Cache) Positions() []schema.Position {
	c.positionsMu.RLock()
	out := make([]schema.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	c.positionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of cached assets and positions.
func (c *Cache) Len() (assets, positions int) {
	c.assetsMu.RLock()
	assets = len(c.assets)
	c.assetsMu.RUnlock()
	c.positionsMu.RLock()
	positions = len(c.positions)
	c.positionsMu.RUnlock()
	return assets, positions
}

// Watch registers a change watcher and returns its cancel handle. Watchers
// fire after the merge completes, outside the entity locks.
func (c *Cache) Watch(fn Watcher) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	id := uuid.NewString()
	c.watchMu.Lock()
	c.watchers[id] = fn
	c.watchMu.Unlock()
	return func() {
		c.watchMu.Lock()
		delete(c.watchers, id)
		c.watchMu.Unlock()
	}
}

func (c *Cache) notify(change Change) {
	c.watchMu.RLock()
	watchers := make([]Watcher, 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.watchMu.RUnlock()
	for _, fn := range watchers {
		fn(change)
	}
}
