package cloudstack

import (
	gocontext "context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RuleLoader lists the IP forwarding rules of a virtual machine.
type RuleLoader func(ctx gocontext.Context, vmID ID) ([]IPForwardingRule, error)

// RuleCache indexes IP forwarding rules by virtual machine id. It is a
// convenience index, not a source of truth: entries are written after the
// rules were created and may be stale if that write never happened. Misses
// are filled from the loader, one load per id at a time.
type RuleCache struct {
	mu    sync.RWMutex
	rules map[ID][]IPForwardingRule

	load  RuleLoader
	loads singleflight.Group
}

func NewRuleCache(load RuleLoader) *RuleCache {
	return &RuleCache{
		rules: map[ID][]IPForwardingRule{},
		load:  load,
	}
}

// Get returns the cached rules for vmID, loading them on a miss.
func (rc *RuleCache) Get(ctx gocontext.Context, vmID ID) ([]IPForwardingRule, error) {
	rc.mu.RLock()
	rules, ok := rc.rules[vmID]
	rc.mu.RUnlock()
	if ok || rc.load == nil {
		return rules, nil
	}

	v, err, _ := rc.loads.Do(string(vmID), func() (interface{}, error) {
		loaded, err := rc.load(ctx, vmID)
		if err != nil {
			return nil, err
		}
		rc.Put(vmID, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]IPForwardingRule), nil
}

// Put records the rules for vmID, replacing any previous entry.
func (rc *RuleCache) Put(vmID ID, rules []IPForwardingRule) {
	cp := make([]IPForwardingRule, len(rules))
	copy(cp, rules)

	rc.mu.Lock()
	rc.rules[vmID] = cp
	rc.mu.Unlock()
}

func (rc *RuleCache) Invalidate(vmID ID) {
	rc.mu.Lock()
	delete(rc.rules, vmID)
	rc.mu.Unlock()
}

func (rc *RuleCache) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.rules)
}
