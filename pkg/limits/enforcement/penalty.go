package enforcement

import (
	"sync"
	"sync/atomic"
	"time"
)

// PenaltyBox tracks keys that are refused before their counters are looked
// at: keys serving a penalty after a violation, and keys blocked by an
// administrator.
//
// Lookups are lock-free, and when the box is empty a lookup is a single
// atomic load.
type PenaltyBox struct {
	penalties sync.Map // key -> time.Time (expiry)
	blocked   sync.Map // key -> struct{}
	size      atomic.Int64
}

// NewPenaltyBox creates an empty penalty box.
func NewPenaltyBox() *PenaltyBox {
	return &PenaltyBox{}
}

// Check reports whether key is held at now. Expired penalties are removed.
func (p *PenaltyBox) Check(key string, now time.Time) (Hold, bool) {
	if p.size.Load() == 0 {
		return Hold{}, false
	}
	if _, ok := p.blocked.Load(key); ok {
		return Hold{Manual: true}, true
	}
	v, ok := p.penalties.Load(key)
	if !ok {
		return Hold{}, false
	}
	until := v.(time.Time)
	if !now.Before(until) {
		if p.penalties.CompareAndDelete(key, v) {
			p.size.Add(-1)
		}
		return Hold{}, false
	}
	return Hold{Until: until}, true
}

// Penalize holds key until now+d. An existing longer penalty is kept.
func (p *PenaltyBox) Penalize(key string, now time.Time, d time.Duration) time.Time {
	until := now.Add(d)
	for {
		v, loaded := p.penalties.LoadOrStore(key, until)
		if !loaded {
			p.size.Add(1)
			return until
		}
		current := v.(time.Time)
		if !until.After(current) {
			return current
		}
		if p.penalties.CompareAndSwap(key, v, until) {
			return until
		}
	}
}

// Block holds key until Unblock is called.
func (p *PenaltyBox) Block(key string) {
	if _, loaded := p.blocked.LoadOrStore(key, struct{}{}); !loaded {
		p.size.Add(1)
	}
}

// Unblock lifts a manual block and any penalty on key. Returns false if key
// was not held.
func (p *PenaltyBox) Unblock(key string) bool {
	released := false
	if _, ok := p.blocked.LoadAndDelete(key); ok {
		p.size.Add(-1)
		released = true
	}
	if _, ok := p.penalties.LoadAndDelete(key); ok {
		p.size.Add(-1)
		released = true
	}
	return released
}

// Sweep removes expired penalties and returns how many were removed.
func (p *PenaltyBox) Sweep(now time.Time) int {
	removed := 0
	p.penalties.Range(func(k, v any) bool {
		if !now.Before(v.(time.Time)) && p.penalties.CompareAndDelete(k, v) {
			p.size.Add(-1)
			removed++
		}
		return true
	})
	return removed
}

// Blocked returns the manually blocked keys.
func (p *PenaltyBox) Blocked() []string {
	var keys []string
	p.blocked.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

// Len returns the number of held keys, expired penalties included until
// they are swept.
func (p *PenaltyBox) Len() int {
	return int(p.size.Load())
}
