package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Resolver computes effective limit rules from the current snapshot.
//
// Reads are lock-free: callers load one snapshot pointer and resolve against
// it. Writers (Swap and the admin operations) are serialized and publish a
// complete new snapshot. Runtime admin changes are kept in a separate layer and reapplied
// on every Swap, so a configuration reload does not undo them.
type Resolver struct {
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger

	mu    sync.Mutex
	base  *Snapshot
	admin adminLayer
}

// adminLayer holds runtime changes. A nil override rule marks a removed
// configured override.
type adminLayer struct {
	overrides map[string]map[LimitType]*LimitRule
	tiers     map[string]string
}

// NewResolver creates a resolver publishing snap.
func NewResolver(snap *Snapshot, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		logger: logger.With("component", "limits.policy"),
		base:   snap,
		admin: adminLayer{
			overrides: make(map[string]map[LimitType]*LimitRule),
			tiers:     make(map[string]string),
		},
	}
	r.current.Store(snap)
	return r
}

// Snapshot returns the published snapshot.
func (r *Resolver) Snapshot() *Snapshot {
	return r.current.Load()
}

// Version returns the version of the configured policy document.
func (r *Resolver) Version() string {
	return r.current.Load().Version
}

// Swap replaces the configured policy document. A snapshot with the current
// version is ignored and Swap returns false.
func (r *Resolver) Swap(snap *Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.base != nil && r.base.Version == snap.Version {
		return false
	}

	previous := ""
	if r.base != nil {
		previous = r.base.Version
	}
	r.base = snap
	r.publishLocked()

	r.logger.Info("policy snapshot swapped", "previous_version", previous, "version", snap.Version)
	return true
}

// SetOverride installs a runtime override for target and limit type. It
// replaces any configured override for the same pair.
func (r *Resolver) SetOverride(target string, lt LimitType, rule LimitRule) error {
	if !lt.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownLimitType, lt)
	}
	if target == "" {
		return fmt.Errorf("override target cannot be empty")
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.admin.overrides[target]
	if m == nil {
		m = make(map[LimitType]*LimitRule)
		r.admin.overrides[target] = m
	}
	stored := rule
	m[lt] = &stored
	r.publishLocked()

	r.logger.Info("override set", "target", target, "limit_type", lt,
		"requests_per_minute", rule.RequestsPerMinute)
	return nil
}

// RemoveOverride removes the override for target and limit type, whether it
// was set at runtime or configured. It reports whether one was in effect.
func (r *Resolver) RemoveOverride(target string, lt LimitType) (bool, error) {
	if !lt.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownLimitType, lt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.current.Load().Overrides[target][lt]

	m := r.admin.overrides[target]
	if _, configured := r.base.Overrides[target][lt]; configured {
		if m == nil {
			m = make(map[LimitType]*LimitRule)
			r.admin.overrides[target] = m
		}
		m[lt] = nil
	} else if m != nil {
		delete(m, lt)
		if len(m) == 0 {
			delete(r.admin.overrides, target)
		}
	}
	r.publishLocked()

	if existed {
		r.logger.Info("override removed", "target", target, "limit_type", lt)
	}
	return existed, nil
}

// AssignTier assigns userID to tier at runtime. An empty tier removes the
// assignment.
func (r *Resolver) AssignTier(userID, tier string) error {
	if userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if tier == "" {
		delete(r.admin.tiers, userID)
	} else {
		if _, ok := r.base.Tiers[tier]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
		}
		r.admin.tiers[userID] = tier
	}
	r.publishLocked()

	r.logger.Info("tier assigned", "user_id", userID, "tier", tier)
	return nil
}

func (r *Resolver) publishLocked() {
	r.current.Store(r.base.withAdmin(&r.admin))
}

// Resolve computes the effective rule for q against this snapshot.
func (s *Snapshot) Resolve(q Query) Resolution {
	if s.IsBypassed(Subject{UserID: q.UserID, IP: q.IP}) {
		return Resolution{Rule: BypassRule, Tier: q.Tier, Source: SourceBypass}
	}

	if rule, ok := s.override(q); ok {
		return Resolution{Rule: rule, Tier: q.Tier, Source: SourceOverride}
	}

	res := Resolution{Source: SourceBase}

	rule, ok := s.Limits[q.Type]
	if !ok {
		rule = DefaultRule
	}

	tier, ok := s.tierOrDefault(q.Tier)
	if ok {
		res.Tier = tier.Name
		rule = rule.Scale(tier.Multiplier)
		if tierRule, ok := tier.Rules[q.Type]; ok {
			rule = tierRule.Scale(tier.Multiplier)
			res.Source = SourceTier
		}
	}

	if len(s.TimeWindows) > 0 {
		now := q.Now
		if s.Location != nil {
			now = now.In(s.Location)
		}
		for _, w := range s.TimeWindows {
			if w.AppliesTo(q.Type) && w.Contains(now) {
				rule = rule.Scale(w.Multiplier)
				res.Windows = append(res.Windows, w.Name)
			}
		}
	}

	res.Rule = rule
	return res
}

// override looks up a per-target override, then a per-user one.
func (s *Snapshot) override(q Query) (LimitRule, bool) {
	if q.Target != "" {
		if rule, ok := s.Overrides[q.Target][q.Type]; ok {
			return rule, true
		}
	}
	if q.UserID != "" && q.UserID != q.Target {
		if rule, ok := s.Overrides[q.UserID][q.Type]; ok {
			return rule, true
		}
	}
	return LimitRule{}, false
}

// TierFor returns the effective tier of a request. A runtime assignment
// wins. Otherwise the configured user tier and the requested tier compete by
// priority, the configured one winning ties. Unknown tiers are ignored and
// the default tier is the last resort.
func (s *Snapshot) TierFor(userID, requested string) string {
	if userID != "" {
		if tier, ok := s.AssignedTiers[userID]; ok {
			if _, known := s.Tiers[tier]; known {
				return tier
			}
		}
	}

	best, bestPriority, found := "", 0, false
	if userID != "" {
		if name, ok := s.UserTiers[userID]; ok {
			if tier, known := s.Tiers[name]; known {
				best, bestPriority, found = name, tier.Priority, true
			}
		}
	}
	if tier, known := s.Tiers[requested]; known && requested != "" {
		if !found || tier.Priority > bestPriority {
			best, found = requested, true
		}
	}
	if found {
		return best
	}
	if _, ok := s.Tiers[s.DefaultTier]; ok {
		return s.DefaultTier
	}
	return FallbackTier
}

// IsBypassed reports whether subj matches a bypass condition.
func (s *Snapshot) IsBypassed(subj Subject) bool {
	for _, c := range s.Bypass {
		if Match(c, subj, s.Admins) {
			return true
		}
	}
	return false
}
