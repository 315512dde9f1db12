package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"mercator-hq/throttle/pkg/config"
)

// Snapshot is an immutable, compiled policy document. Nothing mutates a
// snapshot after it is published; changes build a new one.
type Snapshot struct {
	// Version is a content hash of the policy document. Two snapshots built
	// from equal documents have equal versions.
	Version string

	DefaultTier string
	Location    *time.Location

	Limits      map[LimitType]LimitRule
	Tiers       map[string]Tier
	TimeWindows []TimeWindow
	Overrides   map[string]map[LimitType]LimitRule
	UserTiers   map[string]string

	// AssignedTiers holds runtime tier assignments. They win over UserTiers
	// and the tier carried by the request.
	AssignedTiers map[string]string

	Bypass []Condition
	Admins map[string]struct{}
}

// FromConfig validates and compiles a policy document.
func FromConfig(cfg *config.LimitsConfig) (*Snapshot, error) {
	if errs := config.ValidateLimits(cfg, 0); len(errs) > 0 {
		return nil, config.ValidationError{Errors: errs}
	}

	version, err := documentVersion(cfg)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("failed to load time zone %q: %w", cfg.Timezone, err)
		}
	}

	defaultTier := cfg.DefaultTier
	if defaultTier == "" {
		defaultTier = FallbackTier
	}

	snap := &Snapshot{
		Version:       version,
		DefaultTier:   defaultTier,
		Location:      loc,
		Limits:        make(map[LimitType]LimitRule, len(cfg.Rules)),
		Tiers:         make(map[string]Tier, len(cfg.Tiers)),
		Overrides:     make(map[string]map[LimitType]LimitRule, len(cfg.Overrides)),
		UserTiers:     make(map[string]string, len(cfg.UserTiers)),
		AssignedTiers: map[string]string{},
		Admins:        make(map[string]struct{}, len(cfg.Bypass.Admins)),
	}

	for lt, rc := range cfg.Rules {
		snap.Limits[LimitType(lt)] = RuleFromConfig(rc)
	}

	for name, tc := range cfg.Tiers {
		tier := Tier{
			Name:       name,
			Multiplier: tc.Multiplier,
			Priority:   tc.Priority,
			Rules:      make(map[LimitType]LimitRule, len(tc.Rules)),
		}
		if tier.Multiplier == 0 {
			tier.Multiplier = 1
		}
		for lt, rc := range tc.Rules {
			tier.Rules[LimitType(lt)] = RuleFromConfig(rc)
		}
		snap.Tiers[name] = tier
	}

	names := make([]string, 0, len(cfg.TimeWindows))
	for name := range cfg.TimeWindows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := windowFromConfig(name, cfg.TimeWindows[name])
		if err != nil {
			return nil, err
		}
		snap.TimeWindows = append(snap.TimeWindows, w)
	}

	for target, rules := range cfg.Overrides {
		m := make(map[LimitType]LimitRule, len(rules))
		for lt, rc := range rules {
			m[LimitType(lt)] = RuleFromConfig(rc)
		}
		snap.Overrides[target] = m
	}

	for user, tier := range cfg.UserTiers {
		snap.UserTiers[user] = tier
	}

	for _, admin := range cfg.Bypass.Admins {
		snap.Admins[admin] = struct{}{}
	}

	hasAdminCondition := false
	for _, cc := range cfg.Bypass.Conditions {
		c, err := ParseCondition(cc)
		if err != nil {
			return nil, err
		}
		if _, ok := c.(InAdminList); ok {
			hasAdminCondition = true
		}
		snap.Bypass = append(snap.Bypass, c)
	}
	// An admin list always bypasses.
	if len(snap.Admins) > 0 && !hasAdminCondition {
		snap.Bypass = append(snap.Bypass, InAdminList{})
	}

	return snap, nil
}

// withAdmin returns a copy of s with the runtime layer applied. Override
// entries with a nil rule remove the configured override.
func (s *Snapshot) withAdmin(a *adminLayer) *Snapshot {
	if a == nil || (len(a.overrides) == 0 && len(a.tiers) == 0) {
		return s
	}

	out := *s
	out.Overrides = make(map[string]map[LimitType]LimitRule, len(s.Overrides)+len(a.overrides))
	for target, rules := range s.Overrides {
		m := make(map[LimitType]LimitRule, len(rules))
		for lt, r := range rules {
			m[lt] = r
		}
		out.Overrides[target] = m
	}
	for target, rules := range a.overrides {
		for lt, r := range rules {
			m := out.Overrides[target]
			if r == nil {
				delete(m, lt)
				if len(m) == 0 {
					delete(out.Overrides, target)
				}
				continue
			}
			if m == nil {
				m = make(map[LimitType]LimitRule)
				out.Overrides[target] = m
			}
			m[lt] = *r
		}
	}

	out.AssignedTiers = make(map[string]string, len(a.tiers))
	for user, tier := range a.tiers {
		out.AssignedTiers[user] = tier
	}
	return &out
}

// tierOrDefault returns the named tier, then the default tier, then the
// fallback tier. ok is false when none exists.
func (s *Snapshot) tierOrDefault(name string) (Tier, bool) {
	if t, ok := s.Tiers[name]; ok {
		return t, true
	}
	if t, ok := s.Tiers[s.DefaultTier]; ok {
		return t, true
	}
	t, ok := s.Tiers[FallbackTier]
	return t, ok
}

// RuleFromConfig converts a configured rule. A zero weight becomes 1.
func RuleFromConfig(rc config.LimitRuleConfig) LimitRule {
	weight := rc.Weight
	if weight == 0 {
		weight = 1
	}
	return LimitRule{
		RequestsPerMinute: rc.RequestsPerMinute,
		RequestsPerHour:   rc.RequestsPerHour,
		RequestsPerDay:    rc.RequestsPerDay,
		BurstAllowance:    rc.BurstAllowance,
		PenaltyDuration:   time.Duration(rc.PenaltyDurationSeconds) * time.Second,
		Weight:            weight,
	}
}

// RuleConfig converts a rule back into its configuration form.
func RuleConfig(r LimitRule) config.LimitRuleConfig {
	return config.LimitRuleConfig{
		RequestsPerMinute:      r.RequestsPerMinute,
		RequestsPerHour:        r.RequestsPerHour,
		RequestsPerDay:         r.RequestsPerDay,
		BurstAllowance:         r.BurstAllowance,
		PenaltyDurationSeconds: int(r.PenaltyDuration / time.Second),
		Weight:                 r.Weight,
	}
}

func windowFromConfig(name string, wc config.TimeWindowConfig) (TimeWindow, error) {
	start, err := config.ParseClock(wc.StartTime)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("time window %q: %w", name, err)
	}
	end, err := config.ParseClock(wc.EndTime)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("time window %q: %w", name, err)
	}

	w := TimeWindow{
		Name:       name,
		Start:      start,
		End:        end,
		Multiplier: wc.Multiplier,
		Active:     wc.IsActive(),
	}
	for _, d := range wc.DaysOfWeek {
		w.Days |= 1 << uint(d)
	}
	for _, lt := range wc.LimitTypes {
		w.Types = append(w.Types, LimitType(lt))
	}
	return w, nil
}

func documentVersion(cfg *config.LimitsConfig) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to hash policy document: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}
