package limits

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/throttle/pkg/config"
	"mercator-hq/throttle/pkg/limits/distributed"
	"mercator-hq/throttle/pkg/limits/enforcement"
	"mercator-hq/throttle/pkg/limits/metrics"
	"mercator-hq/throttle/pkg/limits/policy"
	"mercator-hq/throttle/pkg/limits/ratelimit"
	"mercator-hq/throttle/pkg/limits/storage"
)

var base = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// testLimits returns a defaulted policy document: ip 60/min with burst 5,
// user 50/min, tool 10/min, and a gold tier at 1.5x.
func testLimits() *config.LimitsConfig {
	cfg := &config.Config{
		Limits: config.LimitsConfig{
			Rules: map[string]config.LimitRuleConfig{
				"ip":   {RequestsPerMinute: 60, RequestsPerHour: 1000, BurstAllowance: 5},
				"user": {RequestsPerMinute: 50, RequestsPerHour: 1000},
				"tool": {RequestsPerMinute: 10, RequestsPerHour: 600},
			},
			Tiers: map[string]config.TierConfig{
				"bronze": {Multiplier: 1.0},
				"gold":   {Multiplier: 1.5, Priority: 10},
			},
		},
	}
	config.ApplyDefaults(cfg)
	return &cfg.Limits
}

func newTestTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	if cfg.Policy == nil {
		snap, err := policy.FromConfig(testLimits())
		if err != nil {
			t.Fatalf("policy.FromConfig failed: %v", err)
		}
		cfg.Policy = snap
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return base }
	}
	if cfg.MaxClockSkew == 0 {
		// Scenarios replay timestamps ahead of the fixed clock.
		cfg.MaxClockSkew = 2 * time.Minute
	}
	tracker, err := NewTracker(cfg)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

// fakeCounter is a scripted distributed counter.
type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
	panics bool
	calls  int
	keys   [][]string
}

func (f *fakeCounter) RecordAndCountBatch(_ context.Context, keys []string, _ time.Time, _, _ time.Duration) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, keys)
	if f.panics {
		panic("counter exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]int, len(keys))
	for i, k := range keys {
		out[i] = f.counts[k]
	}
	return out, nil
}

// ==================================================================
// Local decisions
// ==================================================================

func TestTrackRequest_BurstAllowance(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	allowed, denied := 0, 0
	for i := 0; i < 100; i++ {
		dec := tracker.TrackRequest(ctx, RequestDescriptor{
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			IP:        "1.2.3.4",
		})
		if dec.Allowed {
			if denied > 0 {
				t.Fatalf("request %d allowed after a denial", i+1)
			}
			allowed++
			continue
		}
		denied++
		if dec.DeniedDimension != DimensionIP {
			t.Errorf("Expected denied dimension ip, got %q", dec.DeniedDimension)
		}
		if dec.RetryAfterSeconds < 1 {
			t.Errorf("Expected retry after >= 1, got %d", dec.RetryAfterSeconds)
		}
	}

	if allowed != 65 {
		t.Errorf("Expected 65 allowed, got %d", allowed)
	}
	if denied != 35 {
		t.Errorf("Expected 35 denied, got %d", denied)
	}

	stats := tracker.GetStats()
	if stats.TotalRequests != 100 || stats.BlockedRequests != 35 {
		t.Errorf("Expected 100 total / 35 blocked, got %d / %d", stats.TotalRequests, stats.BlockedRequests)
	}
	if got := stats.PerDimension[DimensionIP]; got.Requests != 100 || got.Blocked != 35 || got.ActiveKeys != 1 {
		t.Errorf("Unexpected ip stats: %+v", got)
	}
}

func TestTrackRequest_TokenBucketBurst(t *testing.T) {
	tracker := newTestTracker(t, Config{BurstMode: ratelimit.BurstTokenBucket})
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 100; i++ {
		dec := tracker.TrackRequest(ctx, RequestDescriptor{
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			IP:        "1.2.3.4",
		})
		if dec.Allowed {
			allowed++
		}
	}

	// 60 under the rate plus 5 bucket tokens; refill over 10s adds < 1 token.
	if allowed != 65 {
		t.Errorf("Expected 65 allowed, got %d", allowed)
	}
}

func TestTrackRequest_WindowSlides(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	for i := 0; i < 65; i++ {
		tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4"})
	}
	if dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4"}); dec.Allowed {
		t.Fatal("Expected request 66 to be denied")
	}

	later := base.Add(61 * time.Second)
	dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: later, IP: "1.2.3.4"})
	if !dec.Allowed {
		t.Errorf("Expected request after the window to be allowed, got %q", dec.Reason)
	}
	if dec.Checks[0].Usage.Minute != 1 {
		t.Errorf("Expected minute usage 1, got %d", dec.Checks[0].Usage.Minute)
	}
	if dec.Checks[0].Usage.Hour != 67 {
		t.Errorf("Expected hour usage 67, got %d", dec.Checks[0].Usage.Hour)
	}
}

func TestTrackRequest_ANDSemantics(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	// Distinct IPs and users keep those dimensions far below their limits.
	var last Decision
	for i := 0; i < 11; i++ {
		last = tracker.TrackRequest(ctx, RequestDescriptor{
			Timestamp: base,
			IP:        fmt.Sprintf("10.0.0.%d", i),
			UserID:    fmt.Sprintf("user-%d", i),
			ToolName:  "heavy_tool",
		})
		if i < 10 && !last.Allowed {
			t.Fatalf("request %d denied early: %s", i+1, last.Reason)
		}
	}

	if last.Allowed {
		t.Fatal("Expected 11th tool call to be denied")
	}
	if last.DeniedDimension != DimensionTool {
		t.Errorf("Expected denied dimension tool, got %q", last.DeniedDimension)
	}
	if len(last.Checks) != 3 {
		t.Fatalf("Expected 3 checks, got %d", len(last.Checks))
	}
	if !last.Checks[0].Allowed || !last.Checks[1].Allowed || last.Checks[2].Allowed {
		t.Errorf("Expected ip and user allowed and tool denied, got %+v", last.Checks)
	}
}

func TestTrackRequest_FirstDenyingDimensionReported(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	if err := tracker.SetOverride("1.2.3.4", DimensionIP, policy.LimitRule{RequestsPerMinute: 1, RequestsPerHour: 10, Weight: 1}); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if err := tracker.SetOverride("u1", DimensionUser, policy.LimitRule{RequestsPerMinute: 1, RequestsPerHour: 10, Weight: 1}); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}

	d := RequestDescriptor{Timestamp: base, IP: "1.2.3.4", UserID: "u1"}
	tracker.TrackRequest(ctx, d)
	dec := tracker.TrackRequest(ctx, d)

	if dec.Allowed {
		t.Fatal("Expected second request to be denied")
	}
	if dec.DeniedDimension != DimensionIP {
		t.Errorf("Expected ip reported first, got %q", dec.DeniedDimension)
	}
	// Every populated dimension is still recorded.
	if got := tracker.GetStats().PerDimension[DimensionUser].Blocked; got != 1 {
		t.Errorf("Expected user dimension to record 1 block, got %d", got)
	}
}

func TestTrackRequest_AnonymousNeverDeniedOnUser(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		dec := tracker.TrackRequest(ctx, RequestDescriptor{
			Timestamp: base,
			IP:        fmt.Sprintf("10.1.%d.%d", i/250, i%250),
			ToolName:  fmt.Sprintf("tool-%d", i%50),
		})
		if dec.DeniedDimension == DimensionUser {
			t.Fatalf("anonymous request %d denied on user dimension", i)
		}
		for _, c := range dec.Checks {
			if c.Dimension == DimensionUser {
				t.Fatalf("anonymous request %d evaluated the user dimension", i)
			}
		}
	}

	if got := tracker.GetStats().PerDimension[DimensionUser].Requests; got != 0 {
		t.Errorf("Expected no user requests, got %d", got)
	}
}

func TestTrackRequest_EmptyDescriptorAllowed(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	dec := tracker.TrackRequest(context.Background(), RequestDescriptor{})
	if !dec.Allowed {
		t.Errorf("Expected empty descriptor to be allowed, got %q", dec.Reason)
	}
	if len(dec.Checks) != 0 {
		t.Errorf("Expected no checks, got %d", len(dec.Checks))
	}
	if dec.Tier != "bronze" {
		t.Errorf("Expected default tier bronze, got %q", dec.Tier)
	}
}

func TestTrackRequest_ToolScope(t *testing.T) {
	tests := []struct {
		name     string
		scope    ToolScope
		expected bool
	}{
		{"global scope shares the tool counter", ToolScopeGlobal, false},
		{"caller scope keeps one counter per caller", ToolScopeCaller, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker(t, Config{ToolScope: tt.scope})
			ctx := context.Background()

			for i := 0; i < 10; i++ {
				tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, UserID: "alice", ToolName: "search"})
			}
			dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, UserID: "bob", ToolName: "search"})
			if dec.Allowed != tt.expected {
				t.Errorf("Expected allowed=%v, got %v (%s)", tt.expected, dec.Allowed, dec.Reason)
			}
		})
	}
}

func TestTrackRequest_RequestWeight(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	rule := policy.LimitRule{RequestsPerMinute: 10, RequestsPerHour: 100, Weight: 5}
	if err := tracker.SetOverride("expensive", DimensionTool, rule); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}

	d := RequestDescriptor{Timestamp: base, ToolName: "expensive"}
	if dec := tracker.TrackRequest(ctx, d); !dec.Allowed {
		t.Fatal("Expected first weighted call to be allowed")
	}
	if dec := tracker.TrackRequest(ctx, d); !dec.Allowed {
		t.Fatal("Expected second weighted call to be allowed")
	}
	dec := tracker.TrackRequest(ctx, d)
	if dec.Allowed {
		t.Fatal("Expected third weighted call to be denied")
	}
	if dec.Checks[0].Usage.Minute != 15 {
		t.Errorf("Expected minute usage 15, got %d", dec.Checks[0].Usage.Minute)
	}
}

// ==================================================================
// Policy
// ==================================================================

func TestTrackRequest_TierMultiplier(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	if err := tracker.AssignTier("u1", "gold"); err != nil {
		t.Fatalf("AssignTier failed: %v", err)
	}

	dec := tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: base, UserID: "u1"})
	if dec.Tier != "gold" {
		t.Errorf("Expected tier gold, got %q", dec.Tier)
	}
	if got := dec.Checks[0].Rule.RequestsPerMinute; got != 75 {
		t.Errorf("Expected 75 requests per minute, got %d", got)
	}
	if dec.Checks[0].Source != policy.SourceBase {
		t.Errorf("Expected source base, got %q", dec.Checks[0].Source)
	}

	if err := tracker.AssignTier("u1", "platinum"); !errors.Is(err, policy.ErrUnknownTier) {
		t.Errorf("Expected ErrUnknownTier, got %v", err)
	}
}

func TestTrackRequest_TenantTierFromCredentials(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	dec := tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: base, UserID: "u2", TenantTier: "gold"})
	if dec.Tier != "gold" {
		t.Errorf("Expected tier gold, got %q", dec.Tier)
	}

	dec = tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: base, UserID: "u3", TenantTier: "unknown"})
	if dec.Tier != "bronze" {
		t.Errorf("Expected unknown tier to fall back to bronze, got %q", dec.Tier)
	}
}

func TestTrackRequest_Bypass(t *testing.T) {
	cfg := testLimits()
	cfg.Bypass = config.BypassConfig{
		Conditions: []config.ConditionConfig{{Type: "user_prefix", Value: "svc-"}},
	}
	snap, err := policy.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	counter := &fakeCounter{}
	// A full counter never denies a bypassed identity.
	tracker := newTestTracker(t, Config{Policy: snap, Counter: counter, MaxSamples: 100})
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, UserID: "svc-indexer", IP: "10.9.9.9"})
		if !dec.Allowed {
			t.Fatalf("bypassed request %d denied: %s", i+1, dec.Reason)
		}
	}
	if counter.calls != 0 {
		t.Errorf("Expected bypassed requests to skip the distributed vote, got %d calls", counter.calls)
	}
}

func TestTracker_Resolve(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	res, err := tracker.Resolve(DimensionTool, RequestDescriptor{ToolName: "heavy_tool", TenantTier: "gold"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Rule.RequestsPerMinute != 15 {
		t.Errorf("Expected 15 requests per minute, got %d", res.Rule.RequestsPerMinute)
	}
	if _, err := tracker.Resolve("geo", RequestDescriptor{}); !errors.Is(err, ErrUnknownDimension) {
		t.Errorf("Expected ErrUnknownDimension, got %v", err)
	}
	if got := tracker.GetStats().TotalRequests; got != 0 {
		t.Errorf("Expected Resolve not to record, got %d requests", got)
	}
}

// ==================================================================
// Enforcement
// ==================================================================

func TestTrackRequest_ScaledTierAboveMaxSamples(t *testing.T) {
	cfg := testLimits()
	for _, lt := range config.LimitTypes {
		cfg.Rules[lt] = config.LimitRuleConfig{RequestsPerMinute: 80, RequestsPerHour: 80, Weight: 1}
	}
	cfg.Tiers["gold"] = config.TierConfig{Multiplier: 2}
	snap, err := policy.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	tracker := newTestTracker(t, Config{Policy: snap, MaxSamples: 100})
	ctx := context.Background()

	allowed := 0
	var last Decision
	for i := 0; i < 400; i++ {
		last = tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, UserID: "u1", TenantTier: "gold"})
		if last.Allowed {
			allowed++
		}
	}

	// The gold threshold is 160, but the counter holds 100 samples: once
	// full its real count is unknown and the request is denied.
	if allowed != 99 {
		t.Errorf("Expected 99 allowed before the counter saturates, got %d", allowed)
	}
	if last.DeniedDimension != DimensionUser {
		t.Errorf("Expected user denial, got %q", last.DeniedDimension)
	}
	if last.RetryAfterSeconds != 60 {
		t.Errorf("Expected retry after the oldest sample leaves the minute, got %d", last.RetryAfterSeconds)
	}
}

func TestTracker_ReloadRejectsScaledThresholds(t *testing.T) {
	tracker := newTestTracker(t, Config{MaxSamples: 100})
	version := tracker.Version()

	cfg := testLimits()
	for _, lt := range config.LimitTypes {
		cfg.Rules[lt] = config.LimitRuleConfig{RequestsPerMinute: 80, RequestsPerHour: 80, Weight: 1}
	}
	cfg.Tiers["gold"] = config.TierConfig{Multiplier: 2}

	if _, err := tracker.Reload(cfg); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("Expected ErrConfigInvalid, got %v", err)
	}
	if tracker.Version() != version {
		t.Error("Expected the rejected document to leave the policy unchanged")
	}
}

func TestTrackRequest_FutureTimestampUsesClock(t *testing.T) {
	var now atomic.Int64
	now.Store(base.UnixNano())
	tracker := newTestTracker(t, Config{
		Clock:         func() time.Time { return time.Unix(0, now.Load()).UTC() },
		MaxClockSkew:  5 * time.Second,
		SweepInterval: -1,
		KeyTTL:        time.Hour,
	})
	ctx := context.Background()

	dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base.Add(365 * 24 * time.Hour), ToolName: "search"})
	if !dec.Allowed {
		t.Fatalf("Expected first request to be allowed, got %q", dec.Reason)
	}

	// 5/min against the 10/min tool limit.
	denied := 0
	for i := 1; i <= 150; i++ {
		ts := base.Add(time.Duration(i) * 12 * time.Second)
		now.Store(ts.UnixNano())
		if !tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: ts, ToolName: "search"}).Allowed {
			denied++
		}
	}
	if denied != 0 {
		t.Errorf("Expected no denials at half the limit, got %d of 150", denied)
	}

	if n := tracker.stores[DimensionTool].Sweep(base.Add(48 * time.Hour)); n != 1 {
		t.Errorf("Expected the idle tool key to be swept, removed %d", n)
	}
}

func TestTrackRequest_TimestampWithinSkewKept(t *testing.T) {
	tracker := newTestTracker(t, Config{MaxClockSkew: 5 * time.Second})

	ts := base.Add(3 * time.Second)
	tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: ts, IP: "1.2.3.4"})

	var samples []int64
	tracker.stores[DimensionIP].Lookup("1.2.3.4", func(e *storage.Entry) {
		samples = e.Window.Samples()
	})
	if len(samples) != 1 || samples[0] != ts.UnixNano() {
		t.Errorf("Expected one sample at +3s, got %v", samples)
	}
}

func TestTrackRequest_PenaltyHoldsKey(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	rule := policy.LimitRule{RequestsPerMinute: 2, RequestsPerHour: 100, PenaltyDuration: 30 * time.Second, Weight: 1}
	if err := tracker.SetOverride("1.2.3.4", DimensionIP, rule); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}

	d := func(offset time.Duration) RequestDescriptor {
		return RequestDescriptor{Timestamp: base.Add(offset), IP: "1.2.3.4"}
	}

	tracker.TrackRequest(ctx, d(0))
	tracker.TrackRequest(ctx, d(time.Second))
	dec := tracker.TrackRequest(ctx, d(2*time.Second))
	if dec.Allowed {
		t.Fatal("Expected third request to be denied")
	}
	if dec.RetryAfterSeconds != 30 {
		t.Errorf("Expected retry after 30s, got %d", dec.RetryAfterSeconds)
	}

	dec = tracker.TrackRequest(ctx, d(10*time.Second))
	if dec.Allowed {
		t.Fatal("Expected request during penalty to be denied")
	}
	if !dec.Checks[0].Held {
		t.Error("Expected check to report a hold")
	}
	if dec.RetryAfterSeconds != 22 {
		t.Errorf("Expected retry after 22s, got %d", dec.RetryAfterSeconds)
	}

	dec = tracker.TrackRequest(ctx, d(61*time.Second))
	if !dec.Allowed {
		t.Errorf("Expected request after penalty and window to be allowed, got %q", dec.Reason)
	}
}

func TestTracker_BlockAndUnblockKey(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()
	d := RequestDescriptor{Timestamp: base, IP: "1.2.3.4", UserID: "mallory"}

	if err := tracker.BlockKey("user:mallory"); err != nil {
		t.Fatalf("BlockKey failed: %v", err)
	}

	dec := tracker.TrackRequest(ctx, d)
	if dec.Allowed {
		t.Fatal("Expected blocked user to be denied")
	}
	if dec.DeniedDimension != DimensionUser {
		t.Errorf("Expected denied dimension user, got %q", dec.DeniedDimension)
	}
	if dec.RetryAfterSeconds != 60 {
		t.Errorf("Expected retry after 60s, got %d", dec.RetryAfterSeconds)
	}
	if keys := tracker.BlockedKeys(); len(keys) != 1 || keys[0] != "user:mallory" {
		t.Errorf("Expected [user:mallory], got %v", keys)
	}
	if got := tracker.GetStats().HeldKeys; got != 1 {
		t.Errorf("Expected 1 held key, got %d", got)
	}

	removed, err := tracker.UnblockKey("user:mallory")
	if err != nil || !removed {
		t.Fatalf("Expected UnblockKey to remove the block, got %v, %v", removed, err)
	}
	if dec := tracker.TrackRequest(ctx, d); !dec.Allowed {
		t.Errorf("Expected unblocked user to be allowed, got %q", dec.Reason)
	}
}

func TestTracker_BlockToolNameHoldsCallerScopedKeys(t *testing.T) {
	tracker := newTestTracker(t, Config{ToolScope: ToolScopeCaller})

	if err := tracker.BlockKey("tool:search"); err != nil {
		t.Fatalf("BlockKey failed: %v", err)
	}
	dec := tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: base, UserID: "alice", ToolName: "search"})
	if dec.Allowed || dec.DeniedDimension != DimensionTool {
		t.Errorf("Expected tool block to apply to caller-scoped key, got %+v", dec)
	}
}

func TestTracker_KeyValidation(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	tests := []struct {
		key      string
		expected error
	}{
		{"nocolon", ErrInvalidKey},
		{"ip:", ErrInvalidKey},
		{"geo:fr", ErrUnknownDimension},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if err := tracker.BlockKey(tt.key); !errors.Is(err, tt.expected) {
				t.Errorf("BlockKey: expected %v, got %v", tt.expected, err)
			}
			if _, err := tracker.UnblockKey(tt.key); !errors.Is(err, tt.expected) {
				t.Errorf("UnblockKey: expected %v, got %v", tt.expected, err)
			}
			if _, err := tracker.ResetKey(tt.key); !errors.Is(err, tt.expected) {
				t.Errorf("ResetKey: expected %v, got %v", tt.expected, err)
			}
		})
	}

	if err := tracker.SetOverride("x", "geo", policy.DefaultRule); !errors.Is(err, ErrUnknownDimension) {
		t.Errorf("SetOverride: expected ErrUnknownDimension, got %v", err)
	}
	if _, err := tracker.RemoveOverride("x", "geo"); !errors.Is(err, ErrUnknownDimension) {
		t.Errorf("RemoveOverride: expected ErrUnknownDimension, got %v", err)
	}
}

func TestTracker_ResetKey(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	for i := 0; i < 66; i++ {
		tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4"})
	}

	reset, err := tracker.ResetKey("ip:1.2.3.4")
	if err != nil || !reset {
		t.Fatalf("Expected ResetKey to drop the key, got %v, %v", reset, err)
	}
	if dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4"}); !dec.Allowed {
		t.Errorf("Expected reset key to be allowed, got %q", dec.Reason)
	}
}

func TestTrackRequest_ShadowMode(t *testing.T) {
	tracker := newTestTracker(t, Config{Action: enforcement.ActionAlert})
	ctx := context.Background()

	shadowed := 0
	for i := 0; i < 70; i++ {
		dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4"})
		if !dec.Allowed {
			t.Fatalf("request %d denied in shadow mode", i+1)
		}
		if dec.Shadowed {
			shadowed++
			if dec.DeniedDimension != "" || dec.RetryAfterSeconds != 0 {
				t.Errorf("Expected shadowed decision without denial fields, got %+v", dec)
			}
		}
	}

	if shadowed != 5 {
		t.Errorf("Expected 5 shadowed requests, got %d", shadowed)
	}
	stats := tracker.GetStats()
	if stats.ShadowedRequests != 5 || stats.BlockedRequests != 0 {
		t.Errorf("Expected 5 shadowed / 0 blocked, got %d / %d", stats.ShadowedRequests, stats.BlockedRequests)
	}
}

// ==================================================================
// Capacity and concurrency
// ==================================================================

func TestTracker_CapacityBound(t *testing.T) {
	tracker := newTestTracker(t, Config{MaxKeys: 1000})
	ctx := context.Background()

	for i := 0; i < 1500; i++ {
		tracker.TrackRequest(ctx, RequestDescriptor{
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			IP:        fmt.Sprintf("10.%d.%d.%d", i/65536, (i/256)%256, i%256),
		})
		if n := tracker.GetStats().ActiveKeys; n > 1000 {
			t.Fatalf("active keys %d exceed capacity after %d requests", n, i+1)
		}
	}

	stats := tracker.GetStats()
	if stats.ActiveKeys > 1000 {
		t.Errorf("Expected at most 1000 active keys, got %d", stats.ActiveKeys)
	}
	if ev := stats.PerDimension[DimensionIP].Evictions; ev < 500 {
		t.Errorf("Expected at least 500 evictions, got %d", ev)
	}
}

func TestTrackRequest_ConcurrentSameKey(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4"}).Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 65 {
		t.Errorf("Expected exactly 65 allowed, got %d", got)
	}
	if got := tracker.GetStats().TotalRequests; got != 1000 {
		t.Errorf("Expected 1000 total requests, got %d", got)
	}
}

// ==================================================================
// Distributed vote
// ==================================================================

func TestTrackRequest_DistributedVoteDenies(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"ip:1.2.3.4": 66}}
	tracker := newTestTracker(t, Config{Counter: counter})

	dec := tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: base, IP: "1.2.3.4", ToolName: "search"})
	if dec.Allowed {
		t.Fatal("Expected distributed count above threshold to deny")
	}
	if dec.DeniedDimension != DimensionIP {
		t.Errorf("Expected denied dimension ip, got %q", dec.DeniedDimension)
	}
	if dec.Checks[0].Distributed != 66 {
		t.Errorf("Expected distributed count 66, got %d", dec.Checks[0].Distributed)
	}
	if dec.Degraded {
		t.Error("Expected a healthy vote")
	}
	if dec.RetryAfterSeconds != 60 {
		t.Errorf("Expected retry after the 60s shared window, got %d", dec.RetryAfterSeconds)
	}
	if len(counter.keys) != 1 || len(counter.keys[0]) != 2 || counter.keys[0][1] != "tool:search" {
		t.Errorf("Unexpected vote keys: %v", counter.keys)
	}
}

func TestTrackRequest_DistributedVoteAllows(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"ip:1.2.3.4": 65}}
	tracker := newTestTracker(t, Config{Counter: counter})

	dec := tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: base, IP: "1.2.3.4"})
	if !dec.Allowed {
		t.Errorf("Expected count at threshold to be allowed, got %q", dec.Reason)
	}
}

func TestTrackRequest_DistributedFailureDropsVote(t *testing.T) {
	tests := []struct {
		name    string
		counter *fakeCounter
	}{
		{"error", &fakeCounter{err: distributed.ErrDegraded, counts: map[string]int{"ip:1.2.3.4": 1000}}},
		{"panic", &fakeCounter{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker(t, Config{Counter: tt.counter})

			dec := tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: base, IP: "1.2.3.4"})
			if !dec.Allowed {
				t.Errorf("Expected local decision to stand, got %q", dec.Reason)
			}
			if !dec.Degraded {
				t.Error("Expected decision to be degraded")
			}
			if got := tracker.GetStats().DistributedFallbacks; got != 1 {
				t.Errorf("Expected 1 fallback, got %d", got)
			}
		})
	}
}

func TestTrackRequest_UnreachableRedis(t *testing.T) {
	counter, err := distributed.New(distributed.Config{
		URL:     "redis://127.0.0.1:1",
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("distributed.New failed: %v", err)
	}
	defer counter.Close()

	tracker := newTestTracker(t, Config{Counter: counter})
	ctx := context.Background()

	start := time.Now()
	allowed := 0
	for i := 0; i < 70; i++ {
		dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4"})
		if dec.Allowed {
			allowed++
			if !dec.Degraded {
				t.Fatalf("request %d: expected degraded decision", i+1)
			}
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected decisions within the local timeout, took %v", elapsed)
	}

	// Only the local ip dimension decides.
	if allowed != 65 {
		t.Errorf("Expected 65 allowed, got %d", allowed)
	}
	if stats := tracker.GetStats(); stats.DistributedFallbacks != 65 {
		t.Errorf("Expected 65 fallbacks, got %d", stats.DistributedFallbacks)
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := tracker.PingDistributed(pingCtx); err == nil {
		t.Error("Expected ping to fail against an unreachable server")
	}
}

func TestTracker_PingDistributedWithoutCounter(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	if err := tracker.PingDistributed(context.Background()); err != nil {
		t.Errorf("Expected nil without a counter, got %v", err)
	}
}

func TestDistributedThreshold(t *testing.T) {
	rule := policy.LimitRule{RequestsPerMinute: 60, RequestsPerHour: 1000, RequestsPerDay: 5000, BurstAllowance: 5}

	tests := []struct {
		window   time.Duration
		expected int
	}{
		{30 * time.Second, 65},
		{time.Minute, 65},
		{time.Hour, 1000},
		{24 * time.Hour, 5000},
	}

	for _, tt := range tests {
		if got := distributedThreshold(rule, tt.window); got != tt.expected {
			t.Errorf("window %v: expected %d, got %d", tt.window, tt.expected, got)
		}
	}

	rule.RequestsPerDay = 0
	if got := distributedThreshold(rule, 24*time.Hour); got != 1000 {
		t.Errorf("Expected hourly fallback 1000, got %d", got)
	}
}

// ==================================================================
// Reload
// ==================================================================

func TestTracker_Reload(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	before := tracker.Version()

	cfg := testLimits()
	changed, err := tracker.Reload(cfg)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if changed {
		t.Error("Expected reloading the same document to be a no-op")
	}

	cfg.Rules["ip"] = config.LimitRuleConfig{RequestsPerMinute: 1, RequestsPerHour: 10, Weight: 1}
	changed, err = tracker.Reload(cfg)
	if err != nil || !changed {
		t.Fatalf("Expected reload to change the policy, got %v, %v", changed, err)
	}
	if tracker.Version() == before {
		t.Error("Expected a new version")
	}

	ctx := context.Background()
	tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "5.5.5.5"})
	if dec := tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "5.5.5.5"}); dec.Allowed {
		t.Error("Expected the reloaded rule to apply")
	}
}

func TestTracker_ReloadInvalidKeepsPolicy(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	before := tracker.Version()

	cfg := testLimits()
	cfg.Rules["ip"] = config.LimitRuleConfig{RequestsPerMinute: 100, RequestsPerHour: 10, Weight: 1}

	changed, err := tracker.Reload(cfg)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("Expected ErrConfigInvalid, got %v", err)
	}
	var verr config.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Expected a config.ValidationError, got %T", err)
	}
	if changed || tracker.Version() != before {
		t.Error("Expected the previous policy to be kept")
	}
}

func TestTracker_ApplyConfigKeepsAdminChanges(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	if err := tracker.AssignTier("u1", "gold"); err != nil {
		t.Fatalf("AssignTier failed: %v", err)
	}

	cfg := &config.Config{Limits: *testLimits()}
	cfg.Limits.Rules["user"] = config.LimitRuleConfig{RequestsPerMinute: 40, RequestsPerHour: 1000, Weight: 1}
	tracker.ApplyConfig(cfg)

	dec := tracker.TrackRequest(context.Background(), RequestDescriptor{Timestamp: base, UserID: "u1"})
	if dec.Tier != "gold" {
		t.Errorf("Expected runtime tier to survive reload, got %q", dec.Tier)
	}
	if got := dec.Checks[0].Rule.RequestsPerMinute; got != 60 {
		t.Errorf("Expected 40 * 1.5 = 60, got %d", got)
	}
}

func TestTracker_ReloadIsIdempotent(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	descriptors := []RequestDescriptor{
		{IP: "1.2.3.4"},
		{UserID: "u1", TenantTier: "gold"},
		{ToolName: "heavy_tool"},
	}
	resolve := func() []policy.Resolution {
		var out []policy.Resolution
		for _, d := range descriptors {
			for _, dim := range Dimensions {
				res, err := tracker.Resolve(dim, d)
				if err != nil {
					t.Fatalf("Resolve failed: %v", err)
				}
				out = append(out, res)
			}
		}
		return out
	}

	before := resolve()
	if _, err := tracker.Reload(testLimits()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	after := resolve()

	for i := range before {
		if before[i].Rule != after[i].Rule || before[i].Tier != after[i].Tier || before[i].Source != after[i].Source {
			t.Errorf("resolution %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

// ==================================================================
// Snapshots, metrics and lifecycle
// ==================================================================

func TestTracker_SaveAndRestoreCounters(t *testing.T) {
	backend, err := storage.NewSQLiteBackend(filepath.Join(t.TempDir(), "counters.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	// Registered first so it closes after both trackers.
	t.Cleanup(func() { backend.Close() })
	ctx := context.Background()

	first := newTestTracker(t, Config{Backend: backend})
	for i := 0; i < 10; i++ {
		first.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4", UserID: "u1"})
	}
	saved, err := first.SaveCounters(ctx)
	if err != nil {
		t.Fatalf("SaveCounters failed: %v", err)
	}
	if saved != 2 {
		t.Errorf("Expected 2 entries saved, got %d", saved)
	}

	second := newTestTracker(t, Config{Backend: backend})
	restored, err := second.RestoreCounters(ctx)
	if err != nil {
		t.Fatalf("RestoreCounters failed: %v", err)
	}
	if restored != 2 {
		t.Errorf("Expected 2 entries restored, got %d", restored)
	}

	dec := second.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4"})
	if got := dec.Checks[0].Usage.Minute; got != 11 {
		t.Errorf("Expected restored minute usage 11, got %d", got)
	}
}

func TestTracker_CountersWithoutBackend(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	if n, err := tracker.SaveCounters(context.Background()); n != 0 || err != nil {
		t.Errorf("Expected no-op save, got %d, %v", n, err)
	}
	if n, err := tracker.RestoreCounters(context.Background()); n != 0 || err != nil {
		t.Errorf("Expected no-op restore, got %d, %v", n, err)
	}
}

func TestTracker_NotifiesSink(t *testing.T) {
	sink, err := metrics.NewSink(metrics.Config{})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	tracker := newTestTracker(t, Config{Sink: sink})
	ctx := context.Background()

	for i := 0; i < 66; i++ {
		tracker.TrackRequest(ctx, RequestDescriptor{Timestamp: base, IP: "1.2.3.4", ToolName: fmt.Sprintf("t%d", i)})
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	snap := sink.Snapshot()
	if snap.Total != 66 {
		t.Errorf("Expected 66 events, got %d", snap.Total)
	}
	if snap.Blocked != 1 {
		t.Errorf("Expected 1 blocked, got %d", snap.Blocked)
	}
	if got := snap.PerDimension["ip"]; got.Requests != 66 || got.Blocked != 1 {
		t.Errorf("Expected ip 66/1, got %+v", got)
	}
	if got := snap.PerDimension["tool"]; got.Requests != 66 || got.Blocked != 0 {
		t.Errorf("Expected tool 66/0, got %+v", got)
	}
}

func TestNewTracker_Validation(t *testing.T) {
	snap, err := policy.FromConfig(testLimits())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing policy", Config{}},
		{"unknown burst mode", Config{Policy: snap, BurstMode: "leaky"}},
		{"unknown tool scope", Config{Policy: snap, ToolScope: "tenant"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTracker(tt.cfg); !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("Expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestTracker_CloseIsIdempotent(t *testing.T) {
	snap, err := policy.FromConfig(testLimits())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	tracker, err := NewTracker(Config{Policy: snap})
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}

	if err := tracker.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestParseKey(t *testing.T) {
	dim, id, err := ParseKey("tool:search@alice")
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if dim != DimensionTool || id != "search@alice" {
		t.Errorf("Expected tool / search@alice, got %s / %s", dim, id)
	}
	if got := Key(DimensionIP, "::1"); got != "ip:::1" {
		t.Errorf("Expected ip:::1, got %s", got)
	}
	if _, id, err := ParseKey("ip:::1"); err != nil || id != "::1" {
		t.Errorf("Expected IPv6 identifier ::1, got %q, %v", id, err)
	}
}

func BenchmarkTrackRequest(b *testing.B) {
	snap, err := policy.FromConfig(testLimits())
	if err != nil {
		b.Fatalf("FromConfig failed: %v", err)
	}
	tracker, err := NewTracker(Config{Policy: snap})
	if err != nil {
		b.Fatalf("NewTracker failed: %v", err)
	}
	defer tracker.Close()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tracker.TrackRequest(ctx, RequestDescriptor{
				IP:       fmt.Sprintf("10.0.%d.%d", (i/256)%256, i%256),
				UserID:   "bench",
				ToolName: "search",
			})
			i++
		}
	})
}
