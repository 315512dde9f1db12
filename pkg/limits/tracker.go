package limits

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/throttle/pkg/config"
	"mercator-hq/throttle/pkg/limits/enforcement"
	"mercator-hq/throttle/pkg/limits/metrics"
	"mercator-hq/throttle/pkg/limits/policy"
	"mercator-hq/throttle/pkg/limits/ratelimit"
	"mercator-hq/throttle/pkg/limits/storage"
)

// manualBlockRetry is the retry hint given for administratively blocked keys.
const manualBlockRetry = time.Minute

const defaultMaxClockSkew = 5 * time.Second

// Counter is a cross-instance event counter. RecordAndCountBatch records one
// event per key and returns the per-key counts within window. A non-nil error
// means the counts cannot be trusted as a vote.
type Counter interface {
	RecordAndCountBatch(ctx context.Context, keys []string, now time.Time, window, ttl time.Duration) ([]int, error)
}

// EventSink receives one event per tracked request. Notify must not block.
type EventSink interface {
	Notify(e metrics.Event) bool
}

// Config configures a Tracker.
type Config struct {
	// MaxKeys bounds the live keys of each dimension.
	// Default: 100,000
	MaxKeys int

	// KeyTTL is how long an idle key is kept.
	// Default: 1 hour
	KeyTTL time.Duration

	// SweepInterval is how often idle keys and expired penalties are swept.
	// A negative value disables the background sweep.
	// Default: 5 minutes
	SweepInterval time.Duration

	// Retention and MaxSamples bound each key's counter.
	Retention  time.Duration
	MaxSamples int

	// BurstMode selects how burst_allowance is spent.
	// Default: additive
	BurstMode ratelimit.BurstMode

	// ToolScope selects how tool counters are keyed.
	// Default: global
	ToolScope ToolScope

	// Action is applied to every denial: block or alert (shadow mode).
	// Default: block
	Action enforcement.Action

	// DistributedWindow and DistributedKeyTTL parametrize the cross-instance
	// vote.
	// Default: 1 minute and 2 minutes
	DistributedWindow time.Duration
	DistributedKeyTTL time.Duration

	// SnapshotInterval is how often counters are saved to Backend.
	// Zero disables scheduled saves.
	SnapshotInterval time.Duration

	// Policy is the initial policy snapshot. Required.
	Policy *policy.Snapshot

	// Counter enables the cross-instance vote. Optional.
	Counter Counter

	// Sink receives request events. Optional.
	Sink EventSink

	// Backend persists counter snapshots. Optional.
	Backend storage.Backend

	Logger *slog.Logger

	// Clock returns the time used for requests without a timestamp.
	// Default: time.Now
	Clock func() time.Time

	// MaxClockSkew bounds how far ahead of Clock a request timestamp may
	// be. Later timestamps are replaced by Clock.
	// Default: 5 seconds
	MaxClockSkew time.Duration
}

// Tracker decides, for every request, whether it may proceed based on per-IP,
// per-user and per-tool sliding-window counters.
//
// A Tracker is safe for concurrent use. The local path never performs I/O;
// the optional distributed vote is bounded by the counter's own timeout and
// is dropped on failure.
//
// # Example
//
//	tracker, err := limits.NewTracker(limits.Config{Policy: snap})
//	if err != nil {
//	    return err
//	}
//	defer tracker.Close()
//
//	decision := tracker.TrackRequest(ctx, limits.RequestDescriptor{
//	    IP:       "203.0.113.7",
//	    UserID:   "u1",
//	    ToolName: "search",
//	})
//	if !decision.Allowed {
//	    // reject, decision.RetryAfterSeconds tells the client when to retry
//	}
type Tracker struct {
	config   Config
	resolver *policy.Resolver
	stores   map[Dimension]*storage.KeyStore
	enforcer *enforcement.Enforcer
	counter  Counter
	sink     EventSink
	backend  storage.Backend
	logger   *slog.Logger
	now      func() time.Time
	cron     *cron.Cron

	total     atomic.Int64
	blocked   atomic.Int64
	shadowed  atomic.Int64
	fallbacks atomic.Int64
	perDim    map[Dimension]*dimensionCounters

	// closers are owned dependencies released by Close, in reverse order.
	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

type dimensionCounters struct {
	requests atomic.Int64
	blocked  atomic.Int64
}

// NewTracker creates a tracker and starts its maintenance schedule.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Policy == nil {
		return nil, fmt.Errorf("%w: policy snapshot is required", ErrConfigInvalid)
	}
	if cfg.BurstMode == "" {
		cfg.BurstMode = ratelimit.BurstAdditive
	}
	switch cfg.BurstMode {
	case ratelimit.BurstAdditive, ratelimit.BurstTokenBucket:
	default:
		return nil, fmt.Errorf("%w: unknown burst mode %q", ErrConfigInvalid, cfg.BurstMode)
	}
	if cfg.ToolScope == "" {
		cfg.ToolScope = ToolScopeGlobal
	}
	switch cfg.ToolScope {
	case ToolScopeGlobal, ToolScopeCaller:
	default:
		return nil, fmt.Errorf("%w: unknown tool scope %q", ErrConfigInvalid, cfg.ToolScope)
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = storage.DefaultSweepInterval
	}
	if cfg.DistributedWindow <= 0 {
		cfg.DistributedWindow = time.Minute
	}
	if cfg.DistributedKeyTTL < cfg.DistributedWindow {
		cfg.DistributedKeyTTL = 2 * cfg.DistributedWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = defaultMaxClockSkew
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		config:   cfg,
		resolver: policy.NewResolver(cfg.Policy, logger),
		stores:   make(map[Dimension]*storage.KeyStore, len(Dimensions)),
		enforcer: enforcement.NewEnforcer(enforcement.Config{DefaultAction: cfg.Action}),
		counter:  cfg.Counter,
		sink:     cfg.Sink,
		backend:  cfg.Backend,
		logger:   logger.With("component", "limits"),
		now:      cfg.Clock,
		perDim:   make(map[Dimension]*dimensionCounters, len(Dimensions)),
	}

	for _, dim := range Dimensions {
		t.stores[dim] = storage.NewKeyStore(storage.KeyStoreConfig{
			Name:          string(dim),
			MaxKeys:       cfg.MaxKeys,
			TTL:           cfg.KeyTTL,
			SweepInterval: cfg.SweepInterval,
			Retention:     cfg.Retention,
			MaxSamples:    cfg.MaxSamples,
			Logger:        logger,
		})
		t.perDim[dim] = &dimensionCounters{}
	}

	if err := t.schedule(); err != nil {
		t.closeStores()
		return nil, err
	}

	t.logger.Info("tracker started",
		"max_keys", cfg.MaxKeys,
		"burst_mode", cfg.BurstMode,
		"tool_scope", cfg.ToolScope,
		"action", t.enforcer.GetConfig().DefaultAction,
		"distributed", cfg.Counter != nil,
		"policy_version", cfg.Policy.Version,
	)

	return t, nil
}

func (t *Tracker) schedule() error {
	t.cron = cron.New()

	if t.config.SweepInterval > 0 {
		every := "@every " + t.config.SweepInterval.String()
		if _, err := t.cron.AddFunc(every, t.maintain); err != nil {
			return fmt.Errorf("failed to schedule maintenance: %w", err)
		}
	}

	if t.backend != nil && t.config.SnapshotInterval > 0 {
		every := "@every " + t.config.SnapshotInterval.String()
		if _, err := t.cron.AddFunc(every, func() {
			if _, err := t.SaveCounters(context.Background()); err != nil {
				t.logger.Error("scheduled counter snapshot failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule counter snapshots: %w", err)
		}
	}

	t.cron.Start()
	return nil
}

// maintain sweeps expired penalties and publishes key gauges.
func (t *Tracker) maintain() {
	now := t.now()
	if n := t.enforcer.Sweep(now); n > 0 {
		t.logger.Debug("expired penalties swept", "count", n)
	}
	if s, ok := t.sink.(*metrics.Sink); ok {
		for _, dim := range Dimensions {
			s.Collectors().SetActiveKeys(string(dim), t.stores[dim].Len())
		}
	}
}

// target is one populated dimension of a request.
type target struct {
	dim Dimension

	// name is the identifier policy is resolved against.
	name string

	// key is the counter key inside the dimension's store.
	key string
}

func (t *Tracker) targets(d RequestDescriptor) []target {
	targets := make([]target, 0, len(Dimensions))
	if d.IP != "" {
		targets = append(targets, target{dim: DimensionIP, name: d.IP, key: d.IP})
	}
	if d.UserID != "" {
		targets = append(targets, target{dim: DimensionUser, name: d.UserID, key: d.UserID})
	}
	if d.ToolName != "" {
		key := d.ToolName
		if t.config.ToolScope == ToolScopeCaller {
			caller := d.UserID
			if caller == "" {
				caller = d.IP
			}
			key = d.ToolName + "@" + caller
		}
		targets = append(targets, target{dim: DimensionTool, name: d.ToolName, key: key})
	}
	return targets
}

// TrackRequest records the request on every populated dimension and decides
// whether it may proceed. A request is denied when any dimension denies it;
// the first denying dimension is reported.
//
// TrackRequest never fails. A panic is recovered and the request is allowed
// with Degraded set.
func (t *Tracker) TrackRequest(ctx context.Context, d RequestDescriptor) (dec Decision) {
	start := time.Now()
	var deniedBy Dimension
	var evaluated []string

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("request tracking panicked, allowing request", "panic", r)
			dec = Decision{Allowed: true, Degraded: true, Tier: dec.Tier}
			deniedBy = ""
		}
		t.record(dec, deniedBy, evaluated, time.Since(start))
	}()

	now := t.requestTime(d.Timestamp)

	snap := t.resolver.Snapshot()
	dec.Tier = snap.TierFor(d.UserID, d.TenantTier)
	dec.Allowed = true

	var retry time.Duration
	for _, tg := range t.targets(d) {
		evaluated = append(evaluated, string(tg.dim))
		check, wait := t.check(snap, tg, d, dec.Tier, now)
		dec.Checks = append(dec.Checks, check)
		if !check.Allowed && dec.Allowed {
			dec.Allowed = false
			deniedBy = tg.dim
			dec.Reason = check.Reason
			retry = wait
		}
	}

	if dec.Allowed && t.counter != nil {
		if dim, reason, wait := t.vote(ctx, &dec, now); dim != "" {
			dec.Allowed = false
			deniedBy = dim
			dec.Reason = reason
			retry = wait
		}
	}

	if dec.Allowed {
		return dec
	}

	result := t.enforcer.Enforce(dec.Reason, retry)
	if result.Allowed {
		dec.Allowed = true
		dec.Shadowed = true
		dec.Reason = result.AlertMessage
		t.logger.Warn("limit exceeded in shadow mode",
			"dimension", deniedBy,
			"ip", d.IP,
			"user_id", d.UserID,
			"tool", d.ToolName,
			"reason", dec.Reason,
		)
		return dec
	}

	dec.DeniedDimension = deniedBy
	dec.RetryAfterSeconds = retrySeconds(result.RetryAfter)
	t.logger.Debug("request denied",
		"dimension", deniedBy,
		"ip", d.IP,
		"user_id", d.UserID,
		"tool", d.ToolName,
		"reason", dec.Reason,
		"retry_after_seconds", dec.RetryAfterSeconds,
	)
	return dec
}

// requestTime returns the time a request is recorded at. Timestamps further
// ahead than MaxClockSkew would pin the key's window in the future and are
// replaced by the clock.
func (t *Tracker) requestTime(ts time.Time) time.Time {
	now := t.now()
	if ts.IsZero() {
		return now
	}
	if ts.Sub(now) > t.config.MaxClockSkew {
		t.logger.Debug("request timestamp ahead of clock, using clock",
			"timestamp", ts,
			"clock", now,
		)
		return now
	}
	return ts
}

// check evaluates one dimension and returns the retry hint of a denial.
func (t *Tracker) check(snap *policy.Snapshot, tg target, d RequestDescriptor, tier string, now time.Time) (DimensionCheck, time.Duration) {
	check := DimensionCheck{Dimension: tg.dim, Key: tg.key, Allowed: true}
	t.perDim[tg.dim].requests.Add(1)

	if hold, ok := t.hold(tg, now); ok {
		check.Allowed = false
		check.Held = true
		t.perDim[tg.dim].blocked.Add(1)
		if hold.Manual {
			check.Reason = fmt.Sprintf("%s %q is blocked", tg.dim, tg.name)
			return check, manualBlockRetry
		}
		check.Reason = fmt.Sprintf("%s %q is in a penalty period", tg.dim, tg.name)
		return check, hold.Remaining(now)
	}

	res := snap.Resolve(policy.Query{
		Type:   tg.dim.LimitType(),
		Tier:   tier,
		Target: tg.name,
		UserID: d.UserID,
		IP:     d.IP,
		Now:    now,
	})
	check.Rule = res.Rule
	check.Source = res.Source

	rule := res.Rule
	limits := rule.Limits()
	cost := rule.Cost()
	tokenBucket := t.config.BurstMode == ratelimit.BurstTokenBucket && rule.BurstAllowance > 0

	var result ratelimit.CheckResult
	t.stores[tg.dim].With(tg.key, now, func(e *storage.Entry) {
		e.Window.RecordN(now, cost)
		e.TotalCount++

		var bucket *ratelimit.TokenBucket
		if tokenBucket {
			capacity := int64(rule.BurstAllowance)
			if e.Burst == nil || e.Burst.Capacity() != capacity {
				e.Burst = ratelimit.NewTokenBucket(capacity, float64(capacity)/60, now)
			}
			bucket = e.Burst
		}

		if res.Source == policy.SourceBypass {
			result = ratelimit.CheckResult{Allowed: true, Usage: ratelimit.Measure(e.Window, now)}
			return
		}
		result = ratelimit.Check(e.Window, now, limits, bucket)
		if !result.Allowed {
			e.BlockedCount++
		}
	})

	check.Usage = result.Usage
	if result.Allowed {
		return check, 0
	}

	t.perDim[tg.dim].blocked.Add(1)
	check.Allowed = false
	check.Reason = fmt.Sprintf("%s %q: %s", tg.dim, tg.name, result.Reason)

	retry := result.RetryAfter
	if rule.PenaltyDuration > 0 {
		until := t.enforcer.Penalize(Key(tg.dim, tg.key), now, rule.PenaltyDuration)
		retry = until.Sub(now)
	}
	return check, retry
}

// hold reports a penalty or manual block on the target. Manual blocks on the
// bare tool name also hold caller-scoped tool keys.
func (t *Tracker) hold(tg target, now time.Time) (enforcement.Hold, bool) {
	if h, ok := t.enforcer.Check(Key(tg.dim, tg.key), now); ok {
		return h, true
	}
	if tg.key != tg.name {
		return t.enforcer.Check(Key(tg.dim, tg.name), now)
	}
	return enforcement.Hold{}, false
}

// vote asks the distributed counter for cross-instance counts. It returns the
// denying dimension, if any. Failures drop the vote and mark the decision
// degraded.
func (t *Tracker) vote(ctx context.Context, dec *Decision, now time.Time) (denied Dimension, reason string, retry time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("distributed vote panicked, vote dropped", "panic", r)
			t.fallbacks.Add(1)
			dec.Degraded = true
			denied, reason, retry = "", "", 0
		}
	}()

	window := t.config.DistributedWindow
	keys := make([]string, 0, len(dec.Checks))
	idx := make([]int, 0, len(dec.Checks))
	for i, c := range dec.Checks {
		if c.Source == policy.SourceBypass {
			continue
		}
		keys = append(keys, Key(c.Dimension, c.Key))
		idx = append(idx, i)
	}
	if len(keys) == 0 {
		return "", "", 0
	}

	counts, err := t.counter.RecordAndCountBatch(ctx, keys, now, window, t.config.DistributedKeyTTL)
	if err != nil || len(counts) != len(keys) {
		t.fallbacks.Add(1)
		dec.Degraded = true
		t.logger.Debug("distributed vote dropped", "error", err)
		return "", "", 0
	}

	for j, i := range idx {
		c := &dec.Checks[i]
		c.Distributed = counts[j]
		threshold := distributedThreshold(c.Rule, window)
		if threshold <= 0 || counts[j] <= threshold || denied != "" {
			continue
		}
		t.perDim[c.Dimension].blocked.Add(1)
		denied = c.Dimension
		reason = fmt.Sprintf("%s %q: distributed limit exceeded (%d > %d in %s)",
			c.Dimension, c.Key, counts[j], threshold, window)
		// The oldest shared sample is unknown here; the window bounds
		// the wait.
		retry = window
	}
	return denied, reason, retry
}

// distributedThreshold picks the rule threshold matching the vote window.
func distributedThreshold(rule policy.LimitRule, window time.Duration) int {
	switch {
	case window <= time.Minute:
		return rule.RequestsPerMinute + rule.BurstAllowance
	case window <= time.Hour || rule.RequestsPerDay == 0:
		return rule.RequestsPerHour
	default:
		return rule.RequestsPerDay
	}
}

// retrySeconds rounds up to whole seconds with a floor of one.
func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func (t *Tracker) record(dec Decision, deniedBy Dimension, evaluated []string, latency time.Duration) {
	t.total.Add(1)
	switch {
	case dec.Shadowed:
		t.shadowed.Add(1)
	case !dec.Allowed:
		t.blocked.Add(1)
	}

	if t.sink == nil {
		return
	}
	t.sink.Notify(metrics.Event{
		Dimensions:      evaluated,
		DeniedDimension: string(deniedBy),
		Allowed:         dec.Allowed,
		Shadowed:        dec.Shadowed,
		Degraded:        dec.Degraded,
		Latency:         latency,
	})
}

// SetOverride installs a runtime override replacing every resolved rule of
// the dimension for target.
func (t *Tracker) SetOverride(target string, dim Dimension, rule policy.LimitRule) error {
	if !dim.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	return t.resolver.SetOverride(target, dim.LimitType(), rule)
}

// RemoveOverride removes the override of target for the dimension. It
// reports whether one was in effect.
func (t *Tracker) RemoveOverride(target string, dim Dimension) (bool, error) {
	if !dim.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	return t.resolver.RemoveOverride(target, dim.LimitType())
}

// AssignTier assigns a tier to a user at runtime. An empty tier removes the
// assignment.
func (t *Tracker) AssignTier(userID, tier string) error {
	return t.resolver.AssignTier(userID, tier)
}

// BlockKey refuses every request on key until UnblockKey. Keys have the form
// dimension:identifier.
func (t *Tracker) BlockKey(key string) error {
	dim, id, err := ParseKey(key)
	if err != nil {
		return err
	}
	t.enforcer.Block(Key(dim, id))
	t.logger.Info("key blocked", "dimension", dim, "key", id)
	return nil
}

// UnblockKey lifts a manual block or penalty. It reports whether key was held.
func (t *Tracker) UnblockKey(key string) (bool, error) {
	dim, id, err := ParseKey(key)
	if err != nil {
		return false, err
	}
	removed := t.enforcer.Unblock(Key(dim, id))
	if removed {
		t.logger.Info("key unblocked", "dimension", dim, "key", id)
	}
	return removed, nil
}

// ResetKey drops the counters of key. It reports whether the key was tracked.
func (t *Tracker) ResetKey(key string) (bool, error) {
	dim, id, err := ParseKey(key)
	if err != nil {
		return false, err
	}
	return t.stores[dim].Delete(id), nil
}

// BlockedKeys returns the manually blocked keys.
func (t *Tracker) BlockedKeys() []string {
	return t.enforcer.BlockedKeys()
}

// Resolve returns the rule a request would be evaluated against on dim,
// without recording anything.
func (t *Tracker) Resolve(dim Dimension, d RequestDescriptor) (policy.Resolution, error) {
	if !dim.Valid() {
		return policy.Resolution{}, fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	now := t.requestTime(d.Timestamp)
	snap := t.resolver.Snapshot()
	tier := snap.TierFor(d.UserID, d.TenantTier)

	name := d.IP
	switch dim {
	case DimensionUser:
		name = d.UserID
	case DimensionTool:
		name = d.ToolName
	}
	return snap.Resolve(policy.Query{
		Type:   dim.LimitType(),
		Tier:   tier,
		Target: name,
		UserID: d.UserID,
		IP:     d.IP,
		Now:    now,
	}), nil
}

// GetStats returns a point-in-time view of the tracker.
func (t *Tracker) GetStats() Stats {
	stats := Stats{
		TotalRequests:        t.total.Load(),
		BlockedRequests:      t.blocked.Load(),
		ShadowedRequests:     t.shadowed.Load(),
		PerDimension:         make(map[Dimension]DimensionStats, len(Dimensions)),
		HeldKeys:             t.enforcer.Held(),
		DistributedFallbacks: t.fallbacks.Load(),
		ConfigVersion:        t.resolver.Version(),
	}
	for _, dim := range Dimensions {
		store := t.stores[dim]
		ds := DimensionStats{
			Requests:   t.perDim[dim].requests.Load(),
			Blocked:    t.perDim[dim].blocked.Load(),
			ActiveKeys: store.Len(),
			Evictions:  store.Evictions(),
		}
		stats.PerDimension[dim] = ds
		stats.ActiveKeys += ds.ActiveKeys
	}
	return stats
}

// PingDistributed checks connectivity of the distributed counter. It returns
// nil when no counter is configured or the counter cannot be pinged.
func (t *Tracker) PingDistributed(ctx context.Context) error {
	if p, ok := t.counter.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Version returns the version of the active policy document.
func (t *Tracker) Version() string {
	return t.resolver.Version()
}

// Reload validates cfg and swaps it in. An invalid document leaves the
// current policy in place. Reload reports whether the policy changed; an
// unchanged document is a no-op.
func (t *Tracker) Reload(cfg *config.LimitsConfig) (bool, error) {
	if errs := config.ValidateLimits(cfg, t.config.MaxSamples); len(errs) > 0 {
		return false, fmt.Errorf("%w: %w", ErrConfigInvalid, config.ValidationError{Errors: errs})
	}
	snap, err := policy.FromConfig(cfg)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	return t.resolver.Swap(snap), nil
}

// ApplyConfig reloads the policy section of cfg and logs the outcome. It is
// meant for config.Loader.Subscribe. Tracker runtime settings are not hot
// reloadable.
func (t *Tracker) ApplyConfig(cfg *config.Config) {
	changed, err := t.Reload(&cfg.Limits)
	if err != nil {
		t.logger.Error("policy reload rejected", "error", err)
		return
	}
	if changed {
		t.logger.Info("policy reloaded", "version", t.resolver.Version())
	}
}

// SaveCounters writes every tracked key to the backend and removes entries
// idle past the key TTL. It returns the number of entries saved.
func (t *Tracker) SaveCounters(ctx context.Context) (int, error) {
	if t.backend == nil {
		return 0, nil
	}

	var states []*storage.EntryState
	for _, dim := range Dimensions {
		states = append(states, t.stores[dim].Export(string(dim))...)
	}
	if err := t.backend.SaveEntries(ctx, states); err != nil {
		return 0, fmt.Errorf("failed to save counters: %w", err)
	}

	ttl := t.config.KeyTTL
	if ttl <= 0 {
		ttl = storage.DefaultKeyTTL
	}
	if _, err := t.backend.Cleanup(ctx, t.now().Add(-ttl)); err != nil {
		return len(states), fmt.Errorf("failed to clean up counters: %w", err)
	}

	t.logger.Debug("counters saved", "entries", len(states))
	return len(states), nil
}

// RestoreCounters loads saved counters into the stores. It returns the number
// of entries restored.
func (t *Tracker) RestoreCounters(ctx context.Context) (int, error) {
	if t.backend == nil {
		return 0, nil
	}

	now := t.now()
	restored := 0
	for _, dim := range Dimensions {
		states, err := t.backend.LoadEntries(ctx, string(dim))
		if err != nil {
			return restored, fmt.Errorf("failed to load %s counters: %w", dim, err)
		}
		restored += t.stores[dim].Import(states, now)
	}

	t.logger.Info("counters restored", "entries", restored)
	return restored, nil
}

// Close stops the schedule, saves counters when a backend is configured and
// releases owned dependencies. Close is idempotent.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		<-t.cron.Stop().Done()

		var errs []error
		if _, err := t.SaveCounters(context.Background()); err != nil {
			errs = append(errs, err)
		}
		t.closeStores()
		for i := len(t.closers) - 1; i >= 0; i-- {
			if err := t.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

func (t *Tracker) closeStores() {
	for _, store := range t.stores {
		store.Close()
	}
}
