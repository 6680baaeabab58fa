package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/korovkin/limiter"
	"github.com/pkg/errors"

	"github.com/jake-scott/smarther-bridge/internal/pkg/backoff"
	"github.com/jake-scott/smarther-bridge/internal/pkg/lgoauth"
	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
	"github.com/jake-scott/smarther-bridge/internal/pkg/smartherapi"
	"github.com/jake-scott/smarther-bridge/internal/pkg/thermostat"
)

// Poll interval bounds and defaults.
const (
	MinInterval        = time.Second * 30
	MaxInterval        = time.Second * 300
	DefaultInterval    = time.Second * 60
	defaultConcurrency = 4

	// a module vanishes only after missing this many consecutive listings
	removalDebounce = 2
)

// Config tunes one account's coordinator. Zero values pick the defaults;
// the interval is clamped to the API's supported polling range.
type Config struct {
	Account        string
	Interval       time.Duration
	CommandTimeout time.Duration
	Backoff        backoff.Policy
	MaxConcurrent  int
}

func (cfg Config) withDefaults() Config {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.Interval > MaxInterval {
		cfg.Interval = MaxInterval
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = cfg.Interval * 2
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = defaultConcurrency
	}

	return cfg
}

// ErrUnknownModule is returned for commands addressed to a thermostat the
// coordinator has never discovered.
var ErrUnknownModule = errors.New("unknown thermostat module")

// Coordinator drives periodic full-state refresh for one account and
// reconciles remote state with pending user commands. Polls for a single
// account never overlap; module fetches within a poll run concurrently with
// isolated failure domains.
type Coordinator struct {
	cfg    Config
	api    smartherapi.Smarther
	tokens *lgoauth.Manager
	clock  Clock

	// pollMu is the single-flight gate: one poll per account at a time
	pollMu sync.Mutex

	mu        sync.Mutex
	states    map[thermostat.Key]thermostat.State
	pending   map[thermostat.Key]thermostat.Command
	missing   map[thermostat.Key]int
	lastCycle *CycleResult

	kickCh chan thermostat.Key
}

func New(cfg Config, api smartherapi.Smarther, tokens *lgoauth.Manager) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		api:     api,
		tokens:  tokens,
		clock:   realClock{},
		states:  make(map[thermostat.Key]thermostat.State),
		pending: make(map[thermostat.Key]thermostat.Command),
		missing: make(map[thermostat.Key]int),
		kickCh:  make(chan thermostat.Key, 16),
	}
}

// WithClock substitutes the time source; tests inject a fake.
func (c *Coordinator) WithClock(clk Clock) *Coordinator {
	c.clock = clk
	return c
}

// Run polls on the configured interval until the context is cancelled,
// interleaving out-of-band single-module refreshes requested by commands.
func (c *Coordinator) Run(ctx context.Context) {
	log := logging.Logger(ctx).WithField("account", c.cfg.Account)
	log.Infof("coordinator starting, polling every %s", c.cfg.Interval)

	// initial full refresh before the first tick
	c.Poll(ctx)

	// The interval timer is re-armed only after a full poll; out-of-band
	// kicks must not push back the scheduled refresh.
	tick := c.clock.After(c.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Info("coordinator shutting down")
			return
		case <-tick:
			c.Poll(ctx)
			tick = c.clock.After(c.cfg.Interval)
		case key := <-c.kickCh:
			c.pollModule(ctx, key)
		}
	}
}

// Poll runs one full cycle: list plants, list each plant's modules, fetch
// every module's status and measures with isolated failure domains, then
// merge the aggregated result.
func (c *Coordinator) Poll(ctx context.Context) *CycleResult {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	log := logging.Logger(ctx).WithField("account", c.cfg.Account)

	res := &CycleResult{
		Account: c.cfg.Account,
		Started: c.clock.Now(),
	}

	plants, err := c.listPlants(ctx)
	if err != nil {
		res.Finished = c.clock.Now()
		res.Outcome = CycleTotalFailure
		res.Err = err
		log.WithError(err).Error("poll cycle failed at account level")
		c.mergeTotalFailure(ctx, res)
		return res
	}

	type moduleRef struct {
		key  thermostat.Key
		name string
	}
	var modules []moduleRef

	for _, plant := range plants {
		mods, err := c.listModules(ctx, plant.ID)
		if err != nil {
			// A plant whose topology cannot be listed fails all its known
			// modules for this cycle, but does not abort siblings.
			log.WithError(err).Errorf("listing modules of plant %s", plant.ID)
			for key := range c.knownModulesOf(plant.ID) {
				res.Modules = append(res.Modules, ModuleResult{Key: key, Err: err})
			}
			continue
		}

		for _, m := range mods {
			modules = append(modules, moduleRef{
				key:  thermostat.Key{PlantID: plant.ID, ModuleID: m.ID},
				name: m.Name,
			})
		}
	}

	// Fan out the module fetches; completion order is unconstrained, the
	// cycle waits for every fetch to reach a terminal outcome.
	var resMu sync.Mutex
	limit := limiter.NewConcurrencyLimiter(c.cfg.MaxConcurrent)
	for _, m := range modules {
		m := m
		limit.Execute(func() {
			mr := c.fetchModule(ctx, m.key, m.name)
			resMu.Lock()
			res.Modules = append(res.Modules, mr)
			resMu.Unlock()
		})
	}
	limit.Wait()

	res.Finished = c.clock.Now()
	res.Outcome = CycleSuccess
	for _, mr := range res.Modules {
		if mr.Err != nil {
			res.Outcome = CyclePartialFailure
			break
		}
	}

	c.merge(ctx, res, true)
	log.Debugf("poll cycle finished: %s (%d modules)", res.Outcome, len(res.Modules))
	return res
}

// pollModule refreshes a single thermostat out of band, to shorten command
// confirmation latency. Same single-flight gate as a full poll.
func (c *Coordinator) pollModule(ctx context.Context, key thermostat.Key) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.mu.Lock()
	name := c.states[key].Name
	c.mu.Unlock()

	res := &CycleResult{
		Account: c.cfg.Account,
		Started: c.clock.Now(),
	}
	res.Modules = append(res.Modules, c.fetchModule(ctx, key, name))
	res.Finished = c.clock.Now()

	res.Outcome = CycleSuccess
	if res.Modules[0].Err != nil {
		res.Outcome = CyclePartialFailure
	}

	c.merge(ctx, res, false)
}

// fetchModule reads one thermostat's status and measures. A measures
// failure degrades to status-only data; a status failure is the module's
// terminal error for this cycle.
func (c *Coordinator) fetchModule(ctx context.Context, key thermostat.Key, name string) ModuleResult {
	var status *smartherapi.Chronothermostat
	err := c.callWithRetry(ctx, func(api smartherapi.Smarther) error {
		var err error
		status, err = api.Status(key.PlantID, key.ModuleID)
		return err
	})
	if err != nil {
		return ModuleResult{Key: key, Name: name, Err: err}
	}

	var measures *smartherapi.Measures
	err = c.callWithRetry(ctx, func(api smartherapi.Smarther) error {
		var err error
		measures, err = api.Measures(key.PlantID, key.ModuleID)
		return err
	})
	if err != nil {
		logging.Logger(ctx).WithError(err).Warnf("fetching measures of module %s, using status data only", key.ModuleID)
		measures = nil
	}

	state := thermostat.FromStatus(key, name, status, measures, c.clock.Now())
	return ModuleResult{Key: key, Name: name, State: &state}
}

func (c *Coordinator) listPlants(ctx context.Context) ([]smartherapi.Plant, error) {
	var plants []smartherapi.Plant
	err := c.callWithRetry(ctx, func(api smartherapi.Smarther) error {
		var err error
		plants, err = api.Plants()
		return err
	})

	return plants, err
}

func (c *Coordinator) listModules(ctx context.Context, plantID string) ([]smartherapi.Module, error) {
	var mods []smartherapi.Module
	err := c.callWithRetry(ctx, func(api smartherapi.Smarther) error {
		var err error
		mods, err = api.Topology(plantID)
		return err
	})

	return mods, err
}

// callWithRetry executes one logical API call under the cycle's retry
// policy: retryable failures back off and try again up to the budget, a 401
// forces one token refresh and one immediate retry before latching the
// account as needs-reauthentication, everything else surfaces immediately.
func (c *Coordinator) callWithRetry(ctx context.Context, fn func(api smartherapi.Smarther) error) error {
	refreshed := false

	for attempt := 0; ; {
		token, err := c.tokens.GetValidToken(ctx)
		if err != nil {
			return err
		}

		err = fn(c.api.WithAccessToken(token))
		if err == nil {
			return nil
		}

		apiErr, ok := smartherapi.AsAPIError(err)
		if !ok {
			return err
		}

		switch apiErr.Outcome {
		case smartherapi.OutcomeReauthenticate:
			if refreshed {
				// Fresh token, still rejected: out-of-band action needed
				c.tokens.MarkReauthRequired()
				return err
			}
			refreshed = true
			c.tokens.Invalidate()

		case smartherapi.OutcomeRetryable:
			if c.cfg.Backoff.Exhausted(attempt) {
				return smartherapi.Exhausted(apiErr)
			}
			delay := c.cfg.Backoff.Delay(attempt)
			attempt++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(delay):
			}

		default:
			// permanent, entity-not-found, user-action: no retry this cycle
			return err
		}
	}
}

// merge folds a cycle result into the coordinator's state map. fullCycle
// controls the removal debounce, which only consecutive complete listings
// may advance. Results from a cancelled context are discarded, not merged.
func (c *Coordinator) merge(ctx context.Context, res *CycleResult, fullCycle bool) {
	if ctx.Err() != nil {
		return
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	listed := make(map[thermostat.Key]bool, len(res.Modules))

	for _, mr := range res.Modules {
		listed[mr.Key] = true

		if mr.State != nil {
			prev, known := c.states[mr.Key]
			st := *mr.State
			if st.Name == "" && known {
				st.Name = prev.Name
			}
			c.states[mr.Key] = st

			// command reconciliation
			if cmd, ok := c.pending[mr.Key]; ok && cmd.Confirmed(st) {
				logging.Logger(ctx).Debugf("command %s confirmed for module %s", cmd.Kind, mr.Key.ModuleID)
				delete(c.pending, mr.Key)
			}
			continue
		}

		// Failed module: keep last-known readings but flip availability
		// with the classified reason.
		st, known := c.states[mr.Key]
		if !known {
			st = thermostat.State{Key: mr.Key, Name: mr.Name}
		}
		st.Available = false
		st.Reason = unavailabilityReason(mr.Err)
		st.UpdatedAt = now
		c.states[mr.Key] = st
	}

	if fullCycle && res.Outcome != CycleTotalFailure {
		// Removal debounce: a module must miss two consecutive listings
		// before it is dropped.
		for key := range c.states {
			if listed[key] {
				c.missing[key] = 0
				continue
			}

			c.missing[key]++
			if c.missing[key] >= removalDebounce {
				logging.Logger(ctx).Infof("module %s absent from %d consecutive listings, removing", key.ModuleID, removalDebounce)
				delete(c.states, key)
				delete(c.pending, key)
				delete(c.missing, key)
			}
		}
	}

	// Expired commands are dropped; the displayed state reverts to the
	// last confirmed observation.
	for key, cmd := range c.pending {
		if cmd.Expired(now, c.cfg.CommandTimeout) {
			logging.Logger(ctx).Warnf("command %s for module %s timed out without confirmation, reverting", cmd.Kind, key.ModuleID)
			delete(c.pending, key)
		}
	}

	c.lastCycle = res
}

// mergeTotalFailure records an account-level failure once per cycle. Known
// thermostats are marked unavailable only when the account needs
// reauthentication; transient account failures leave last-known state
// intact.
func (c *Coordinator) mergeTotalFailure(ctx context.Context, res *CycleResult) {
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if errors.Is(res.Err, lgoauth.ErrReauthRequired) || c.tokens.NeedsReauth() {
		now := c.clock.Now()
		for key, st := range c.states {
			st.Available = false
			st.Reason = smartherapi.ReasonNeedsReauth
			st.UpdatedAt = now
			c.states[key] = st
		}
	}

	c.lastCycle = res
}

func (c *Coordinator) knownModulesOf(plantID string) map[thermostat.Key]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make(map[thermostat.Key]struct{})
	for key := range c.states {
		if key.PlantID == plantID {
			keys[key] = struct{}{}
		}
	}

	return keys
}

func unavailabilityReason(err error) string {
	if apiErr, ok := smartherapi.AsAPIError(err); ok && apiErr.Reason != "" {
		return apiErr.Reason
	}
	if errors.Is(err, lgoauth.ErrReauthRequired) {
		return smartherapi.ReasonNeedsReauth
	}

	return smartherapi.ReasonRetriesExhausted
}

// Account returns the account name this coordinator polls.
func (c *Coordinator) Account() string {
	return c.cfg.Account
}

// State returns the (pending-command adjusted) view of one thermostat.
func (c *Coordinator) State(key thermostat.Key) (thermostat.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[key]
	if !ok {
		return thermostat.State{}, false
	}

	if cmd, ok := c.pending[key]; ok && !cmd.Expired(c.clock.Now(), c.cfg.CommandTimeout) {
		cmd.ApplyTo(&st)
	}

	return st, true
}

// Snapshot returns all known thermostats, pending commands applied, in a
// stable order.
func (c *Coordinator) Snapshot() []thermostat.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	out := make([]thermostat.State, 0, len(c.states))
	for key, st := range c.states {
		if cmd, ok := c.pending[key]; ok && !cmd.Expired(now, c.cfg.CommandTimeout) {
			cmd.ApplyTo(&st)
		}
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PlantID != out[j].PlantID {
			return out[i].PlantID < out[j].PlantID
		}
		return out[i].ModuleID < out[j].ModuleID
	})

	return out
}

// LastCycle returns the most recent published cycle result, or nil before
// the first poll completes.
func (c *Coordinator) LastCycle() *CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastCycle
}

// TokenStatus exposes the credential manager's secrets-free status.
func (c *Coordinator) TokenStatus() lgoauth.Status {
	return c.tokens.Status()
}

// SetTemperatureCommand sets a manual-mode target temperature.
func (c *Coordinator) SetTemperatureCommand(ctx context.Context, key thermostat.Key, target float64) error {
	return c.issue(ctx, key, thermostat.Command{
		Kind:   thermostat.SetTemperature,
		Target: target,
	})
}

// SetModeCommand sets the HVAC mode (off, heat, cool, auto).
func (c *Coordinator) SetModeCommand(ctx context.Context, key thermostat.Key, mode thermostat.Mode) error {
	return c.issue(ctx, key, thermostat.Command{
		Kind: thermostat.SetMode,
		Mode: mode,
	})
}

// SetPresetCommand sets the operating preset; automatic may carry a program
// number, boost an activation time.
func (c *Coordinator) SetPresetCommand(ctx context.Context, key thermostat.Key, preset thermostat.Preset, program int, activationTime string) error {
	return c.issue(ctx, key, thermostat.Command{
		Kind:           thermostat.SetPreset,
		Preset:         preset,
		Program:        program,
		ActivationTime: activationTime,
	})
}

// issue writes the command to the API and records it as pending. Reissuing
// a command for the same module supersedes the previous pending one.
func (c *Coordinator) issue(ctx context.Context, key thermostat.Key, cmd thermostat.Command) error {
	c.mu.Lock()
	current, known := c.states[key]
	c.mu.Unlock()

	if !known {
		return errors.Wrapf(ErrUnknownModule, "module %s in plant %s", key.ModuleID, key.PlantID)
	}

	cmd.IssuedAt = c.clock.Now()

	req, err := cmd.Request(current)
	if err != nil {
		return err
	}

	err = c.callWithRetry(ctx, func(api smartherapi.Smarther) error {
		return api.SetStatus(key.PlantID, key.ModuleID, req)
	})
	if err != nil {
		return errors.Wrapf(err, "issuing %s for module %s", cmd.Kind, key.ModuleID)
	}

	c.mu.Lock()
	c.pending[key] = cmd
	c.mu.Unlock()

	// out-of-band confirmation poll, best effort
	select {
	case c.kickCh <- key:
	default:
	}

	return nil
}
