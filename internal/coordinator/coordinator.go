// Package coordinator orchestrates CDS hook executions: it deduplicates
// concurrent firings per (hookType, context) key, fans out to every matching
// service in parallel, merges the returned cards into the alert map, and
// pushes the merged list to subscribers. All alert state lives here and is
// mutated only through Coordinator methods.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cds-client/internal/cdshooks"
	"github.com/ehr/cds-client/internal/display"
	"github.com/ehr/cds-client/internal/platform/metrics"
)

// DefaultDedupeWindow is how long an execution key stays in cooldown.
const DefaultDedupeWindow = 5 * time.Second

// Clock abstracts wall-clock time so the dedupe window is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ServiceSource supplies the discovered service catalog.
type ServiceSource interface {
	Discover(ctx context.Context) ([]cdshooks.Service, error)
}

// Invoker fires one hook request at one service.
type Invoker interface {
	Invoke(ctx context.Context, serviceID string, req *cdshooks.HookRequest) (*cdshooks.HookResponse, error)
}

// PrefetchResolver builds the optional prefetch bundle for an invocation.
type PrefetchResolver interface {
	Resolve(ctx context.Context, service cdshooks.Service, hookCtx map[string]any) map[string]any
}

// Subscriber receives the full card list for a hook type after every commit.
// Subscribers must not mutate the received slice.
type Subscriber func(hookType string, cards []cdshooks.Card)

// Per-key execution lifecycle: Idle -> InFlight -> Cooldown -> Idle.
type keyPhase int

const (
	phaseIdle keyPhase = iota
	phaseInFlight
	phaseCooldown
)

type keyState struct {
	phase   keyPhase
	lastRun time.Time
}

// Coordinator is the CDS execution orchestrator. Construct with New and
// share one instance per session; all methods are safe for concurrent use.
type Coordinator struct {
	services ServiceSource
	invoker  Invoker
	prefetch PrefetchResolver
	mapper   *display.Mapper
	logger   zerolog.Logger
	clock    Clock
	window   time.Duration

	mu         sync.Mutex
	alerts     map[string][]cdshooks.Card
	keys       map[string]*keyState
	snoozed    map[string]time.Time
	subs       map[string]map[int]Subscriber
	nextSubID  int
	patientID  string
	generation uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPrefetch attaches a prefetch resolver.
func WithPrefetch(r PrefetchResolver) Option {
	return func(c *Coordinator) { c.prefetch = r }
}

// WithDedupeWindow overrides the execution dedupe window.
func WithDedupeWindow(d time.Duration) Option {
	return func(c *Coordinator) { c.window = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clk Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// New creates a Coordinator.
func New(services ServiceSource, invoker Invoker, mapper *display.Mapper, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		services: services,
		invoker:  invoker,
		mapper:   mapper,
		logger:   logger,
		clock:    systemClock{},
		window:   DefaultDedupeWindow,
		alerts:   make(map[string][]cdshooks.Card),
		keys:     make(map[string]*keyState),
		snoozed:  make(map[string]time.Time),
		subs:     make(map[string]map[int]Subscriber),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute fires hookType with the given context against every matching
// service. It returns true when a fan-out ran and false when the call was
// suppressed by the dedupe guard or the hook type is unknown. Per-service
// failures are logged and contribute zero cards; Execute itself never fails.
func (c *Coordinator) Execute(ctx context.Context, hookType string, hookCtx map[string]any) bool {
	if !cdshooks.IsKnownHook(hookType) {
		c.logger.Warn().Str("hook", hookType).Msg("unknown hook type, execution skipped")
		return false
	}

	key := executionKey(hookType, hookCtx)

	c.mu.Lock()
	now := c.clock.Now()
	ks, ok := c.keys[key]
	if !ok {
		ks = &keyState{}
		c.keys[key] = ks
	}
	switch ks.phase {
	case phaseInFlight:
		c.mu.Unlock()
		metrics.ExecutionsSuppressedTotal.WithLabelValues(hookType).Inc()
		return false
	case phaseCooldown:
		if now.Sub(ks.lastRun) < c.window {
			c.mu.Unlock()
			metrics.ExecutionsSuppressedTotal.WithLabelValues(hookType).Inc()
			return false
		}
	}
	ks.phase = phaseInFlight
	ks.lastRun = now
	gen := c.generation
	c.mu.Unlock()

	merged := c.fanOut(ctx, hookType, hookCtx)
	metrics.ExecutionsTotal.WithLabelValues(hookType).Inc()

	c.commit(hookType, key, gen, merged)
	return true
}

// fanOut invokes every service matching hookType in parallel and returns the
// merged, severity-ordered card list. It waits for all invocations,
// including failed ones, before returning.
func (c *Coordinator) fanOut(ctx context.Context, hookType string, hookCtx map[string]any) []cdshooks.Card {
	catalog, err := c.services.Discover(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("hook", hookType).Msg("service discovery unavailable")
	}

	var matching []cdshooks.Service
	for _, svc := range catalog {
		if svc.Hook == hookType {
			matching = append(matching, svc)
		}
	}
	if len(matching) == 0 {
		return []cdshooks.Card{}
	}

	results := make([][]cdshooks.Card, len(matching))
	var wg sync.WaitGroup
	for idx, svc := range matching {
		wg.Add(1)
		go func(idx int, svc cdshooks.Service) {
			defer wg.Done()
			results[idx] = c.invokeOne(ctx, hookType, svc, hookCtx)
		}(idx, svc)
	}
	wg.Wait()

	var merged []cdshooks.Card
	for _, cards := range results {
		merged = append(merged, cards...)
	}
	if merged == nil {
		merged = []cdshooks.Card{}
	}
	// Most urgent cards first; service order preserved within a severity.
	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Indicator.Severity() > merged[b].Indicator.Severity()
	})
	return merged
}

// invokeOne runs a single service invocation and enriches the cards it
// returns. Failures are contained here.
func (c *Coordinator) invokeOne(ctx context.Context, hookType string, svc cdshooks.Service, hookCtx map[string]any) []cdshooks.Card {
	req := &cdshooks.HookRequest{
		Hook:    hookType,
		Context: hookCtx,
	}
	if c.prefetch != nil && len(svc.Prefetch) > 0 {
		req.Prefetch = c.prefetch.Resolve(ctx, svc, hookCtx)
	}

	resp, err := c.invoker.Invoke(ctx, svc.ID, req)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("service_id", svc.ID).
			Str("hook", hookType).
			Msg("service invocation failed")
		return nil
	}

	name := svc.Title
	if name == "" {
		name = svc.ID
	}
	now := c.clock.Now()
	cards := resp.Cards
	for i := range cards {
		cards[i].ServiceName = name
		cards[i].HookType = hookType
		cards[i].Timestamp = now
		cards[i].DisplayBehavior = c.mapper.Map(hookType, cards[i].Indicator)
		metrics.CardsMergedTotal.WithLabelValues(hookType, string(cards[i].Indicator)).Inc()
	}
	return cards
}

// commit replaces the alert map entry for hookType with merged. A result
// whose generation stamp no longer matches (the patient changed while the
// execution was in flight) is discarded instead of overwriting the new
// patient's alerts. The key always leaves the in-flight phase.
func (c *Coordinator) commit(hookType, key string, gen uint64, merged []cdshooks.Card) {
	c.mu.Lock()

	if ks, ok := c.keys[key]; ok {
		ks.phase = phaseCooldown
		ks.lastRun = c.clock.Now()
	}

	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Info().
			Str("hook", hookType).
			Msg("stale execution result discarded after patient change")
		return
	}

	c.alerts[hookType] = merged
	notify := c.visibleLocked(hookType)
	subs := c.subscribersLocked(hookType)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(hookType, notify)
	}
}

// executionKey builds the dedupe key from the hook type and a stable
// serialization of the context. JSON object keys marshal in sorted order, so
// equal contexts always produce equal keys.
func executionKey(hookType string, hookCtx map[string]any) string {
	raw, err := json.Marshal(hookCtx)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", hookCtx))
	}
	return hookType + "|" + string(raw)
}

// ---------------------------------------------------------------------------
// Patient context
// ---------------------------------------------------------------------------

// SetPatient switches the active patient. All alerts across all hook types
// are cleared before the new patient's patient-view execution fires; alerts
// never leak across patient contexts. In-flight executions for the previous
// patient are not aborted, but their results are discarded on commit.
func (c *Coordinator) SetPatient(ctx context.Context, patientID, userID string) bool {
	c.mu.Lock()
	if c.patientID != patientID {
		c.patientID = patientID
		c.generation++
		c.alerts = make(map[string][]cdshooks.Card)
		c.keys = make(map[string]*keyState)
		c.snoozed = make(map[string]time.Time)

		cleared := make(map[string][]Subscriber)
		for topic := range c.subs {
			cleared[topic] = c.subscribersLocked(topic)
		}
		c.mu.Unlock()

		for topic, subs := range cleared {
			for _, fn := range subs {
				fn(topic, []cdshooks.Card{})
			}
		}
	} else {
		c.mu.Unlock()
	}

	hookCtx := map[string]any{"patientId": patientID}
	if userID != "" {
		hookCtx["userId"] = userID
	}
	return c.Execute(ctx, cdshooks.HookPatientView, hookCtx)
}

// Patient returns the active patient id.
func (c *Coordinator) Patient() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patientID
}

// ---------------------------------------------------------------------------
// Alert reads and card lifecycle
// ---------------------------------------------------------------------------

// Alerts returns the active cards for a hook type, excluding snoozed cards.
// The returned slice is a copy.
func (c *Coordinator) Alerts(hookType string) []cdshooks.Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleLocked(hookType)
}

// AllAlerts returns the active cards for every hook type with at least one.
func (c *Coordinator) AllAlerts() map[string][]cdshooks.Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]cdshooks.Card, len(c.alerts))
	for topic := range c.alerts {
		if cards := c.visibleLocked(topic); len(cards) > 0 {
			out[topic] = cards
		}
	}
	return out
}

// ClearAlerts removes all alerts for one hook type and notifies subscribers.
func (c *Coordinator) ClearAlerts(hookType string) {
	c.mu.Lock()
	delete(c.alerts, hookType)
	subs := c.subscribersLocked(hookType)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(hookType, []cdshooks.Card{})
	}
}

// Acknowledge removes the card with the given uuid from the alert map and
// notifies that hook type's subscribers. Returns false when no such card is
// active.
func (c *Coordinator) Acknowledge(cardUUID string) bool {
	c.mu.Lock()
	var topic string
	found := false
	for t, cards := range c.alerts {
		for i, card := range cards {
			if card.UUID == cardUUID {
				c.alerts[t] = append(cards[:i:i], cards[i+1:]...)
				topic = t
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		c.mu.Unlock()
		return false
	}
	delete(c.snoozed, cardUUID)
	notify := c.visibleLocked(topic)
	subs := c.subscribersLocked(topic)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(topic, notify)
	}
	return true
}

// Snooze hides the card for the given duration. Only cards whose display
// behavior enables snoozing can be snoozed.
func (c *Coordinator) Snooze(cardUUID string, d time.Duration) bool {
	c.mu.Lock()
	var topic string
	found := false
	for t, cards := range c.alerts {
		for _, card := range cards {
			if card.UUID == cardUUID {
				if !card.DisplayBehavior.SnoozeEnabled {
					c.mu.Unlock()
					return false
				}
				topic = t
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		c.mu.Unlock()
		return false
	}
	c.snoozed[cardUUID] = c.clock.Now().Add(d)
	notify := c.visibleLocked(topic)
	subs := c.subscribersLocked(topic)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(topic, notify)
	}
	return true
}

// Card returns the active card with the given uuid, snoozed or not.
func (c *Coordinator) Card(cardUUID string) (cdshooks.Card, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cards := range c.alerts {
		for _, card := range cards {
			if card.UUID == cardUUID {
				return card, true
			}
		}
	}
	return cdshooks.Card{}, false
}

// visibleLocked copies the card list for a topic, dropping snoozed cards.
// Caller holds c.mu.
func (c *Coordinator) visibleLocked(hookType string) []cdshooks.Card {
	cards := c.alerts[hookType]
	now := c.clock.Now()
	out := make([]cdshooks.Card, 0, len(cards))
	for _, card := range cards {
		if until, ok := c.snoozed[card.UUID]; ok && now.Before(until) {
			continue
		}
		out = append(out, card)
	}
	return out
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe registers fn for alert updates on hookType and returns an
// unsubscribe function. Notifications are delivered synchronously after each
// commit, outside the coordinator lock.
func (c *Coordinator) Subscribe(hookType string, fn Subscriber) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[hookType] == nil {
		c.subs[hookType] = make(map[int]Subscriber)
	}
	id := c.nextSubID
	c.nextSubID++
	c.subs[hookType][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[hookType], id)
		if len(c.subs[hookType]) == 0 {
			delete(c.subs, hookType)
		}
	}
}

// subscribersLocked snapshots the subscriber list for a topic. Caller holds
// c.mu.
func (c *Coordinator) subscribersLocked(hookType string) []Subscriber {
	m := c.subs[hookType]
	if len(m) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}
