package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cds-client/internal/cdshooks"
	"github.com/ehr/cds-client/internal/display"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type fakeCatalog struct {
	services []cdshooks.Service
	err      error
}

func (f *fakeCatalog) Discover(context.Context) ([]cdshooks.Service, error) {
	return f.services, f.err
}

// fakeInvoker returns canned cards per service id and counts calls.
type fakeInvoker struct {
	mu      sync.Mutex
	cards   map[string][]cdshooks.Card
	fail    map[string]error
	calls   map[string]int
	total   int64
	release chan struct{} // when set, Invoke blocks until closed
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		cards: make(map[string][]cdshooks.Card),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeInvoker) Invoke(_ context.Context, serviceID string, _ *cdshooks.HookRequest) (*cdshooks.HookResponse, error) {
	f.mu.Lock()
	f.calls[serviceID]++
	release := f.release
	f.mu.Unlock()
	atomic.AddInt64(&f.total, 1)

	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[serviceID]; err != nil {
		return nil, err
	}
	out := make([]cdshooks.Card, len(f.cards[serviceID]))
	copy(out, f.cards[serviceID])
	return &cdshooks.HookResponse{Cards: out}, nil
}

func (f *fakeInvoker) callCount(serviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[serviceID]
}

func card(uuid, summary string, ind cdshooks.Indicator) cdshooks.Card {
	return cdshooks.Card{
		UUID:      uuid,
		Summary:   summary,
		Indicator: ind,
		Source:    cdshooks.Source{Label: "test"},
	}
}

func service(id, hook string) cdshooks.Service {
	return cdshooks.Service{ID: id, Hook: hook, Title: id}
}

func newTestCoordinator(t *testing.T, catalog *fakeCatalog, inv *fakeInvoker, opts ...Option) *Coordinator {
	t.Helper()
	mapper := display.NewMapper(display.Config{})
	return New(catalog, inv, mapper, zerolog.Nop(), opts...)
}

// ---------------------------------------------------------------------------
// Execution and dedup
// ---------------------------------------------------------------------------

func TestExecute_FanOutMergesAllServices(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{
		service("svc-a", cdshooks.HookPatientView),
		service("svc-b", cdshooks.HookPatientView),
		service("svc-c", cdshooks.HookOrderSign), // different hook, must not fire
	}}
	inv := newFakeInvoker()
	inv.cards["svc-a"] = []cdshooks.Card{card("u1", "info card", cdshooks.IndicatorInfo)}
	inv.cards["svc-b"] = []cdshooks.Card{card("u2", "critical card", cdshooks.IndicatorCritical)}

	coord := newTestCoordinator(t, catalog, inv)
	if !coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p1"}) {
		t.Fatal("expected execution to run")
	}

	alerts := coord.Alerts(cdshooks.HookPatientView)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 merged cards, got %d", len(alerts))
	}
	if alerts[0].Indicator != cdshooks.IndicatorCritical {
		t.Errorf("expected critical card first, got %s", alerts[0].Indicator)
	}
	if inv.callCount("svc-c") != 0 {
		t.Error("service for a different hook type was invoked")
	}
}

func TestExecute_UnknownHookSkipped(t *testing.T) {
	inv := newFakeInvoker()
	coord := newTestCoordinator(t, &fakeCatalog{}, inv)
	if coord.Execute(context.Background(), "made-up-hook", nil) {
		t.Error("expected unknown hook to be rejected")
	}
	if atomic.LoadInt64(&inv.total) != 0 {
		t.Error("unexpected invocation for unknown hook")
	}
}

func TestExecute_FailedServiceContributesNothing(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{
		service("svc-a", cdshooks.HookPatientView),
		service("svc-b", cdshooks.HookPatientView),
	}}
	inv := newFakeInvoker()
	inv.cards["svc-a"] = []cdshooks.Card{card("u1", "ok", cdshooks.IndicatorWarning)}
	inv.fail["svc-b"] = context.DeadlineExceeded

	coord := newTestCoordinator(t, catalog, inv)
	if !coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p1"}) {
		t.Fatal("expected execution despite one failing service")
	}

	alerts := coord.Alerts(cdshooks.HookPatientView)
	if len(alerts) != 1 || alerts[0].UUID != "u1" {
		t.Errorf("expected only svc-a card, got %+v", alerts)
	}
}

func TestExecute_DedupesWithinWindow(t *testing.T) {
	clk := newFakeClock()
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-a", cdshooks.HookPatientView)}}
	inv := newFakeInvoker()
	coord := newTestCoordinator(t, catalog, inv, WithClock(clk))

	hookCtx := map[string]any{"patientId": "p1"}
	if !coord.Execute(context.Background(), cdshooks.HookPatientView, hookCtx) {
		t.Fatal("first execution should run")
	}
	if coord.Execute(context.Background(), cdshooks.HookPatientView, hookCtx) {
		t.Error("second execution within window should be suppressed")
	}
	if inv.callCount("svc-a") != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", inv.callCount("svc-a"))
	}

	clk.Advance(DefaultDedupeWindow + time.Second)
	if !coord.Execute(context.Background(), cdshooks.HookPatientView, hookCtx) {
		t.Error("execution after window expiry should run")
	}
	if inv.callCount("svc-a") != 2 {
		t.Errorf("expected 2 invocations after window, got %d", inv.callCount("svc-a"))
	}
}

func TestExecute_DifferentContextsNotDeduped(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-a", cdshooks.HookPatientView)}}
	inv := newFakeInvoker()
	coord := newTestCoordinator(t, catalog, inv)

	coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p1"})
	coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p2"})
	if inv.callCount("svc-a") != 2 {
		t.Errorf("expected 2 invocations for distinct contexts, got %d", inv.callCount("svc-a"))
	}
}

func TestExecute_ConcurrentBurstRunsOnce(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-a", cdshooks.HookPatientView)}}
	inv := newFakeInvoker()
	inv.release = make(chan struct{})
	coord := newTestCoordinator(t, catalog, inv)

	hookCtx := map[string]any{"patientId": "p1"}
	var executed int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if coord.Execute(context.Background(), cdshooks.HookPatientView, hookCtx) {
				atomic.AddInt64(&executed, 1)
			}
		}()
	}

	// Let the winner reach the blocked invocation, then release everyone.
	for atomic.LoadInt64(&inv.total) == 0 {
		time.Sleep(time.Millisecond)
	}
	close(inv.release)
	wg.Wait()

	if got := atomic.LoadInt64(&executed); got != 1 {
		t.Errorf("expected exactly 1 execution from the burst, got %d", got)
	}
	if inv.callCount("svc-a") != 1 {
		t.Errorf("expected exactly 1 network fan-out, got %d", inv.callCount("svc-a"))
	}
}

func TestExecute_OverwritesPreviousAlerts(t *testing.T) {
	clk := newFakeClock()
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-a", cdshooks.HookPatientView)}}
	inv := newFakeInvoker()
	inv.cards["svc-a"] = []cdshooks.Card{card("u1", "first", cdshooks.IndicatorInfo)}
	coord := newTestCoordinator(t, catalog, inv, WithClock(clk))

	coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p1"})

	inv.mu.Lock()
	inv.cards["svc-a"] = []cdshooks.Card{card("u2", "second", cdshooks.IndicatorInfo)}
	inv.mu.Unlock()
	clk.Advance(DefaultDedupeWindow + time.Second)
	coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p1"})

	alerts := coord.Alerts(cdshooks.HookPatientView)
	if len(alerts) != 1 || alerts[0].UUID != "u2" {
		t.Errorf("expected replacement not accumulation, got %+v", alerts)
	}
}

func TestExecute_EnrichesCards(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{
		{ID: "svc-a", Title: "Drug Interaction Checker", Hook: cdshooks.HookOrderSign},
	}}
	inv := newFakeInvoker()
	inv.cards["svc-a"] = []cdshooks.Card{card("u1", "interaction", cdshooks.IndicatorCritical)}
	coord := newTestCoordinator(t, catalog, inv)

	coord.Execute(context.Background(), cdshooks.HookOrderSign, map[string]any{"patientId": "p1"})
	alerts := coord.Alerts(cdshooks.HookOrderSign)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 card, got %d", len(alerts))
	}
	got := alerts[0]
	if got.ServiceName != "Drug Interaction Checker" {
		t.Errorf("expected service title as name, got %q", got.ServiceName)
	}
	if got.HookType != cdshooks.HookOrderSign {
		t.Errorf("expected hook type tag, got %q", got.HookType)
	}
	if got.DisplayBehavior.PresentationMode == "" {
		t.Error("expected display behavior to be resolved")
	}
	if got.Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped")
	}
}

// ---------------------------------------------------------------------------
// Patient context
// ---------------------------------------------------------------------------

func TestSetPatient_ClearsAllHookTypes(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{
		service("svc-a", cdshooks.HookPatientView),
		service("svc-b", cdshooks.HookOrderSign),
	}}
	inv := newFakeInvoker()
	inv.cards["svc-a"] = []cdshooks.Card{card("u1", "pv", cdshooks.IndicatorInfo)}
	inv.cards["svc-b"] = []cdshooks.Card{card("u2", "os", cdshooks.IndicatorWarning)}
	coord := newTestCoordinator(t, catalog, inv)

	coord.SetPatient(context.Background(), "p1", "dr-1")
	coord.Execute(context.Background(), cdshooks.HookOrderSign, map[string]any{"patientId": "p1"})
	if len(coord.AllAlerts()) != 2 {
		t.Fatalf("expected alerts on 2 hook types, got %d", len(coord.AllAlerts()))
	}

	inv.mu.Lock()
	inv.cards["svc-a"] = nil
	inv.cards["svc-b"] = nil
	inv.mu.Unlock()
	coord.SetPatient(context.Background(), "p2", "dr-1")

	if len(coord.AllAlerts()) != 0 {
		t.Errorf("alerts leaked across patient switch: %+v", coord.AllAlerts())
	}
	if len(coord.Alerts(cdshooks.HookOrderSign)) != 0 {
		t.Error("order-sign alerts survived patient switch")
	}
	if coord.Patient() != "p2" {
		t.Errorf("expected active patient p2, got %q", coord.Patient())
	}
}

func TestSetPatient_SamePatientKeepsAlerts(t *testing.T) {
	clk := newFakeClock()
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-b", cdshooks.HookOrderSign)}}
	inv := newFakeInvoker()
	inv.cards["svc-b"] = []cdshooks.Card{card("u1", "os", cdshooks.IndicatorWarning)}
	coord := newTestCoordinator(t, catalog, inv, WithClock(clk))

	coord.SetPatient(context.Background(), "p1", "")
	coord.Execute(context.Background(), cdshooks.HookOrderSign, map[string]any{"patientId": "p1"})

	coord.SetPatient(context.Background(), "p1", "")
	if len(coord.Alerts(cdshooks.HookOrderSign)) != 1 {
		t.Error("re-selecting the same patient must not clear alerts")
	}
}

func TestSetPatient_DiscardsStaleInFlightResult(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-a", cdshooks.HookOrderSign)}}
	inv := newFakeInvoker()
	inv.release = make(chan struct{})
	inv.cards["svc-a"] = []cdshooks.Card{card("u-old", "old patient card", cdshooks.IndicatorCritical)}
	coord := newTestCoordinator(t, catalog, inv)
	coord.SetPatient(context.Background(), "p1", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Execute(context.Background(), cdshooks.HookOrderSign, map[string]any{"patientId": "p1"})
	}()
	for atomic.LoadInt64(&inv.total) == 0 {
		time.Sleep(time.Millisecond)
	}

	// Patient changes while the order-sign fan-out is still in flight. No
	// patient-view service exists, so the switch itself does not block.
	coord.SetPatient(context.Background(), "p2", "")
	close(inv.release)
	<-done

	if cards := coord.Alerts(cdshooks.HookOrderSign); len(cards) != 0 {
		t.Errorf("stale result for previous patient was committed: %+v", cards)
	}
}

// ---------------------------------------------------------------------------
// Card lifecycle
// ---------------------------------------------------------------------------

func seededCoordinator(t *testing.T, clk Clock, snoozable bool) *Coordinator {
	t.Helper()
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-a", cdshooks.HookPatientView)}}
	inv := newFakeInvoker()
	inv.cards["svc-a"] = []cdshooks.Card{
		card("u1", "first", cdshooks.IndicatorWarning),
		card("u2", "second", cdshooks.IndicatorInfo),
	}
	cfg := display.Config{}
	if snoozable {
		cfg[cdshooks.HookPatientView] = display.HookConfig{
			Snooze: &display.SnoozeConfig{Enabled: true},
		}
	}
	coord := New(catalog, inv, display.NewMapper(cfg), zerolog.Nop(), WithClock(clk))
	coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p1"})
	return coord
}

func TestAcknowledge_RemovesCard(t *testing.T) {
	coord := seededCoordinator(t, newFakeClock(), false)

	if !coord.Acknowledge("u1") {
		t.Fatal("expected acknowledge to succeed")
	}
	alerts := coord.Alerts(cdshooks.HookPatientView)
	if len(alerts) != 1 || alerts[0].UUID != "u2" {
		t.Errorf("expected only u2 to remain, got %+v", alerts)
	}
	if coord.Acknowledge("u1") {
		t.Error("acknowledging an absent card should fail")
	}
}

func TestSnooze_HidesCardUntilExpiry(t *testing.T) {
	clk := newFakeClock()
	coord := seededCoordinator(t, clk, true)

	if !coord.Snooze("u1", 10*time.Minute) {
		t.Fatal("expected snooze to succeed")
	}
	alerts := coord.Alerts(cdshooks.HookPatientView)
	if len(alerts) != 1 || alerts[0].UUID != "u2" {
		t.Errorf("expected snoozed card hidden, got %+v", alerts)
	}
	if _, ok := coord.Card("u1"); !ok {
		t.Error("snoozed card should still be addressable by uuid")
	}

	clk.Advance(11 * time.Minute)
	if len(coord.Alerts(cdshooks.HookPatientView)) != 2 {
		t.Error("expected snoozed card to reappear after expiry")
	}
}

func TestSnooze_RequiresSnoozeEnabled(t *testing.T) {
	coord := seededCoordinator(t, newFakeClock(), false)
	if coord.Snooze("u1", time.Minute) {
		t.Error("snooze should fail when the hook config does not enable it")
	}
}

func TestClearAlerts(t *testing.T) {
	coord := seededCoordinator(t, newFakeClock(), false)
	coord.ClearAlerts(cdshooks.HookPatientView)
	if len(coord.Alerts(cdshooks.HookPatientView)) != 0 {
		t.Error("expected alerts cleared")
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func TestSubscribe_NotifiedOnCommitAndUnsubscribe(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-a", cdshooks.HookPatientView)}}
	inv := newFakeInvoker()
	inv.cards["svc-a"] = []cdshooks.Card{card("u1", "hello", cdshooks.IndicatorInfo)}
	coord := newTestCoordinator(t, catalog, inv)

	var mu sync.Mutex
	var got [][]cdshooks.Card
	unsub := coord.Subscribe(cdshooks.HookPatientView, func(_ string, cards []cdshooks.Card) {
		mu.Lock()
		got = append(got, cards)
		mu.Unlock()
	})

	coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p1"})
	mu.Lock()
	if len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected one notification with one card, got %+v", got)
	}
	mu.Unlock()

	unsub()
	coord.Execute(context.Background(), cdshooks.HookPatientView, map[string]any{"patientId": "p2"})
	mu.Lock()
	if len(got) != 1 {
		t.Errorf("expected no notifications after unsubscribe, got %d", len(got))
	}
	mu.Unlock()
}

func TestSubscribe_NotifiedEmptyOnPatientSwitch(t *testing.T) {
	catalog := &fakeCatalog{services: []cdshooks.Service{service("svc-a", cdshooks.HookPatientView)}}
	inv := newFakeInvoker()
	inv.cards["svc-a"] = []cdshooks.Card{card("u1", "hello", cdshooks.IndicatorInfo)}
	coord := newTestCoordinator(t, catalog, inv)
	coord.SetPatient(context.Background(), "p1", "")

	var mu sync.Mutex
	sawEmpty := false
	coord.Subscribe(cdshooks.HookPatientView, func(_ string, cards []cdshooks.Card) {
		mu.Lock()
		if len(cards) == 0 {
			sawEmpty = true
		}
		mu.Unlock()
	})

	inv.mu.Lock()
	inv.cards["svc-a"] = nil
	inv.mu.Unlock()
	coord.SetPatient(context.Background(), "p2", "")

	mu.Lock()
	defer mu.Unlock()
	if !sawEmpty {
		t.Error("expected an empty-card notification on patient switch")
	}
}

// ---------------------------------------------------------------------------
// Key serialization
// ---------------------------------------------------------------------------

func TestExecutionKey_StableAcrossMapOrder(t *testing.T) {
	a := executionKey(cdshooks.HookOrderSign, map[string]any{"patientId": "p1", "userId": "u1", "encounterId": "e1"})
	for i := 0; i < 20; i++ {
		b := executionKey(cdshooks.HookOrderSign, map[string]any{"encounterId": "e1", "userId": "u1", "patientId": "p1"})
		if a != b {
			t.Fatalf("execution key unstable: %q vs %q", a, b)
		}
	}
	c := executionKey(cdshooks.HookPatientView, map[string]any{"patientId": "p1", "userId": "u1", "encounterId": "e1"})
	if a == c {
		t.Error("different hook types must produce different keys")
	}
}
