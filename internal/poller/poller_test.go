package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/occurrence"
	"github.com/drfirst/go-medremind/pkg/clock"
)

var (
	t0      = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	aspirin = reminder.Medication{ID: "med-a", Name: "Aspirin", Dosage: "81mg", FrequencyPerDay: 1}
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, occ reminder.Occurrence) error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, occ reminder.Occurrence) error {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[occ.DedupKey]++
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, occ)
	}
	return nil
}

func (d *recordingDispatcher) count(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[key]
}

type fakeMetrics struct {
	mu         sync.Mutex
	dispatched int
	failed     map[string]int
	missed     int
	dedup      int
}

func (m *fakeMetrics) Dispatched(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched++
}

func (m *fakeMetrics) Missed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missed++
}

func (m *fakeMetrics) Deduplicated(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup++
}

func (m *fakeMetrics) ObserveTick(time.Duration) {}

func (m *fakeMetrics) Failed(_ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = make(map[string]int)
	}
	m.failed[reason]++
}

type fakeLog struct {
	mu        sync.Mutex
	claimed   map[string]bool
	delivered []string
	missed    []string
	released  []string
}

func (l *fakeLog) Claim(ctx context.Context, occ reminder.Occurrence) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimed == nil {
		l.claimed = make(map[string]bool)
	}
	if l.claimed[occ.DedupKey] {
		return false, nil
	}
	l.claimed[occ.DedupKey] = true
	return true, nil
}

func (l *fakeLog) MarkDelivered(ctx context.Context, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered = append(l.delivered, key)
	return nil
}

func (l *fakeLog) MarkMissed(ctx context.Context, occ reminder.Occurrence, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.missed = append(l.missed, occ.DedupKey)
	return nil
}

func (l *fakeLog) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, key)
	l.released = append(l.released, key)
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []reminder.Event
}

func (c *capturePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	var e reminder.Event
	if err := json.Unmarshal(value, &e); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func seed(store *occurrence.Store, at time.Time, channels ...reminder.Channel) []reminder.Occurrence {
	var occs []reminder.Occurrence
	for _, ch := range channels {
		occs = append(occs, reminder.NewOccurrence("patient-1", aspirin, at, at, ch))
	}
	store.UpsertBatch(occs)
	return occs
}

func newPoller(t *testing.T, store *occurrence.Store, d Dispatcher, clk clock.Clock, opts ...Option) *Poller {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	opts = append([]Option{WithClock(clk)}, opts...)
	p, err := New(cfg, store, d, nil, opts...)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestTick_AtMostOnce(t *testing.T) {
	clk := clock.NewManaged(t0.Add(time.Minute))
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelBrowser, reminder.ChannelEmail)
	d := &recordingDispatcher{}
	p := newPoller(t, store, d, clk)

	first := p.Tick(context.Background())
	second := p.Tick(context.Background())
	p.Wait()
	p.Tick(context.Background())
	p.Wait()

	if first.Due != 2 {
		t.Errorf("first tick due = %d, want 2", first.Due)
	}
	if second.Due != 0 {
		t.Errorf("second tick due = %d, want 0", second.Due)
	}
	for _, occ := range occs {
		if n := d.count(occ.DedupKey); n != 1 {
			t.Errorf("%s dispatched %d times", occ.Channel, n)
		}
		if state, _ := store.StateOf(occ.DedupKey); state != occurrence.StateFired {
			t.Errorf("%s state = %s, want fired", occ.Channel, state)
		}
	}
}

func TestTick_NotYetDue(t *testing.T) {
	clk := clock.NewManaged(t0.Add(-time.Second))
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	seed(store, t0, reminder.ChannelPush)
	p := newPoller(t, store, &recordingDispatcher{}, clk)

	if r := p.Tick(context.Background()); r.Due != 0 || r.Missed != 0 {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestTick_PausedPastGraceWindowMarksMissed(t *testing.T) {
	clk := clock.NewManaged(t0.Add(-time.Minute))
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelBrowser)
	d := &recordingDispatcher{}
	m := &fakeMetrics{}
	log := &fakeLog{}
	pub := &capturePublisher{}
	p := newPoller(t, store, d, clk, WithMetrics(m), WithDeliveryLog(log), WithEvents(pub))

	clk.WarpForward(2 * time.Hour)
	r := p.Tick(context.Background())
	p.Wait()

	if r.Missed != 1 || r.Due != 0 {
		t.Fatalf("report = %+v, want one missed", r)
	}
	if d.count(occs[0].DedupKey) != 0 {
		t.Error("missed occurrence must not be dispatched")
	}
	got, _ := store.Get(occs[0].DedupKey)
	if !got.Fired || !got.Missed {
		t.Errorf("expected fired+missed, got %+v", got)
	}
	if m.missed != 1 || len(log.missed) != 1 {
		t.Errorf("missed not recorded: metrics=%d log=%d", m.missed, len(log.missed))
	}
	if len(pub.events) != 1 || pub.events[0].EventType != reminder.EventReminderMissed {
		t.Errorf("expected one missed event, got %+v", pub.events)
	}
}

func TestTick_FailureRetriedWithinGrace(t *testing.T) {
	clk := clock.NewManaged(t0)
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelPush)

	var attempts int32
	d := &recordingDispatcher{fn: func(ctx context.Context, occ reminder.Occurrence) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return reminder.ErrTransportFailure
		}
		return nil
	}}
	m := &fakeMetrics{}
	p := newPoller(t, store, d, clk, WithMetrics(m))

	p.Tick(context.Background())
	p.Wait()
	if state, _ := store.StateOf(occs[0].DedupKey); state != occurrence.StatePending {
		t.Fatalf("failed dispatch should leave occurrence pending, got %s", state)
	}
	if m.failed["transport"] != 1 {
		t.Errorf("failure reasons = %v", m.failed)
	}

	clk.WarpForward(time.Minute)
	p.Tick(context.Background())
	p.Wait()
	if state, _ := store.StateOf(occs[0].DedupKey); state != occurrence.StateFired {
		t.Errorf("retry should fire occurrence, got %s", state)
	}
	if m.dispatched != 1 {
		t.Errorf("dispatched = %d", m.dispatched)
	}
}

func TestTick_FailureNotBackfilledAfterGrace(t *testing.T) {
	clk := clock.NewManaged(t0)
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelSMS)
	d := &recordingDispatcher{fn: func(ctx context.Context, occ reminder.Occurrence) error {
		return reminder.ErrTransportFailure
	}}
	p := newPoller(t, store, d, clk)

	p.Tick(context.Background())
	p.Wait()
	clk.WarpForward(20 * time.Minute)
	r := p.Tick(context.Background())
	p.Wait()

	if r.Missed != 1 || d.count(occs[0].DedupKey) != 1 {
		t.Errorf("expected one attempt then missed, report %+v attempts %d", r, d.count(occs[0].DedupKey))
	}
}

func TestTick_SlowAsyncDoesNotBlockInteractive(t *testing.T) {
	clk := clock.NewManaged(t0)
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelEmail, reminder.ChannelBrowser)

	release := make(chan struct{})
	browserDone := make(chan struct{})
	d := &recordingDispatcher{fn: func(ctx context.Context, occ reminder.Occurrence) error {
		if occ.Channel == reminder.ChannelEmail {
			<-release
			return nil
		}
		close(browserDone)
		return nil
	}}
	p := newPoller(t, store, d, clk)

	p.Tick(context.Background())
	select {
	case <-browserDone:
	case <-time.After(2 * time.Second):
		t.Fatal("browser dispatch blocked behind email")
	}
	close(release)
	p.Wait()

	for _, occ := range occs {
		if state, _ := store.StateOf(occ.DedupKey); state != occurrence.StateFired {
			t.Errorf("%s state = %s", occ.Channel, state)
		}
	}
}

type blockingGate struct {
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGate) IsLeader(ctx context.Context) bool {
	close(g.entered)
	<-g.release
	return true
}

func TestTick_OverlappingTickSkipped(t *testing.T) {
	clk := clock.NewManaged(t0)
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelBrowser)
	d := &recordingDispatcher{}
	gate := &blockingGate{entered: make(chan struct{}), release: make(chan struct{})}
	p := newPoller(t, store, d, clk, WithLeaderGate(gate))

	done := make(chan Report)
	go func() { done <- p.Tick(context.Background()) }()
	<-gate.entered

	if r := p.Tick(context.Background()); !r.Skipped {
		t.Error("overlapping tick should be skipped")
	}
	close(gate.release)
	if r := <-done; r.Due != 1 {
		t.Errorf("first tick due = %d", r.Due)
	}
	p.Wait()
	if d.count(occs[0].DedupKey) != 1 {
		t.Error("expected exactly one dispatch")
	}
}

type follower struct{}

func (follower) IsLeader(context.Context) bool { return false }

func TestTick_FollowerDoesNothing(t *testing.T) {
	clk := clock.NewManaged(t0)
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	seed(store, t0, reminder.ChannelBrowser)
	p := newPoller(t, store, &recordingDispatcher{}, clk, WithLeaderGate(follower{}))

	if r := p.Tick(context.Background()); !r.Skipped {
		t.Errorf("follower tick should skip, got %+v", r)
	}
}

func TestTick_DeliveryLogDeduplicates(t *testing.T) {
	clk := clock.NewManaged(t0)
	log := &fakeLog{}
	m := &fakeMetrics{}

	storeA := occurrence.New(occurrence.DefaultConfig(), nil)
	storeB := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(storeA, t0, reminder.ChannelPush)
	seed(storeB, t0, reminder.ChannelPush)

	d := &recordingDispatcher{}
	a := newPoller(t, storeA, d, clk, WithDeliveryLog(log), WithMetrics(m))
	b := newPoller(t, storeB, d, clk, WithDeliveryLog(log), WithMetrics(m))

	a.Tick(context.Background())
	a.Wait()
	b.Tick(context.Background())
	b.Wait()

	if n := d.count(occs[0].DedupKey); n != 1 {
		t.Errorf("dispatched %d times across instances", n)
	}
	if m.dedup != 1 {
		t.Errorf("deduplicated = %d", m.dedup)
	}
	if state, _ := storeB.StateOf(occs[0].DedupKey); state != occurrence.StateFired {
		t.Errorf("duplicate instance should mark fired, got %s", state)
	}
	if len(log.delivered) != 1 {
		t.Errorf("delivered markers = %v", log.delivered)
	}
}

func TestTick_FailedDispatchReleasesClaim(t *testing.T) {
	clk := clock.NewManaged(t0)
	log := &fakeLog{}
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	seed(store, t0, reminder.ChannelPush)
	d := &recordingDispatcher{fn: func(context.Context, reminder.Occurrence) error {
		return reminder.ErrNoActiveSubscription
	}}
	p := newPoller(t, store, d, clk, WithDeliveryLog(log))

	p.Tick(context.Background())
	p.Wait()
	if len(log.released) != 1 || len(log.claimed) != 0 {
		t.Errorf("claim not released: %+v", log)
	}
}

func TestTick_SlowSuccessStillPersistsDelivery(t *testing.T) {
	clk := clock.NewManaged(t0)
	log := &fakeLog{}
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelEmail)
	d := &recordingDispatcher{fn: func(context.Context, reminder.Occurrence) error {
		time.Sleep(40 * time.Millisecond)
		return nil
	}}

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.DispatchTimeout = 20 * time.Millisecond
	p, err := New(cfg, store, d, nil, WithClock(clk), WithDeliveryLog(log))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	p.Tick(context.Background())
	p.Wait()

	if state, _ := store.StateOf(occs[0].DedupKey); state != occurrence.StateFired {
		t.Fatalf("expected fired, got %s", state)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.delivered) != 1 || log.delivered[0] != occs[0].DedupKey {
		t.Errorf("delivered marker not persisted after the dispatch deadline: %v", log.delivered)
	}
}

func TestTick_UnavailableChannelReported(t *testing.T) {
	clk := clock.NewManaged(t0)
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	seed(store, t0, reminder.ChannelBrowser)
	d := &recordingDispatcher{fn: func(context.Context, reminder.Occurrence) error {
		return reminder.ErrChannelUnavailable
	}}

	var narrowed []reminder.Channel
	var mu sync.Mutex
	p := newPoller(t, store, d, clk, WithUnavailable(func(ch reminder.Channel) {
		mu.Lock()
		narrowed = append(narrowed, ch)
		mu.Unlock()
	}))

	p.Tick(context.Background())
	p.Wait()
	if len(narrowed) != 1 || narrowed[0] != reminder.ChannelBrowser {
		t.Errorf("narrowed = %v", narrowed)
	}
}

func TestTick_DeliveredEventPublished(t *testing.T) {
	clk := clock.NewManaged(t0)
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelEmail)
	pub := &capturePublisher{}
	p := newPoller(t, store, &recordingDispatcher{}, clk, WithEvents(pub))

	p.Tick(context.Background())
	p.Wait()
	if len(pub.events) != 1 {
		t.Fatalf("events = %d", len(pub.events))
	}
	e := pub.events[0]
	if e.EventType != reminder.EventReminderDelivered || e.PatientID != "patient-1" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.AggregateID != occs[0].DedupKey {
		t.Errorf("aggregate id = %s", e.AggregateID)
	}
}

func TestStop_CancelsInFlightAndSeals(t *testing.T) {
	clk := clock.NewManaged(t0)
	store := occurrence.New(occurrence.DefaultConfig(), nil)
	occs := seed(store, t0, reminder.ChannelSMS)

	entered := make(chan struct{})
	d := &recordingDispatcher{fn: func(ctx context.Context, occ reminder.Occurrence) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}}
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	p, err := New(cfg, store, d, nil, WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	<-entered

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !store.Sealed() {
		t.Error("store should be sealed after stop")
	}
	if state, _ := store.StateOf(occs[0].DedupKey); state != occurrence.StatePending {
		t.Errorf("cancelled dispatch should stay unfired, got %s", state)
	}
	if r := p.Tick(context.Background()); !r.Skipped {
		t.Error("tick after stop should do nothing")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestReason(t *testing.T) {
	tests := map[string]error{
		"permission_denied":    reminder.ErrPermissionDenied,
		"subscription_expired": reminder.ErrSubscriptionExpired,
		"transport":            errors.Join(errors.New("x"), reminder.ErrTransportFailure),
		"cancelled":            context.Canceled,
		"error":                errors.New("boom"),
	}
	for want, err := range tests {
		if got := Reason(err); got != want {
			t.Errorf("Reason(%v) = %s, want %s", err, got, want)
		}
	}
}
