package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/the-mhdi/towerd/core/switchsig"
	"github.com/the-mhdi/towerd/pkg/events"
)

type fakeSource struct {
	mu    sync.Mutex
	name  string
	slot  uint64
	fails int // remaining failures before answering
	calls int
}

func (f *fakeSource) Slot(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return 0, errTransport
	}
	return f.slot, nil
}

func (f *fakeSource) Endpoint() string { return f.name }

func (f *fakeSource) set(slot uint64) {
	f.mu.Lock()
	f.slot = slot
	f.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Close() {}

func testConfig() Config {
	return Config{
		MaxCatchupSlot: 30,
		PollInterval:   5 * time.Millisecond,
		RequestTimeout: time.Second,
		RetryBudget:    5,
		RetryDelay:     time.Millisecond,
	}
}

func TestLagSaturates(t *testing.T) {
	tests := []struct {
		node, ref, want uint64
	}{
		{100, 125, 25},
		{100, 131, 31},
		{100, 100, 0},
		{131, 100, 0},
		{0, ^uint64(0), ^uint64(0)},
		{^uint64(0), 0, 0},
	}
	for _, tt := range tests {
		if got := Lag(tt.node, tt.ref); got != tt.want {
			t.Errorf("Lag(%d, %d) = %d, want %d", tt.node, tt.ref, got, tt.want)
		}
	}
}

func TestCycleThreshold(t *testing.T) {
	tests := []struct {
		name      string
		node, ref uint64
		want      bool
	}{
		{"within window", 100, 125, false},
		{"at threshold", 100, 130, false},
		{"behind", 100, 131, true},
		{"reference behind", 131, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := switchsig.New()
			m := New(zap.NewNop(), testConfig(),
				&fakeSource{name: "node", slot: tt.node},
				&fakeSource{name: "ref", slot: tt.ref}, sig, nil)

			obs, triggered, err := m.Cycle(context.Background())
			if err != nil {
				t.Fatalf("Cycle: %v", err)
			}
			if obs.NodeSlot != tt.node || obs.ReferenceSlot != tt.ref {
				t.Fatalf("observation = %+v", obs)
			}
			if triggered != tt.want || sig.Get() != tt.want {
				t.Fatalf("triggered = %v pending = %v, want %v", triggered, sig.Get(), tt.want)
			}
		})
	}
}

func TestCycleIsIdempotentWhileBehind(t *testing.T) {
	sig := switchsig.New()
	pub := &recordingPublisher{}
	m := New(zap.NewNop(), testConfig(),
		&fakeSource{name: "node", slot: 100},
		&fakeSource{name: "ref", slot: 200}, sig, pub)

	for i := 0; i < 3; i++ {
		if _, _, err := m.Cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if st := sig.Load(); !st.Pending || st.Generation != 1 {
		t.Fatalf("state = %+v, want pending generation 1", st)
	}
	if len(pub.events) != 1 || pub.events[0].Kind != events.KindSwitchRequested || pub.events[0].Lag != 100 {
		t.Fatalf("events = %+v", pub.events)
	}
}

func TestCycleRetriesTransientFailures(t *testing.T) {
	sig := switchsig.New()
	node := &fakeSource{name: "node", slot: 100, fails: 4}
	ref := &fakeSource{name: "ref", slot: 131}
	m := New(zap.NewNop(), testConfig(), node, ref, sig, nil)

	_, triggered, err := m.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !triggered || node.calls != 5 {
		t.Fatalf("triggered = %v node calls = %d", triggered, node.calls)
	}
}

func TestCycleFailsWhenBudgetExhausted(t *testing.T) {
	sig := switchsig.New()
	node := &fakeSource{name: "node", slot: 100}
	ref := &fakeSource{name: "ref", slot: 500, fails: 6}
	m := New(zap.NewNop(), testConfig(), node, ref, sig, nil)

	_, triggered, err := m.Cycle(context.Background())
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if triggered || sig.Get() {
		t.Fatal("failed cycle raised the signal")
	}
	if ref.calls != 6 {
		t.Fatalf("ref calls = %d, want 6", ref.calls)
	}
}

func TestMonitorSurvivesFailedCycles(t *testing.T) {
	sig := switchsig.New()
	node := &fakeSource{name: "node", slot: 100}
	ref := &fakeSource{name: "ref", slot: 110, fails: 20}
	m := New(zap.NewNop(), testConfig(), node, ref, sig, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	ref.set(140)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sig.WaitPending(ctx); err != nil {
		t.Fatalf("monitor never raised the signal: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	m := New(zap.NewNop(), testConfig(), &fakeSource{}, &fakeSource{}, switchsig.New(), nil)
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
}
