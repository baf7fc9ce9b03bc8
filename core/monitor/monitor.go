// Package monitor watches how far the local node trails an independent
// reference node and raises the switch signal when it falls too far behind.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/the-mhdi/towerd/core/switchsig"
	"github.com/the-mhdi/towerd/pkg/events"
)

type Config struct {
	MaxCatchupSlot uint64
	PollInterval   time.Duration
	RequestTimeout time.Duration
	RetryBudget    int
	RetryDelay     time.Duration
}

// Observation is one poll of both endpoints.
type Observation struct {
	NodeSlot      uint64
	ReferenceSlot uint64
}

// Lag is how many slots the node trails the reference; never negative.
func (o Observation) Lag() uint64 {
	return Lag(o.NodeSlot, o.ReferenceSlot)
}

func Lag(nodeSlot, referenceSlot uint64) uint64 {
	if referenceSlot <= nodeSlot {
		return 0
	}
	return referenceSlot - nodeSlot
}

type Monitor struct {
	log       *zap.Logger
	cfg       Config
	node      SlotSource
	reference SlotSource
	signal    *switchsig.Signal
	events    events.Publisher

	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *zap.Logger, cfg Config, node, reference SlotSource, sig *switchsig.Signal, pub events.Publisher) *Monitor {
	if pub == nil {
		pub = events.Nop()
	}
	return &Monitor{
		log:       log,
		cfg:       cfg,
		node:      node,
		reference: reference,
		signal:    sig,
		events:    pub,
	}
}

func (m *Monitor) Name() string { return "monitor" }

func (m *Monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.log.Info("Starting health monitor",
		zap.String("node", m.node.Endpoint()),
		zap.String("reference", m.reference.Endpoint()),
		zap.Uint64("max_catchup_slot", m.cfg.MaxCatchupSlot))

	go m.run(ctx)
	return nil
}

func (m *Monitor) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if _, _, err := m.Cycle(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("Health check cycle failed",
				zap.String("kind", "transient_network"),
				zap.Error(err))
		}
		t.Reset(m.cfg.PollInterval)
	}
}

// Cycle polls both endpoints once and raises the switch signal if the node
// trails by more than MaxCatchupSlot. It reports whether the signal is now
// pending because of this observation.
func (m *Monitor) Cycle(ctx context.Context) (Observation, bool, error) {
	var obs Observation
	var err error

	if obs.NodeSlot, err = m.fetch(ctx, m.node, "node"); err != nil {
		return obs, false, err
	}
	if obs.ReferenceSlot, err = m.fetch(ctx, m.reference, "reference"); err != nil {
		return obs, false, err
	}

	lag := obs.Lag()
	if lag <= m.cfg.MaxCatchupSlot {
		m.log.Debug("Node within catchup window",
			zap.Uint64("node_slot", obs.NodeSlot),
			zap.Uint64("reference_slot", obs.ReferenceSlot),
			zap.Uint64("lag", lag))
		return obs, false, nil
	}

	before := m.signal.Load()
	after := m.signal.Set(true)
	if after.Generation != before.Generation {
		m.log.Warn("Node behind reference, requesting switch",
			zap.Uint64("node_slot", obs.NodeSlot),
			zap.Uint64("reference_slot", obs.ReferenceSlot),
			zap.Uint64("lag", lag),
			zap.Uint64("generation", after.Generation))
		events.Emit(ctx, m.log, m.events, events.Event{
			Kind:       events.KindSwitchRequested,
			Generation: after.Generation,
			NodeSlot:   obs.NodeSlot,
			RefSlot:    obs.ReferenceSlot,
			Lag:        lag,
		})
	}
	return obs, true, nil
}

func (m *Monitor) fetch(ctx context.Context, src SlotSource, role string) (uint64, error) {
	var slot uint64
	r := Retry{
		Budget: m.cfg.RetryBudget,
		Delay:  m.cfg.RetryDelay,
		Report: func(retry int, err error) {
			m.log.Warn("Slot fetch failed, retrying",
				zap.String("kind", "transient_network"),
				zap.String("endpoint", role),
				zap.String("url", src.Endpoint()),
				zap.Int("retry", retry),
				zap.Int("budget", m.cfg.RetryBudget),
				zap.Error(err))
		},
	}

	err := r.Do(ctx, func(ctx context.Context) error {
		if m.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
			defer cancel()
		}
		s, err := src.Slot(ctx)
		if err != nil {
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		m.log.Error("Slot fetch retry budget exhausted",
			zap.String("kind", "transient_network"),
			zap.String("endpoint", role),
			zap.String("url", src.Endpoint()),
			zap.Error(err))
		return 0, err
	}
	return slot, nil
}
