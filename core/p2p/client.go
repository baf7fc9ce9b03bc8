package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/the-mhdi/towerd/core/identity"
	"github.com/the-mhdi/towerd/core/switchsig"
	"github.com/the-mhdi/towerd/pkg/events"
)

// ErrAlreadyPrimary means a switch was requested on the node that votes.
var ErrAlreadyPrimary = errors.New("already primary, no tower to pull")

// Client pulls the tower from the peer whenever a switch is pending.
type Client struct {
	log     *zap.Logger
	host    host.Host
	peer    peer.ID
	gate    RoleGate
	store   ArtifactStore
	signal  *switchsig.Signal
	rotator identity.Rotator
	events  events.Publisher

	timeout       time.Duration
	retryInterval time.Duration
	afterReceive  func(ctx context.Context, data []byte)
}

// Run waits for the switch signal and performs handoffs until ctx ends.
// Failed attempts are logged and retried after retryInterval. A request
// raised while this node is primary stays pending until the role or the
// signal changes.
func (c *Client) Run(ctx context.Context) {
	var held uint64
	for {
		st, err := c.signal.WaitPending(ctx)
		if err != nil {
			return
		}

		err = c.Handoff(ctx, st)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrAlreadyPrimary):
			if held != st.Generation {
				held = st.Generation
				c.log.Info("Already primary, holding switch request", zap.Uint64("generation", st.Generation))
			}
		default:
			c.log.Error("Tower handoff failed",
				zap.String("kind", kindOf(err)),
				zap.Uint64("generation", st.Generation),
				zap.Duration("retry_in", c.retryInterval),
				zap.Error(err))
		}

		if !c.pause(ctx) {
			return
		}
	}
}

// pause waits retryInterval or until the signal changes.
func (c *Client) pause(ctx context.Context) bool {
	_, changed := c.signal.Changed()
	t := time.NewTimer(c.retryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-changed:
	}
	return true
}

// Handoff fetches, persists and confirms the tower for the pending
// generation st, then promotes this node. It returns ErrAlreadyPrimary
// without touching the signal when there is nobody to pull from.
func (c *Client) Handoff(ctx context.Context, st switchsig.State) error {
	primary, err := c.gate.IsPrimary()
	if err != nil {
		return fmt.Errorf("check role: %w", err)
	}
	if primary {
		return ErrAlreadyPrimary
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.host.Connect(cctx, peer.AddrInfo{ID: c.peer}); err != nil {
		return fmt.Errorf("connect %s: %w", c.peer, err)
	}
	s, err := c.host.NewStream(cctx, c.peer, ProtocolID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(c.timeout))

	data, err := RequestTower(s)
	if err != nil {
		_ = s.Reset()
		return err
	}
	if err := c.store.Write(data); err != nil {
		_ = s.Reset()
		return err
	}
	c.log.Info("Tower received and persisted",
		zap.String("peer", c.peer.String()),
		zap.Int("bytes", len(data)),
		zap.Uint64("generation", st.Generation))

	// The server demoted before serving, so promotion is safe even if the
	// confirmation is lost.
	if err := ConfirmTower(s); err != nil {
		c.log.Warn("Tower confirmation not delivered",
			zap.String("kind", "transient_network"),
			zap.String("peer", c.peer.String()),
			zap.Error(err))
	}

	if err := c.promote(ctx, st.Generation); err != nil {
		return err
	}

	c.signal.Clear(st.Generation)
	events.Emit(ctx, c.log, c.events, events.Event{
		Kind:       events.KindTowerReceived,
		Peer:       c.peer.String(),
		Generation: st.Generation,
		Bytes:      len(data),
	})

	if c.afterReceive != nil {
		c.afterReceive(ctx, data)
	}
	return nil
}

// promote keeps trying until this node holds the identity. The peer has
// already demoted, so giving up would leave nobody voting.
func (c *Client) promote(ctx context.Context, gen uint64) error {
	for attempt := 1; ; attempt++ {
		err := c.rotator.Promote(ctx)
		if err == nil {
			return nil
		}
		c.log.Error("Promote after handoff failed, retrying",
			zap.String("kind", kindOf(err)),
			zap.Uint64("generation", gen),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", c.retryInterval),
			zap.Error(err))

		t := time.NewTimer(c.retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("promote after handoff: %w", err)
		case <-t.C:
		}
	}
}
