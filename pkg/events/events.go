// Package events publishes handoff milestones for operators.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindSwitchRequested  Kind = "switch_requested"
	KindTowerServed      Kind = "tower_served"
	KindRequestRefused   Kind = "request_refused"
	KindHandoffConfirmed Kind = "handoff_confirmed"
	KindTowerReceived    Kind = "tower_received"
)

type Event struct {
	Kind       Kind      `json:"kind"`
	Host       string    `json:"host,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	NodeSlot   uint64    `json:"node_slot,omitempty"`
	RefSlot    uint64    `json:"reference_slot,omitempty"`
	Lag        uint64    `json:"lag,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
	Time       time.Time `json:"time"`
}

func Encode(ev Event) ([]byte, error) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return json.Marshal(ev)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Emit publishes ev and logs instead of failing; events never block a handoff.
func Emit(ctx context.Context, log *zap.Logger, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn("Failed to publish event", zap.String("event", string(ev.Kind)), zap.Error(err))
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
func (nopPublisher) Close()                               {}

// Nop discards every event.
func Nop() Publisher { return nopPublisher{} }
