package monitor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// SlotSource reports a chain's current slot.
type SlotSource interface {
	Slot(ctx context.Context) (uint64, error)
	Endpoint() string
}

// RPCSlotSource queries getSlot at confirmed commitment over JSON-RPC.
type RPCSlotSource struct {
	url    string
	client *rpc.Client
}

func NewRPCSlotSource(ctx context.Context, url string) (*RPCSlotSource, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return &RPCSlotSource{url: url, client: c}, nil
}

func (s *RPCSlotSource) Slot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := s.client.CallContext(ctx, &slot, "getSlot", map[string]string{"commitment": "confirmed"}); err != nil {
		return 0, err
	}
	return slot, nil
}

func (s *RPCSlotSource) Endpoint() string { return s.url }

func (s *RPCSlotSource) Close() { s.client.Close() }
