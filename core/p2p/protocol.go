package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/the-mhdi/towerd/core/identity"
	"github.com/the-mhdi/towerd/core/switchsig"
	"github.com/the-mhdi/towerd/core/tower"
	"github.com/the-mhdi/towerd/pkg/events"
)

const ProtocolID = protocol.ID("/tower-handoff/1.0.0")

var (
	ErrUnauthorizedPeer = errors.New("peer not authorized for tower handoff")
	ErrNoArtifact       = errors.New("peer sent no tower artifact")
)

// RoleGate decides whether this node may serve the tower right now.
type RoleGate interface {
	IsPrimary() (bool, error)
}

type ArtifactStore interface {
	Read() ([]byte, error)
	Write(data []byte) error
}

// duplex is a bidirectional ordered stream whose write side can be closed
// on its own. network.Stream and *net.TCPConn both qualify.
type duplex interface {
	io.Reader
	io.Writer
	CloseWrite() error
}

// Protocol runs the serving side of a tower handoff.
type Protocol struct {
	log     *zap.Logger
	gate    RoleGate
	store   ArtifactStore
	signal  *switchsig.Signal
	rotator identity.Rotator
	events  events.Publisher

	allowed peer.ID
	timeout time.Duration
}

func NewProtocol(log *zap.Logger, gate RoleGate, store ArtifactStore, sig *switchsig.Signal,
	rotator identity.Rotator, pub events.Publisher, allowed peer.ID, timeout time.Duration) *Protocol {
	if pub == nil {
		pub = events.Nop()
	}
	return &Protocol{
		log:     log,
		gate:    gate,
		store:   store,
		signal:  sig,
		rotator: rotator,
		events:  pub,
		allowed: allowed,
		timeout: timeout,
	}
}

// HandleStream is the libp2p stream handler for ProtocolID.
func (p *Protocol) HandleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	if p.allowed != "" && remote != p.allowed {
		p.log.Warn("Rejected tower stream",
			zap.String("kind", "authorization_denial"),
			zap.String("peer", remote.String()),
			zap.Error(ErrUnauthorizedPeer))
		_ = s.Reset()
		return
	}

	if p.timeout > 0 {
		_ = s.SetDeadline(time.Now().Add(p.timeout))
	}

	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.Serve(ctx, s, remote.String()); err != nil {
		p.log.Warn("Tower stream failed",
			zap.String("kind", "protocol"),
			zap.String("peer", remote.String()),
			zap.Error(err))
		_ = s.Reset()
		return
	}
	_ = s.Close()
}

// Serve runs the command loop until the peer closes its side. The error is
// scoped to this stream only.
func (p *Protocol) Serve(ctx context.Context, rw duplex, remote string) error {
	r := newCommandReader(rw)
	served := false
	expect := CmdTowerRequest

	for {
		cmd, err := readCommand(r, expect)
		if errors.Is(err, io.EOF) {
			p.log.Debug("Tower stream closed", zap.String("peer", remote))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		switch cmd {
		case CmdTowerRequest:
			ok, err := p.serveRequest(ctx, rw, remote)
			if err != nil {
				return err
			}
			served = served || ok
			expect = CmdTowerConfirm
		case CmdTowerConfirm:
			p.handleConfirm(ctx, remote, served)
		default:
			p.log.Debug("Ignoring unknown command", zap.String("peer", remote), zap.String("command", string(cmd)))
		}
	}
}

// serveRequest answers one request. Refusals are a zero-byte response. The
// returned error is reserved for stream failures.
func (p *Protocol) serveRequest(ctx context.Context, w duplex, remote string) (bool, error) {
	primary, err := p.gate.IsPrimary()
	if err != nil {
		p.log.Error("Cannot determine role, refusing tower request",
			zap.String("kind", "config"),
			zap.String("peer", remote),
			zap.Error(err))
		return false, p.refuse(ctx, w, remote)
	}
	if !primary {
		p.log.Info("Not primary, refusing tower request",
			zap.String("kind", "authorization_denial"),
			zap.String("peer", remote))
		return false, p.refuse(ctx, w, remote)
	}

	// Fail before demoting if the artifact cannot be served at all.
	if _, err := p.store.Read(); err != nil {
		p.log.Error("Tower unreadable, refusing request",
			zap.String("kind", "persistence"),
			zap.String("peer", remote),
			zap.Error(err))
		return false, p.refuse(ctx, w, remote)
	}

	if err := p.rotator.Demote(ctx); err != nil {
		p.log.Error("Demote failed, refusing tower request",
			zap.String("kind", "config"),
			zap.String("peer", remote),
			zap.Error(err))
		return false, p.refuse(ctx, w, remote)
	}

	// Nothing is served until the gate agrees this node stopped voting.
	if still, err := p.gate.IsPrimary(); err != nil || still {
		p.log.Error("Demote did not release the voting identity, refusing tower request",
			zap.String("kind", "config"),
			zap.String("peer", remote),
			zap.Bool("primary", still),
			zap.Error(err))
		return false, p.refuse(ctx, w, remote)
	}

	// Read again after demotion so the snapshot includes the last vote.
	data, err := p.store.Read()
	if err != nil {
		p.log.Error("Demoted but tower unreadable, no node is voting",
			zap.String("kind", "persistence"),
			zap.String("peer", remote),
			zap.Error(err))
		return false, p.refuse(ctx, w, remote)
	}

	if _, err := w.Write(data); err != nil {
		return false, fmt.Errorf("write tower: %w", err)
	}
	if err := w.CloseWrite(); err != nil {
		return false, fmt.Errorf("close write: %w", err)
	}

	p.log.Info("Served tower", zap.String("peer", remote), zap.Int("bytes", len(data)))
	events.Emit(ctx, p.log, p.events, events.Event{Kind: events.KindTowerServed, Peer: remote, Bytes: len(data)})
	return true, nil
}

func (p *Protocol) refuse(ctx context.Context, w duplex, remote string) error {
	events.Emit(ctx, p.log, p.events, events.Event{Kind: events.KindRequestRefused, Peer: remote})
	if err := w.CloseWrite(); err != nil {
		return fmt.Errorf("close write: %w", err)
	}
	return nil
}

func (p *Protocol) handleConfirm(ctx context.Context, remote string, served bool) {
	p.signal.Set(false)
	p.log.Info("Peer confirmed tower receipt",
		zap.String("peer", remote),
		zap.Bool("served_on_stream", served))
	events.Emit(ctx, p.log, p.events, events.Event{Kind: events.KindHandoffConfirmed, Peer: remote})
}

// RequestTower sends a request and reads the response up to the protocol
// maximum. Empty and oversize responses are rejected.
func RequestTower(rw duplex) ([]byte, error) {
	if _, err := rw.Write(EncodeCommand(CmdTowerRequest)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(rw, tower.Size+1))
	if err != nil {
		return nil, fmt.Errorf("read tower: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoArtifact
	}
	if len(data) > tower.Size {
		return nil, fmt.Errorf("%w: more than %d bytes", tower.ErrArtifactTooLarge, tower.Size)
	}
	return data, nil
}

// ConfirmTower tells the serving peer the artifact was persisted and closes
// our write side.
func ConfirmTower(rw duplex) error {
	if _, err := rw.Write(EncodeCommand(CmdTowerConfirm)); err != nil {
		return fmt.Errorf("write confirmation: %w", err)
	}
	return rw.CloseWrite()
}
