package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	host "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/the-mhdi/towerd/core/identity"
	"github.com/the-mhdi/towerd/core/switchsig"
	"github.com/the-mhdi/towerd/core/tower"
	"github.com/the-mhdi/towerd/pkg/events"
)

type Options struct {
	// ListenPort is used for both the QUIC and TCP listeners unless
	// ListenAddrs is set.
	ListenPort  int
	ListenAddrs []string
	Identity    crypto.PrivKey
	// PeerAddr is the counterpart's multiaddr ending in /p2p/<peer id>.
	PeerAddr string

	StreamTimeout time.Duration
	RetryInterval time.Duration

	Gate    RoleGate
	Store   ArtifactStore
	Signal  *switchsig.Signal
	Rotator identity.Rotator
	Events  events.Publisher
	// AfterReceive runs after a received tower was persisted and the node promoted.
	AfterReceive func(ctx context.Context, data []byte)
}

// P2PService owns the libp2p host and runs both sides of the tower handoff.
type P2PService struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
	host   host.Host
	peer   peer.AddrInfo
	proto  *Protocol
	client *Client
	done   chan struct{}
}

func New(ctx context.Context, log *zap.Logger, opts Options) (*P2PService, error) {
	if opts.Identity == nil {
		return nil, errors.New("p2p identity key not set")
	}
	pi, err := peer.AddrInfoFromString(opts.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %q: %w", opts.PeerAddr, err)
	}

	listen := opts.ListenAddrs
	if len(listen) == 0 {
		listen = []string{
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", opts.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort),
		}
	}
	addrs := make([]ma.Multiaddr, 0, len(listen))
	for _, a := range listen {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", a, err)
		}
		addrs = append(addrs, m)
	}

	h, err := libp2p.New(
		libp2p.Identity(opts.Identity),
		libp2p.ListenAddrs(addrs...),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.DefaultTransports,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	h.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	pub := opts.Events
	if pub == nil {
		pub = events.Nop()
	}

	kctx, cancel := context.WithCancel(ctx)
	return &P2PService{
		ctx:    kctx,
		cancel: cancel,
		log:    log,
		host:   h,
		peer:   *pi,
		proto:  NewProtocol(log, opts.Gate, opts.Store, opts.Signal, opts.Rotator, pub, pi.ID, opts.StreamTimeout),
		client: &Client{
			log:           log,
			host:          h,
			peer:          pi.ID,
			gate:          opts.Gate,
			store:         opts.Store,
			signal:        opts.Signal,
			rotator:       opts.Rotator,
			events:        pub,
			timeout:       opts.StreamTimeout,
			retryInterval: opts.RetryInterval,
			afterReceive:  opts.AfterReceive,
		},
	}, nil
}

func (p *P2PService) Name() string { return "p2p" }

func (p *P2PService) Host() host.Host { return p.host }

func (p *P2PService) Start(ctx context.Context) error {
	p.log.Info("Starting P2P subsystem",
		zap.String("id", p.host.ID().String()),
		zap.Any("addrs", p.host.Addrs()),
		zap.String("peer", p.peer.ID.String()))

	p.host.SetStreamHandler(ProtocolID, p.proto.HandleStream)

	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.client.Run(p.ctx)
	}()
	return nil
}

func (p *P2PService) Stop() error {
	p.log.Info("Stopping P2P subsystem")
	p.cancel()
	p.host.RemoveStreamHandler(ProtocolID)
	if err := p.host.Close(); err != nil {
		return err
	}
	if p.done == nil {
		return nil
	}
	select {
	case <-p.done:
	case <-time.After(p.client.timeout + time.Second):
		p.log.Warn("Handoff client did not stop in time")
	}
	return nil
}

// LoadHostKey reads the transport identity from a PKCS#8 PEM ed25519 key.
func LoadHostKey(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transport key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("transport key %s: no PEM block", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("transport key %s: %w", path, err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("transport key %s: %T is not ed25519", path, key)
	}
	return crypto.UnmarshalEd25519PrivateKey(edKey)
}

// GenerateHostKey writes a fresh transport key to path and returns its peer ID.
func GenerateHostKey(path string) (peer.ID, error) {
	_, edKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(edKey)
	if err != nil {
		return "", err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write transport key: %w", err)
	}

	priv, err := crypto.UnmarshalEd25519PrivateKey(edKey)
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(priv)
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, tower.ErrPersist), errors.Is(err, tower.ErrEmptyArtifact):
		return "persistence"
	case errors.Is(err, identity.ErrMissingConfig), errors.Is(err, identity.ErrUnreadableKey),
		errors.Is(err, identity.ErrNoCommand), errors.Is(err, identity.ErrRoleState):
		return "config"
	case errors.Is(err, ErrNoArtifact):
		return "authorization_denial"
	case errors.Is(err, ErrProtocol), errors.Is(err, tower.ErrArtifactTooLarge):
		return "protocol"
	default:
		return "transient_network"
	}
}
