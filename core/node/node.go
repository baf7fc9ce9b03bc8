package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/the-mhdi/towerd/pkg/config"
)

type Node struct {
	cfg    *config.Config
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	services []Service // Registered services
	started  int
	stopOnce sync.Once
}

type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

func New(cfg *config.Config, log *zap.Logger) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (n *Node) RegisterService(s Service) {
	n.services = append(n.services, s)
}

// Start starts services in registration order. If one fails, the ones
// already running are stopped again.
func (n *Node) Start() error {
	n.log.Info("Starting tower agent",
		zap.String("peer", n.cfg.P2P.PeerAddr),
		zap.Int("port", n.cfg.P2P.Port),
		zap.String("tower", n.cfg.Tower.Path))

	for _, s := range n.services {
		if err := s.Start(n.ctx); err != nil {
			n.Stop()
			return fmt.Errorf("failed to start service %s: %w", s.Name(), err)
		}
		n.started++
		n.log.Info("Started service", zap.String("name", s.Name()))
	}

	go n.handleInterrupt()
	return nil
}

func (n *Node) handleInterrupt() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		n.log.Info("Shutting down tower agent...", zap.String("signal", sig.String()))
		n.Stop()
	case <-n.ctx.Done():
	}
}

// Stop stops started services in reverse order. Safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		for i := n.started - 1; i >= 0; i-- {
			s := n.services[i]
			n.log.Info("Stopping service", zap.String("name", s.Name()))
			if err := s.Stop(); err != nil {
				n.log.Warn("Error stopping service", zap.String("name", s.Name()), zap.Error(err))
			}
		}
		n.cancel()

		n.log.Info("Node shutdown complete")
	})
}

func (n *Node) Context() context.Context {
	return n.ctx
}
