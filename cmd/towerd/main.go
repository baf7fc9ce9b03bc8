package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/the-mhdi/towerd/core/identity"
	"github.com/the-mhdi/towerd/core/monitor"
	"github.com/the-mhdi/towerd/core/node"
	"github.com/the-mhdi/towerd/core/p2p"
	"github.com/the-mhdi/towerd/core/status"
	"github.com/the-mhdi/towerd/core/switchsig"
	"github.com/the-mhdi/towerd/core/tower"
	"github.com/the-mhdi/towerd/pkg/backup"
	"github.com/the-mhdi/towerd/pkg/config"
	"github.com/the-mhdi/towerd/pkg/events"
	"github.com/the-mhdi/towerd/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	restore := flag.Bool("restore", false, "download the tower backup into TOWER_FILE_PATH and exit")
	genKey := flag.String("genkey", "", "write a new transport key to this path, print its peer ID and exit")
	flag.Parse()

	if *genKey != "" {
		id, err := p2p.GenerateHostKey(*genKey)
		if err != nil {
			log.Fatalf("failed to generate transport key: %v", err)
		}
		fmt.Println(id)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	if err := cfg.Validate(); err != nil {
		logr.Fatal("Invalid configuration", zap.String("kind", "config"), zap.Error(err))
	}

	store := tower.NewStore(cfg.Tower.Path)

	var backups *backup.Store
	if cfg.BackupEnabled() {
		backups, err = backup.New(context.Background(), backup.Options{
			AccountID:       cfg.Backup.AccountID,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
			Bucket:          cfg.Backup.Bucket,
		})
		if err != nil {
			logr.Fatal("Failed to init backup store", zap.String("kind", "config"), zap.Error(err))
		}
	}

	if *restore {
		if backups == nil {
			logr.Fatal("Restore requested but R2 backup is not configured", zap.String("kind", "config"))
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := backups.DownloadFile(ctx, cfg.Backup.ObjectKey, store)
		if err != nil {
			logr.Fatal("Tower restore failed", zap.String("kind", "persistence"), zap.Error(err))
		}
		logr.Info("Tower restored", zap.String("path", store.Path()), zap.Int("bytes", n))
		return
	}

	gate := identity.NewGate(cfg.Identity.ReferenceKeyPath, cfg.Identity.PrimaryKeyPath,
		identity.WithStateFile(cfg.Identity.RoleStatePath))
	reference, local, err := gate.Identities()
	if err != nil {
		logr.Fatal("Failed to load validator identities", zap.String("kind", "config"), zap.Error(err))
	}
	primary, err := gate.IsPrimary()
	if err != nil {
		logr.Fatal("Failed to determine role", zap.String("kind", "config"), zap.Error(err))
	}
	logr.Info("Validator identities",
		zap.Stringer("reference", reference),
		zap.Stringer("local", local),
		zap.String("role_state", cfg.Identity.RoleStatePath),
		zap.Bool("primary", primary))

	rotator := gate.Track(identity.NewCommandRotator(logr, cfg.Identity.DemoteCommand, cfg.Identity.PromoteCommand))

	hostKey, err := p2p.LoadHostKey(cfg.P2P.KeyPath)
	if err != nil {
		logr.Fatal("Failed to load transport key", zap.String("kind", "config"), zap.Error(err))
	}

	var pub events.Publisher = events.Nop()
	if cfg.Events.Brokers != "" {
		kp, err := events.NewKafkaPublisher(logr, cfg.Events.Brokers, cfg.Events.Topic)
		if err != nil {
			logr.Fatal("Failed to init event publisher", zap.String("kind", "config"), zap.Error(err))
		}
		pub = kp
	}
	defer pub.Close()

	n := node.New(cfg, logr)
	sig := switchsig.New()

	// --- Health monitor ---
	nodeRPC, err := monitor.NewRPCSlotSource(n.Context(), cfg.Monitor.NodeURL)
	if err != nil {
		logr.Fatal("Failed to init node RPC client", zap.String("kind", "config"), zap.Error(err))
	}
	defer nodeRPC.Close()
	refRPC, err := monitor.NewRPCSlotSource(n.Context(), cfg.Monitor.RPCURL)
	if err != nil {
		logr.Fatal("Failed to init reference RPC client", zap.String("kind", "config"), zap.Error(err))
	}
	defer refRPC.Close()

	n.RegisterService(monitor.New(logr, monitor.Config{
		MaxCatchupSlot: cfg.Monitor.MaxCatchupSlot,
		PollInterval:   cfg.Monitor.PollInterval,
		RequestTimeout: cfg.Monitor.RequestTimeout,
		RetryBudget:    cfg.Monitor.RetryBudget,
		RetryDelay:     cfg.Monitor.RetryDelay,
	}, nodeRPC, refRPC, sig, pub))

	// --- Off-box backup ---
	var afterReceive func(ctx context.Context, data []byte)
	if backups != nil {
		uploader := backup.NewUploader(logr, backups, cfg.Backup.ObjectKey, store, gate, cfg.Backup.Interval)
		n.RegisterService(uploader)
		afterReceive = func(ctx context.Context, _ []byte) { uploader.Upload(ctx) }
	}

	// --- Add P2P subsystem ---
	p2pSvc, err := p2p.New(n.Context(), logr, p2p.Options{
		ListenPort:    cfg.P2P.Port,
		Identity:      hostKey,
		PeerAddr:      cfg.P2P.PeerAddr,
		StreamTimeout: cfg.P2P.StreamTimeout,
		RetryInterval: cfg.P2P.RetryInterval,
		Gate:          gate,
		Store:         store,
		Signal:        sig,
		Rotator:       rotator,
		Events:        pub,
		AfterReceive:  afterReceive,
	})
	if err != nil {
		logr.Fatal("Failed to init P2P", zap.String("kind", "config"), zap.Error(err))
	}
	n.RegisterService(p2pSvc)

	// --- Status endpoint ---
	if cfg.Status.ListenAddr != "" {
		n.RegisterService(status.New(logr, cfg.Status.ListenAddr, cfg.Status.Interval, gate, sig))
	}

	if err := n.Start(); err != nil {
		logr.Fatal("Node failed to start", zap.Error(err))
	}

	<-n.Context().Done()
}
