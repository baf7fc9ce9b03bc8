package backup

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type RoleGate interface {
	IsPrimary() (bool, error)
}

// Uploader periodically copies the tower off-box while this node votes.
type Uploader struct {
	log      *zap.Logger
	store    *Store
	key      string
	local    Artifacts
	gate     RoleGate
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewUploader(log *zap.Logger, store *Store, key string, local Artifacts, gate RoleGate, interval time.Duration) *Uploader {
	return &Uploader{
		log:      log,
		store:    store,
		key:      key,
		local:    local,
		gate:     gate,
		interval: interval,
	}
}

func (u *Uploader) Name() string { return "backup" }

func (u *Uploader) Start(ctx context.Context) error {
	ctx, u.cancel = context.WithCancel(ctx)
	u.done = make(chan struct{})

	u.log.Info("Starting tower backup",
		zap.String("bucket", u.store.bucket),
		zap.String("key", u.key),
		zap.Duration("interval", u.interval))

	go func() {
		defer close(u.done)
		t := time.NewTicker(u.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				u.Tick(ctx)
			}
		}
	}()
	return nil
}

func (u *Uploader) Stop() error {
	if u.cancel == nil {
		return nil
	}
	u.cancel()
	<-u.done
	return nil
}

// Tick uploads once if this node is primary and reports whether it did.
func (u *Uploader) Tick(ctx context.Context) bool {
	primary, err := u.gate.IsPrimary()
	if err != nil {
		u.log.Warn("Skipping backup, role unknown", zap.String("kind", "config"), zap.Error(err))
		return false
	}
	if !primary {
		return false
	}
	return u.Upload(ctx)
}

// Upload copies the current tower regardless of role. Failures are logged.
func (u *Uploader) Upload(ctx context.Context) bool {
	n, err := u.store.UploadFile(ctx, u.key, u.local)
	if err != nil {
		u.log.Warn("Tower backup failed",
			zap.String("kind", "persistence"),
			zap.String("key", u.key),
			zap.Error(err))
		return false
	}
	u.log.Debug("Tower backed up", zap.String("key", u.key), zap.Int("bytes", n))
	return true
}
