package identity

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

var ErrNoCommand = errors.New("identity command not configured")

// Rotator moves the voting identity on or off this node.
//
// Demote must have stopped voting with the shared identity when it returns nil;
// the tower is only read and served after that.
type Rotator interface {
	Demote(ctx context.Context) error
	Promote(ctx context.Context) error
}

// CommandRotator runs operator supplied shell commands, typically a
// set-identity call against the local validator. An empty command fails
// with ErrNoCommand, since nothing would actually stop or start voting.
type CommandRotator struct {
	log     *zap.Logger
	demote  string
	promote string
}

func NewCommandRotator(log *zap.Logger, demote, promote string) *CommandRotator {
	return &CommandRotator{log: log, demote: demote, promote: promote}
}

func (r *CommandRotator) Demote(ctx context.Context) error {
	return r.run(ctx, "demote", r.demote)
}

func (r *CommandRotator) Promote(ctx context.Context) error {
	return r.run(ctx, "promote", r.promote)
}

func (r *CommandRotator) run(ctx context.Context, action, command string) error {
	if command == "" {
		r.log.Error("No identity command configured", zap.String("kind", "config"), zap.String("action", action))
		return fmt.Errorf("%s identity: %w", action, ErrNoCommand)
	}

	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	if err != nil {
		r.log.Error("Identity command failed",
			zap.String("action", action),
			zap.ByteString("output", out),
			zap.Error(err))
		return fmt.Errorf("%s identity: %w", action, err)
	}

	r.log.Info("Identity command finished", zap.String("action", action), zap.ByteString("output", out))
	return nil
}
