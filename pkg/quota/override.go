package quota

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/store"
)

// SessionRevoker invalidates a worker's outstanding sessions. *session.RedisRevoker
// and *session.MemoryRevoker implement it.
type SessionRevoker interface {
	Revoke(ctx context.Context, workerID string, at time.Time) error
}

// OverrideGate is the administrative escape hatch. It goes through the same
// commit path as regular requests.
type OverrideGate struct {
	controller *AdmissionController
	revoker    SessionRevoker
	logger     *zap.Logger
}

func NewOverrideGate(controller *AdmissionController, revoker SessionRevoker, logger *zap.Logger) *OverrideGate {
	return &OverrideGate{controller: controller, revoker: revoker, logger: logger}
}

// ForceClose closes the worker's open interval regardless of how it was
// opened. Without one it is a no-op success.
func (g *OverrideGate) ForceClose(ctx context.Context, workerID uuid.UUID) (*StopResult, error) {
	result, err := g.controller.close(ctx, workerID, sourceForce)
	if err != nil {
		return nil, err
	}
	g.logger.Info("force close",
		zap.String("worker_id", workerID.String()),
		zap.Bool("stopped", result.Stopped),
	)
	return result, nil
}

// ForceLogout revokes the worker's sessions so it cannot be admitted until it
// authenticates again. It leaves any open interval untouched.
func (g *OverrideGate) ForceLogout(ctx context.Context, workerID uuid.UUID) error {
	if err := g.requireWorker(ctx, workerID); err != nil {
		return err
	}

	if err := g.revoker.Revoke(ctx, workerID.String(), g.controller.clock.now()); err != nil {
		g.logger.Error("failed to revoke session", zap.String("worker_id", workerID.String()), zap.Error(err))
		return err
	}

	g.controller.notify(eventbus.TypeForceLogout, eventbus.SessionEvent{WorkerID: workerID.String()})
	g.logger.Info("force logout", zap.String("worker_id", workerID.String()))
	return nil
}

// NotifyWorker sends a message to the open streams of one worker. Nothing is
// stored, so a worker without a stream never sees it.
func (g *OverrideGate) NotifyWorker(ctx context.Context, workerID uuid.UUID, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}
	if err := g.requireWorker(ctx, workerID); err != nil {
		return err
	}

	g.controller.notify(eventbus.TypePersonalNotification, eventbus.PersonalEvent{
		WorkerID: workerID.String(),
		Message:  message,
	})
	g.logger.Info("personal notification sent", zap.String("worker_id", workerID.String()))
	return nil
}

func (g *OverrideGate) requireWorker(ctx context.Context, workerID uuid.UUID) error {
	err := g.controller.store.Snapshot(ctx, func(r store.Reader) error {
		_, err := r.Worker(ctx, workerID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrWorkerNotFound
	}
	return err
}
