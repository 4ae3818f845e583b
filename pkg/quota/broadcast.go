package quota

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/store"
)

// SetBroadcast stores the banner shown to every worker and announces it.
func (a *AdmissionController) SetBroadcast(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}
	return a.storeBroadcast(ctx, &message)
}

// ClearBroadcast removes the banner. Clearing an absent banner still announces
// it, so late observers converge.
func (a *AdmissionController) ClearBroadcast(ctx context.Context) error {
	return a.storeBroadcast(ctx, nil)
}

// Broadcast returns the active banner, or nil.
func (a *AdmissionController) Broadcast(ctx context.Context) (*string, error) {
	var message *string
	err := a.store.Snapshot(ctx, func(r store.Reader) error {
		var err error
		message, err = broadcastOf(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

// storeBroadcast keeps a cleared banner as an empty value.
func (a *AdmissionController) storeBroadcast(ctx context.Context, message *string) error {
	value := ""
	if message != nil {
		value = *message
	}

	payload := eventbus.BroadcastEvent{Message: message, ServerReferenceTime: a.clock.now()}
	err := a.store.Atomic(ctx, func(l store.Ledger) error {
		if err := l.PutSetting(ctx, model.SettingBroadcastMessage, value); err != nil {
			return err
		}
		return appendEvent(ctx, l, eventbus.TypeBroadcastChanged, payload)
	})
	if err != nil {
		return err
	}

	a.notify(eventbus.TypeBroadcastChanged, payload)
	a.logger.Info("broadcast updated", zap.Bool("active", message != nil))
	return nil
}

func broadcastOf(ctx context.Context, r store.Reader) (*string, error) {
	value, ok, err := r.Setting(ctx, model.SettingBroadcastMessage)
	if err != nil || !ok || value == "" {
		return nil, err
	}
	return &value, nil
}
