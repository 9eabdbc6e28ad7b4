package sharding

import (
	"context"
	"log/slog"
)

// Replier is the capability handed to an entity behavior for completing
// messages. It is bound to one entity address; every completion writes the
// terminal state to MailboxStorage and refreshes the entity's idle clock.
//
// The manager never infers completion: a message left without a reply stays
// Pending and may be re-delivered on recovery.
type Replier struct {
	log     *slog.Logger
	address EntityAddress
	storage MailboxStorage
	metrics ShardingMetrics
	touch   func()
}

// Address returns the entity address this replier is bound to.
func (r *Replier) Address() EntityAddress { return r.address }

// Succeed completes msg with a success value. An encoding failure of the
// value is logged and returned, never retried.
func (r *Replier) Succeed(ctx context.Context, msg Msg, value any) error {
	exit, err := ExitSucceed(value)
	if err != nil {
		r.log.Error(
			"failed to encode reply",
			slog.String("address", r.address.String()),
			slog.String("key", msg.Key),
			slog.Any("error", err),
		)
		return err
	}
	return r.Complete(ctx, msg, exit)
}

// Fail completes msg with a failure.
func (r *Replier) Fail(ctx context.Context, msg Msg, cause error) error {
	return r.Complete(ctx, msg, ExitFail(cause.Error()))
}

// FailCause completes msg with a failure cause string.
func (r *Replier) FailCause(ctx context.Context, msg Msg, cause string) error {
	return r.Complete(ctx, msg, ExitFail(cause))
}

// Complete writes the terminal exit for msg. Calling it again with the
// same terminal exit is idempotent.
func (r *Replier) Complete(ctx context.Context, msg Msg, exit Exit) error {
	if err := r.storage.UpdateMessage(ctx, r.address, msg, Processed(exit)); err != nil {
		return err
	}
	r.touch()
	r.metrics.MessageProcessed(r.address.EntityType, exit.Success)
	return nil
}

// CompleteEffect runs effect and completes msg with its outcome.
func (r *Replier) CompleteEffect(ctx context.Context, msg Msg, effect func() (any, error)) error {
	v, err := effect()
	if err != nil {
		return r.Fail(ctx, msg, err)
	}
	return r.Succeed(ctx, msg, v)
}
