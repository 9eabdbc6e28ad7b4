package sharding

import (
	"context"
	"encoding/json"
	"errors"
)

// Messenger is the user-facing facade for one entity type: it derives
// addresses, serializes messages, resolves the owning pod and dispatches.
type Messenger struct {
	sharding *Sharding
	entity   Entity
}

// Tell sends a fire-and-forget message to an entity.
func (m *Messenger) Tell(ctx context.Context, entityId string, payload any) error {
	_, _, err := m.send(ctx, entityId, payload)
	return err
}

// Ask sends a message and waits for its terminal exit via storage. The
// wait has no built-in timeout; bound it with ctx.
func (m *Messenger) Ask(ctx context.Context, entityId string, payload any) (Exit, error) {
	addr, msg, err := m.send(ctx, entityId, payload)
	if err != nil {
		return Exit{}, err
	}

	state, err := m.sharding.storage.WaitProcessed(ctx, addr, msg.Key)
	if err != nil {
		return Exit{}, err
	}
	return state.Exit, nil
}

func (m *Messenger) send(ctx context.Context, entityId string, payload any) (EntityAddress, Msg, error) {
	msg := NewMsg(payload)
	addr := EntityAddress{
		ShardId:    m.sharding.GetShardId(entityId),
		EntityType: m.entity.Type,
		EntityId:   entityId,
	}

	data, err := EncodeEnvelope(Envelope{Address: addr, Message: msg}, m.entity.Schema)
	if err != nil {
		return addr, msg, err
	}

	pod := m.sharding.Assignments()[addr.ShardId]
	if pod == nil {
		// shard possibly in transit; pull a fresh map once
		if asg, rerr := m.sharding.refreshAssignments(ctx); rerr == nil {
			pod = asg[addr.ShardId]
		}
	}
	if pod == nil {
		return addr, msg, &EntityNotManagedByPodError{Address: addr}
	}

	return addr, msg, m.sharding.SendEnvelope(ctx, *pod, data)
}

// Ask sends payload to an entity and decodes the success reply into OUT.
// A failure exit surfaces as an error carrying the cause.
func Ask[OUT any](ctx context.Context, m *Messenger, entityId string, payload any) (*OUT, error) {
	exit, err := m.Ask(ctx, entityId, payload)
	if err != nil {
		return nil, err
	}
	if !exit.Success {
		return nil, errors.New(exit.Cause)
	}

	out := new(OUT)
	if err := json.Unmarshal(exit.Value, out); err != nil {
		return nil, err
	}
	return out, nil
}
