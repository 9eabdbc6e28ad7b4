package sharding

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchElement signals absence on a storage lookup; callers treat
	// the in-flight send as dropped.
	ErrNoSuchElement = errors.New("no such element")

	// ErrMailboxShutdown is returned by Offer after Shutdown, and by Take
	// once the remaining entries have been drained.
	ErrMailboxShutdown = errors.New("mailbox shut down")

	// ErrEntityTypeRegistered is returned when an entity type is registered
	// twice on the same pod.
	ErrEntityTypeRegistered = errors.New("entity type already registered")
)

// EntityNotManagedByPodError is returned when an envelope is routed to a
// pod that does not currently own the entity's shard, or when the pod is
// shutting down. Callers may refresh assignments and retry.
type EntityNotManagedByPodError struct {
	Address EntityAddress
}

func (e *EntityNotManagedByPodError) Error() string {
	return fmt.Sprintf("entity not managed by pod: %s", e.Address)
}

// MalformedMessageError is returned when an envelope's message cannot be
// decoded with the entity's protocol schema. Never retried.
type MalformedMessageError struct {
	Cause error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Cause)
}

func (e *MalformedMessageError) Unwrap() error { return e.Cause }

// MessagePersistenceError is returned by MailboxStorage when the durable
// append fails.
type MessagePersistenceError struct {
	Cause error
}

func (e *MessagePersistenceError) Error() string {
	return fmt.Sprintf("message persistence failed: %v", e.Cause)
}

func (e *MessagePersistenceError) Unwrap() error { return e.Cause }

// PodUnavailableError is returned by Pods operations when the destination
// pod cannot be reached. The caller signals NotifyUnhealthyPod.
type PodUnavailableError struct {
	Pod PodAddress
}

func (e *PodUnavailableError) Error() string {
	return fmt.Sprintf("pod unavailable: %s", e.Pod)
}
