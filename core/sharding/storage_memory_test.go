package sharding

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func addr(id string) EntityAddress {
	return EntityAddress{ShardId: ShardIdForEntity(id, 16), EntityType: "counter", EntityId: id}
}

func TestMemoryStorage_SequenceNumbers(t *testing.T) {
	s := NewMemoryStorage()

	a := addr("x")
	for i := 1; i <= 5; i++ {
		entry, err := s.SaveMessage(t.Context(), a, NewMsg(testSet{V: i}))
		require.NoError(t, err)
		require.Equal(t, int64(i), entry.SequenceNumber)
	}

	// independent per (entityType, entityId)
	entry, err := s.SaveMessage(t.Context(), addr("y"), NewMsg(testGet{}))
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.SequenceNumber)

	entries := s.Entries(a)
	require.Len(t, entries, 5)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.SequenceNumber)
	}
}

func TestMemoryStorage_UpdateAndWait(t *testing.T) {
	s := NewMemoryStorage()
	a := addr("x")

	msg := NewMsg(testGet{})
	_, err := s.SaveMessage(t.Context(), a, msg)
	require.NoError(t, err)

	st, ok := s.State(a, msg.Key)
	require.True(t, ok)
	require.False(t, st.Processed)

	// waiter wakes when the terminal state is written
	type result struct {
		state MessageState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		st, err := s.WaitProcessed(t.Context(), a, msg.Key)
		done <- result{st, err}
	}()

	exit, err := ExitSucceed(41)
	require.NoError(t, err)
	require.NoError(t, s.UpdateMessage(t.Context(), a, msg, Processed(exit)))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.True(t, r.state.Processed)
		require.True(t, r.state.Exit.Success)
		require.JSONEq(t, `41`, string(r.state.Exit.Value))
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}

	// already processed: returns immediately
	st, err = s.WaitProcessed(t.Context(), a, msg.Key)
	require.NoError(t, err)
	require.True(t, st.Processed)

	// repeated identical terminal write is idempotent
	require.NoError(t, s.UpdateMessage(t.Context(), a, msg, Processed(exit)))
}

func TestMemoryStorage_WaitProcessed_ContextCancel(t *testing.T) {
	s := NewMemoryStorage()
	a := addr("x")

	msg := NewMsg(testGet{})
	_, err := s.SaveMessage(t.Context(), a, msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = s.WaitProcessed(ctx, a, msg.Key)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStorage_UpdateUnknownMessage(t *testing.T) {
	s := NewMemoryStorage()
	err := s.UpdateMessage(t.Context(), addr("x"), NewMsg(testGet{}), Processed(ExitFail("boom")))
	require.ErrorIs(t, err, ErrNoSuchElement)
}

func TestMessageState_JSONShapes(t *testing.T) {
	data, err := json.Marshal(Pending())
	require.NoError(t, err)
	require.JSONEq(t, `{"tag":"Pending"}`, string(data))

	exit, err := ExitSucceed(map[string]int{"count": 2})
	require.NoError(t, err)
	data, err = json.Marshal(Processed(exit))
	require.NoError(t, err)
	require.JSONEq(t, `{"tag":"Processed","exit":{"tag":"Success","value":{"count":2}}}`, string(data))

	data, err = json.Marshal(Processed(ExitFail("boom")))
	require.NoError(t, err)
	require.JSONEq(t, `{"tag":"Processed","exit":{"tag":"Failure","cause":"boom"}}`, string(data))

	var st MessageState
	require.NoError(t, json.Unmarshal([]byte(`{"tag":"Processed","exit":{"tag":"Failure","cause":"boom"}}`), &st))
	require.True(t, st.Processed)
	require.False(t, st.Exit.Success)
	require.Equal(t, "boom", st.Exit.Cause)

	require.NoError(t, json.Unmarshal([]byte(`{"tag":"Pending"}`), &st))
	require.False(t, st.Processed)
}
