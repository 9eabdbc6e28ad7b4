package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_AddRemoveOrder(t *testing.T) {
	s := NewSet(3, 1, 2, 1)
	require.Equal(t, []int{3, 1, 2}, s.Values())
	require.Equal(t, 3, s.Len())

	s.Remove(1)
	require.Equal(t, []int{3, 2}, s.Values())
	require.False(t, s.Contains(1))

	s.Remove(99) // absent: no-op
	require.Equal(t, 2, s.Len())

	s.Clear()
	require.True(t, s.IsEmpty())
}

func TestSet_Diff(t *testing.T) {
	cur := NewSet(1, 2, 3)
	target := NewSet(2, 3, 4, 5)

	add, remove := cur.Diff(target)
	require.Equal(t, []int{4, 5}, add.Values())
	require.Equal(t, []int{1}, remove.Values())
}

func TestSet_Eq(t *testing.T) {
	require.True(t, NewSet(1, 2).Eq(NewSet(2, 1)))
	require.False(t, NewSet(1, 2).Eq(NewSet(1, 2, 3)))
}

func TestSet_JSON(t *testing.T) {
	s := NewSet("b", "a")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.JSONEq(t, `["b","a"]`, string(data))

	var out Set[string]
	require.NoError(t, json.Unmarshal(data, &out))
	require.True(t, s.Eq(&out))
}
