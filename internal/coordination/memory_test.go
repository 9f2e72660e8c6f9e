package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCAS_CreateRequiresKeyAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CAS(ctx, "leader/", nil, []byte("worker-a"), ""))
	err := s.CAS(ctx, "leader/", nil, []byte("worker-b"), "")
	require.ErrorIs(t, err, ErrCASMismatch)

	v, ok, err := s.Get(ctx, "leader/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "worker-a", string(v))
}

func TestCAS_UpdateRequiresMatchingExpected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CAS(ctx, "k", nil, []byte("v1"), ""))
	err := s.CAS(ctx, "k", []byte("wrong"), []byte("v2"), "")
	require.ErrorIs(t, err, ErrCASMismatch)

	require.NoError(t, s.CAS(ctx, "k", []byte("v1"), []byte("v2"), ""))
	v, _, _ := s.Get(ctx, "k")
	require.Equal(t, "v2", string(v))
}

func TestRevoke_DeletesKeysAttachedToLease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	lease, err := s.Grant(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.CAS(ctx, "leader/", nil, []byte("worker-a"), lease))

	_, ok, _ := s.Get(ctx, "leader/")
	require.True(t, ok)

	require.NoError(t, s.Revoke(ctx, lease))
	_, ok, _ = s.Get(ctx, "leader/")
	require.False(t, ok, "leader key must be deleted once its lease is revoked")
}

func TestKeepAlive_UnknownLeaseErrors(t *testing.T) {
	s := NewMemoryStore()
	err := s.KeepAlive(context.Background(), LeaseID("ghost"))
	require.ErrorIs(t, err, ErrLeaseExpired)
}

func TestTxn_AppliesAllOpsAtomically(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CAS(ctx, "assignment/0", nil, []byte("worker-a"), ""))

	err := s.Txn(ctx, []Op{
		{Kind: OpPut, Key: "assignment/1", Value: []byte("worker-b")},
		{Kind: OpDelete, Key: "assignment/0"},
	})
	require.NoError(t, err)

	_, ok, _ := s.Get(ctx, "assignment/0")
	require.False(t, ok)
	v, ok, _ := s.Get(ctx, "assignment/1")
	require.True(t, ok)
	require.Equal(t, "worker-b", string(v))
}

func TestWatch_DeliversCreateUpdateDeleteEventsUnderPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "handoff/")
	require.NoError(t, err)

	require.NoError(t, s.CAS(context.Background(), "handoff/0", nil, []byte("warming"), ""))
	require.NoError(t, s.CAS(context.Background(), "handoff/0", []byte("warming"), []byte("ready"), ""))
	require.NoError(t, s.Delete(context.Background(), "handoff/0"))
	require.NoError(t, s.CAS(context.Background(), "other/key", nil, []byte("ignored"), ""))

	var got []Event
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	require.Equal(t, EventCreate, got[0].Type)
	require.Equal(t, EventUpdate, got[1].Type)
	require.Equal(t, EventDelete, got[2].Type)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event outside prefix delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestList_FiltersByPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CAS(ctx, "assignment/0", nil, []byte("a"), ""))
	require.NoError(t, s.CAS(ctx, "assignment/1", nil, []byte("b"), ""))
	require.NoError(t, s.CAS(ctx, "worker/w1", nil, []byte("c"), ""))

	out, err := s.List(ctx, "assignment/")
	require.NoError(t, err)
	require.Len(t, out, 2)
}
