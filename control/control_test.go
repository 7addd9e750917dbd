package control_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/courier/anycast"
	"github.com/outofforest/courier/control"
	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/courier/stream"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/qa"
)

type streamSink struct{}

func (streamSink) Transmit(uuid.UUID, stream.Outbound) error {
	return nil
}

type anycastSink struct{}

func (anycastSink) Transmit(uuid.UUID, anycast.Outbound) error {
	return nil
}

type env struct {
	store    *store.SQLite
	streams  *stream.Manager
	anycast  *anycast.Manager
	registry *control.Registry
}

func newEnv(t *testing.T) *env {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	tree := health.NewTree(health.NewCatalog())
	anycastManager, err := anycast.NewManager(anycast.Config{}, anycast.Deps{
		Store:        s,
		Transactions: s,
		Transmitter:  anycastSink{},
		Health:       tree,
	})
	require.NoError(t, err)

	return &env{
		store: s,
		streams: stream.NewManager(stream.Config{SendWindow: 10}, stream.Deps{
			Store:        s,
			Transactions: s,
			Router:       exception.NewStoreRouter(s, "errors"),
			Transmitter:  streamSink{},
			Health:       tree,
		}),
		anycast:  anycastManager,
		registry: control.NewRegistry(),
	}
}

func (e *env) sourceControl(t *testing.T, remote uuid.UUID, n int) (*control.StreamSetControl, []*message.Message) {
	ctx := qa.NewContext(t)

	msgs := make([]*message.Message, 0, n)
	for range n {
		m := message.New("orders", []byte("body"))
		_, err := e.streams.Send(ctx, m, remote)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	set, exists := e.streams.SourceSet("orders", remote)
	require.True(t, exists)

	c, err := control.NewStreamSetControl(ctx, set, e.registry)
	require.NoError(t, err)
	return c, msgs
}

func TestControlIsRegisteredOnCreation(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(t)
	c, _ := e.sourceControl(t, uuid.New(), 1)

	registered, exists := e.registry.Lookup(c.Key())
	requireT.True(exists)
	requireT.Same(c, registered)
	requireT.Equal("sourceStreamSet", c.Kind())

	_, err := control.NewStreamSetControl(ctx, c.Set(), e.registry)
	requireT.Error(err)

	c.Dereference(ctx)
	c.Dereference(ctx)
	requireT.Empty(e.registry.List())
}

func TestMoveMessagesContinuesAfterFailure(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(t)
	c, msgs := e.sourceControl(t, uuid.New(), 3)

	result := c.MoveMessages(ctx, []string{msgs[0].ID, "missing", msgs[2].ID}, true)
	requireT.Equal(2, result.Succeeded)
	requireT.Equal(1, result.Failed)
	requireT.ErrorIs(result.Err, stream.ErrMessageNotFound)

	for _, m := range []*message.Message{msgs[0], msgs[2]} {
		found, err := e.store.Find(ctx, m.ID)
		requireT.NoError(err)
		requireT.Nil(found)
	}
	requireT.EqualValues(1, c.Depth())
}

func TestMoveMessageRoutesToExceptionDestination(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(t)
	c, msgs := e.sourceControl(t, uuid.New(), 2)

	requireT.NoError(c.MoveMessage(ctx, msgs[1].ID, false))

	moved, err := e.store.List(ctx, "errors", uuid.Nil)
	requireT.NoError(err)
	requireT.Len(moved, 1)
	requireT.Equal(msgs[1].ID, moved[0].ID)

	var ids []string
	for info := range c.Messages(ctx) {
		ids = append(ids, info.Message.ID)
	}
	requireT.Equal([]string{msgs[0].ID}, ids)
}

func TestOperationsAreCheckedAgainstDirection(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(t)
	c, _ := e.sourceControl(t, uuid.New(), 1)

	requireT.ErrorIs(c.ForceFlushAtTarget(ctx), control.ErrNotSupported)
	requireT.ErrorIs(c.RequestFlushAtSource(ctx, false), control.ErrNotSupported)
	requireT.Equal(stream.StateActive, c.StreamState())
}

func TestClearedStreamSetIsPruned(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(t)
	c, msgs := e.sourceControl(t, uuid.New(), 2)

	flushed, err := c.ClearMessagesAtSource(ctx, stream.Delete)
	requireT.NoError(err)
	requireT.True(flushed)
	requireT.ErrorIs(c.AssertValid(), control.ErrNotFound)

	_, err = c.ClearMessagesAtSource(ctx, stream.Delete)
	requireT.ErrorIs(err, control.ErrNotFound)

	result := c.MoveMessages(ctx, []string{msgs[0].ID, msgs[1].ID}, true)
	requireT.Equal(2, result.Failed)
	requireT.ErrorIs(result.Err, control.ErrNotFound)

	e.registry.Prune(ctx)
	requireT.Empty(e.registry.List())
}

func TestForceFlushAtTarget(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(t)
	ref := stream.Ref{
		StreamID:    uuid.New(),
		Destination: "orders",
		Key:         stream.Key{Priority: 4, Reliability: message.AssuredPersistent},
	}
	requireT.NoError(e.streams.Receive(ctx, uuid.New(), ref, 2, message.New("orders", nil)))
	set, exists := e.streams.TargetSet(ref.StreamID)
	requireT.True(exists)

	c, err := control.NewStreamSetControl(ctx, set, e.registry)
	requireT.NoError(err)
	requireT.EqualValues(1, c.Depth())

	_, err = c.ReallocateAllTransmitMessages(ctx)
	requireT.ErrorIs(err, control.ErrNotSupported)

	requireT.NoError(c.ForceFlushAtTarget(ctx))
	requireT.ErrorIs(c.AssertValid(), control.ErrNotFound)

	e.registry.Prune(ctx)
	_, exists = e.registry.Lookup(c.Key())
	requireT.False(exists)
}

func TestRemoteGetControl(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(t)
	remote := uuid.New()
	input := e.anycast.Input("orders", remote)

	c, err := control.NewRemoteGetControl(ctx, e.anycast, input, e.registry)
	requireT.NoError(err)
	requireT.NoError(c.AssertValid())

	_, result1, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	_, result2, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)

	var ticks []tick.Tick
	for r := range c.Requests() {
		ticks = append(ticks, r.Tick)
	}
	requireT.Equal([]tick.Tick{1, 2}, ticks)

	requireT.NoError(c.CancelMessageRequest(ctx, 1))
	requireT.Nil((<-result1).Message)

	oldID := input.ID()
	requireT.NoError(c.ForceFlushAtTarget(ctx))
	requireT.Nil((<-result2).Message)
	requireT.NotEqual(oldID, input.ID())
	requireT.Empty(input.Pending())

	requireT.NoError(e.anycast.Disconnected(ctx, uuid.New()))
	requireT.NoError(c.CancelAllRequests(ctx))
}
