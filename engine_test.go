package courier_test

import (
	"bytes"
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/courier"
	"github.com/outofforest/courier/anycast"
	"github.com/outofforest/courier/control"
	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

var errRemoveFailed = errors.New("remove failed")

type removeFailingStore struct {
	*store.SQLite

	failRemove atomic.Bool
}

func (s *removeFailingStore) Remove(ctx context.Context, id string, tx store.Tx) error {
	if s.failRemove.Load() {
		return errRemoveFailed
	}
	return s.SQLite.Remove(ctx, id, tx)
}

func TestConsumeUnlocksMessageIfRemoveFails(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	sqlite, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	requireT.NoError(err)
	t.Cleanup(func() {
		_ = sqlite.Close()
	})
	s := &removeFailingStore{SQLite: sqlite}

	e, err := courier.NewEngine(courier.Config{EngineID: uuid.New()}, courier.Deps{Store: s})
	requireT.NoError(err)

	m := message.New("orders", []byte("order"))
	requireT.NoError(e.Produce(ctx, m))

	s.failRemove.Store(true)
	consumed, err := e.Consume(ctx, "orders", nil)
	requireT.ErrorIs(err, errRemoveFailed)
	requireT.Nil(consumed)

	available, err := s.IsAvailable(ctx, m.ID)
	requireT.NoError(err)
	requireT.True(available)

	s.failRemove.Store(false)
	consumed, err = e.Consume(ctx, "orders", nil)
	requireT.NoError(err)
	requireT.NotNil(consumed)
	requireT.Equal(m.ID, consumed.ID)
	requireT.EqualValues(1, consumed.RedeliveryCount)
}

func TestLargeMessageCrossesLink(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	host, client := newPair(t, courier.Config{})
	host.run(group)
	client.run(group)
	waitForLink(t, host, client)

	m := message.New("orders", bytes.Repeat([]byte{0x01, 0xfe, 0x00}, 100_000))
	m.Priority = 7
	m.Properties = map[string]string{
		"region": "eu",
		"tier":   "gold",
	}
	requireT.NoError(client.engine.Produce(ctx, m))

	small := message.New("orders", []byte("small"))
	requireT.NoError(client.engine.Produce(ctx, small))

	var received []*message.Message
	requireT.Eventually(func() bool {
		consumed, err := host.engine.Consume(ctx, "orders", nil)
		if err == nil && consumed != nil {
			received = append(received, consumed)
		}
		return len(received) == 2
	}, timeout, pollInterval)

	byID := map[string]*message.Message{}
	for _, r := range received {
		byID[r.ID] = r
	}
	requireT.Contains(byID, m.ID)
	requireT.Equal(m.Body, byID[m.ID].Body)
	requireT.Equal(m.Properties, byID[m.ID].Properties)
	requireT.Equal(m.Priority, byID[m.ID].Priority)
	requireT.Contains(byID, small.ID)
	requireT.Equal(small.Body, byID[small.ID].Body)
}

func TestParkedMessageIsDispatchedWhenHostConnects(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	host, client := newPair(t, courier.Config{})

	m := message.New("orders", []byte("parked order"))
	requireT.NoError(client.engine.Produce(ctx, m))

	controls := client.engine.Controls(ctx).List()
	requireT.Len(controls, 1)
	c, ok := controls[0].(*control.StreamSetControl)
	requireT.True(ok)

	// No other engine hosts the destination, so message is parked on the local queue.
	moved, err := c.ReallocateAllTransmitMessages(ctx)
	requireT.NoError(err)
	requireT.Zero(moved)
	parked, err := client.store.List(ctx, "orders", uuid.Nil)
	requireT.NoError(err)
	requireT.Len(parked, 1)
	requireT.Equal(m.ID, parked[0].ID)

	host.run(group)
	client.run(group)
	waitForLink(t, host, client)

	requireT.Equal([]string{m.ID}, consumeAll(ctx, t, host, 1))

	requireT.Eventually(func() bool {
		summary, err := client.store.Summary(ctx)
		return err == nil && len(summary) == 0
	}, timeout, pollInterval)
}

func TestMessageHeldForUnreachableEngineIsReturned(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)
	clientGroup := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	const unreachableTimeout = 300 * time.Millisecond

	host, client := newPair(t, courier.Config{UnreachableTimeout: unreachableTimeout})
	host.run(group)
	client.run(clientGroup)
	waitForLink(t, host, client)

	// Consumer outlives the client engine, so its request is never cancelled.
	group.Spawn("consumer", parallel.Continue, func(ctx context.Context) error {
		_, err := client.engine.RemoteConsume(ctx, "orders", message.Criteria{"region": "eu"}, time.Hour)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	requireT.Eventually(func() bool {
		for _, c := range client.engine.Controls(ctx).List() {
			if rg, ok := c.(*control.RemoteGetControl); ok {
				for range rg.Requests() {
					return true
				}
			}
		}
		return false
	}, timeout, pollInterval)

	// Frames of one link are processed in order, so the waiting request has reached the host
	// once the next one is answered.
	_, err := client.engine.RemoteConsume(ctx, "orders", message.Criteria{"region": "us"}, 0)
	requireT.ErrorIs(err, anycast.ErrRejected)

	clientGroup.Exit(nil)
	requireT.NoError(clientGroup.Wait())
	requireT.Eventually(func() bool {
		return !host.engine.Connected(client.engine.ID())
	}, timeout, pollInterval)

	m := message.New("orders", []byte("order"))
	m.Properties = map[string]string{"region": "eu"}
	requireT.NoError(host.engine.Produce(ctx, m))

	// Message is held for the request of the client engine.
	consumed, err := host.engine.Consume(ctx, "orders", nil)
	requireT.NoError(err)
	requireT.Nil(consumed)

	requireT.Equal([]string{m.ID}, consumeAll(ctx, t, host, 1))
}

func TestLinkDownLongerThanTimeoutIsRed(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)
	hostGroup := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	host, client := newPair(t, courier.Config{UnreachableTimeout: 200 * time.Millisecond})
	host.run(hostGroup)
	client.run(group)
	waitForLink(t, host, client)

	requireT.NoError(client.engine.Produce(ctx, message.New("orders", nil)))
	consumeAll(ctx, t, host, 1)

	hostGroup.Exit(nil)
	requireT.NoError(hostGroup.Wait())

	requireT.Eventually(func() bool {
		h, _ := client.engine.Health(ctx)
		return h.State == health.Red
	}, timeout, pollInterval)

	h, reason := client.engine.Health(ctx)
	requireT.Equal(health.ReasonRemoteUnreachable, h.Reason)
	requireT.Equal("Messaging engine "+host.engine.ID().String()+" is unreachable", reason)
}
