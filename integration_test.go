package courier_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/courier"
	"github.com/outofforest/courier/anycast"
	"github.com/outofforest/courier/control"
	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/courier/stream"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

const (
	maxMsgSize   = 1024 * 1024
	timeout      = 5 * time.Second
	pollInterval = 20 * time.Millisecond
)

type node struct {
	engine *courier.Engine
	store  *store.SQLite
	ls     net.Listener
}

// newPair creates engine hosting "orders" and the engine connecting to it. Both start from the template config.
func newPair(t *testing.T, template courier.Config) (*node, *node) {
	hostID := uuid.New()
	clientID := uuid.New()
	localizations := map[string][]uuid.UUID{
		"orders": {hostID},
	}

	hostConfig := template
	hostConfig.EngineID = hostID
	hostConfig.Name = "host"
	hostConfig.Localizations = localizations
	host := newNode(t, hostConfig, true)

	clientConfig := template
	clientConfig.EngineID = clientID
	clientConfig.Name = "client"
	clientConfig.Peers = []string{host.ls.Addr().String()}
	clientConfig.Localizations = localizations
	client := newNode(t, clientConfig, false)
	return host, client
}

func newNode(t *testing.T, config courier.Config, listen bool) *node {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	config.MaxMessageSize = maxMsgSize
	config.SendWindow = 16
	config.ReconnectDelay = 50 * time.Millisecond
	config.HousekeepingInterval = 50 * time.Millisecond

	e, err := courier.NewEngine(config, courier.Deps{Store: s})
	require.NoError(t, err)

	n := &node{engine: e, store: s}
	if listen {
		n.ls, err = net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
	}
	return n
}

func (n *node) run(group *parallel.Group) {
	group.Spawn("engine", parallel.Fail, func(ctx context.Context) error {
		return n.engine.Run(ctx, n.ls)
	})
}

func waitForLink(t *testing.T, a, b *node) {
	require.Eventually(t, func() bool {
		return a.engine.Connected(b.engine.ID()) && b.engine.Connected(a.engine.ID())
	}, timeout, pollInterval)
}

func consumeAll(ctx context.Context, t *testing.T, n *node, count int) []string {
	var ids []string
	require.Eventually(t, func() bool {
		m, err := n.engine.Consume(ctx, "orders", nil)
		if err == nil && m != nil {
			ids = append(ids, m.ID)
		}
		return len(ids) == count
	}, timeout, pollInterval)
	return ids
}

func TestMessagesProducedBeforeLinkAreDelivered(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	host, client := newPair(t, courier.Config{})

	msgs := make([]string, 0, 3)
	for range 3 {
		m := message.New("orders", []byte("order"))
		requireT.NoError(client.engine.Produce(ctx, m))
		msgs = append(msgs, m.ID)
	}

	host.run(group)
	client.run(group)
	waitForLink(t, host, client)

	requireT.Equal(msgs, consumeAll(ctx, t, host, len(msgs)))

	// Acknowledged messages are removed from the store of producing engine.
	requireT.Eventually(func() bool {
		summary, err := client.store.Summary(ctx)
		return err == nil && len(summary) == 0
	}, timeout, pollInterval)
}

func TestRemoteConsume(t *testing.T) {
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

	_, err := client.engine.RemoteConsume(ctx, "orders", nil, 0)
	requireT.ErrorIs(err, anycast.ErrRejected)

	m := message.New("orders", []byte("order"))
	m.Properties = map[string]string{"region": "eu"}
	requireT.NoError(host.engine.Produce(ctx, m))

	_, err = client.engine.RemoteConsume(ctx, "orders", message.Criteria{"region": "us"}, 0)
	requireT.ErrorIs(err, anycast.ErrRejected)

	received, err := client.engine.RemoteConsume(ctx, "orders", message.Criteria{"region": "eu"}, 0)
	requireT.NoError(err)
	requireT.Equal(m.ID, received.ID)
	requireT.Equal(m.Body, received.Body)

	requireT.Eventually(func() bool {
		found, err := host.store.Find(ctx, m.ID)
		return err == nil && found == nil
	}, timeout, pollInterval)
}

func TestWaitingRemoteConsumeIsServed(t *testing.T) {
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

	m := message.New("orders", []byte("late order"))
	resultCh := make(chan *message.Message, 1)
	group.Spawn("consumer", parallel.Continue, func(ctx context.Context) error {
		received, err := client.engine.RemoteConsume(ctx, "orders", nil, time.Minute)
		if err != nil {
			return err
		}
		resultCh <- received
		return nil
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
	requireT.NoError(host.engine.Produce(ctx, m))

	select {
	case received := <-resultCh:
		requireT.Equal(m.ID, received.ID)
	case <-time.After(timeout):
		requireT.Fail("timeout")
	}
}

func TestStreamSetControlsAreRegistered(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	_, client := newPair(t, courier.Config{})
	for range 2 {
		requireT.NoError(client.engine.Produce(ctx, message.New("orders", nil)))
	}

	controls := client.engine.Controls(ctx).List()
	requireT.Len(controls, 1)
	c, ok := controls[0].(*control.StreamSetControl)
	requireT.True(ok)
	requireT.EqualValues(2, c.Depth())
	requireT.Equal(stream.StateActive, c.StreamState())

	var statuses []stream.Status
	for info := range c.Messages(ctx) {
		statuses = append(statuses, info.Status)
	}
	// Link is down, so messages are sent into the void and wait for acknowledgement.
	requireT.Equal([]stream.Status{stream.PendingAcknowledgement, stream.PendingAcknowledgement}, statuses)

	client.engine.Housekeep(ctx)
	h, reason := client.engine.Health(ctx)
	requireT.Equal(health.Amber, h.State)
	requireT.Equal(health.ReasonRemoteUnreachable, h.Reason)
	requireT.Contains(reason, "has not been reachable recently")

	flushed, err := c.ClearMessagesAtSource(ctx, stream.Delete)
	requireT.NoError(err)
	requireT.True(flushed)

	_, err = client.engine.StreamSetControl(ctx, c.Set().ID())
	requireT.ErrorIs(err, control.ErrNotFound)
	requireT.Empty(client.engine.Controls(ctx).List())
}
