package anycast_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/outofforest/courier/anycast"
	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/qa"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type frame struct {
	remote uuid.UUID
	out    anycast.Outbound
}

var errLinkDown = errors.New("link down")

type recorder struct {
	fail atomic.Bool

	mu     sync.Mutex
	frames []frame
}

func (r *recorder) Transmit(remote uuid.UUID, out anycast.Outbound) error {
	if r.fail.Load() {
		return errLinkDown
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, frame{remote: remote, out: out})
	return nil
}

func (r *recorder) take() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := r.frames
	r.frames = nil
	return frames
}

func (r *recorder) kinds() []anycast.Kind {
	var kinds []anycast.Kind
	for _, f := range r.take() {
		kinds = append(kinds, f.out.Kind)
	}
	return kinds
}

type engine struct {
	id          uuid.UUID
	store       *store.SQLite
	tree        *health.Tree
	transmitter *recorder
	manager     *anycast.Manager
}

func newEngine(t *testing.T) *engine {
	return newConfiguredEngine(t, anycast.Config{})
}

func newConfiguredEngine(t *testing.T, config anycast.Config) *engine {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	e := &engine{
		id:          uuid.New(),
		store:       s,
		tree:        health.NewTree(health.NewCatalog()),
		transmitter: &recorder{},
	}
	e.manager, err = anycast.NewManager(config, anycast.Deps{
		Store:        s,
		Transactions: s,
		Router:       exception.NewStoreRouter(s, ""),
		Transmitter:  e.transmitter,
		Health:       e.tree,
	})
	require.NoError(t, err)
	return e
}

func (e *engine) put(ctx context.Context, t *testing.T, n int) []*message.Message {
	msgs := make([]*message.Message, 0, n)
	for range n {
		m := message.New("orders", []byte("body"))
		require.NoError(t, e.store.Put(ctx, m, nil))
		msgs = append(msgs, m)
	}
	return msgs
}

// pump exchanges frames between engines until there is nothing to exchange.
func pump(ctx context.Context, t *testing.T, a, b *engine) {
	for {
		framesA := a.transmitter.take()
		framesB := b.transmitter.take()
		if len(framesA) == 0 && len(framesB) == 0 {
			return
		}
		for _, f := range framesA {
			require.NoError(t, b.manager.Dispatch(ctx, a.id, f.out))
		}
		for _, f := range framesB {
			require.NoError(t, a.manager.Dispatch(ctx, b.id, f.out))
		}
	}
}

func TestRequestIsCompletedAfterAccept(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	rme := newEngine(t)
	msgs := dme.put(ctx, t, 1)

	input := rme.manager.Input("orders", dme.id)
	tk, results, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	requireT.Equal(tick.Tick(1), tk)

	pump(ctx, t, rme, dme)
	result := <-results
	requireT.Equal(tk, result.Tick)
	requireT.NotNil(result.Message)
	requireT.Equal(msgs[0].ID, result.Message.ID)

	available, err := dme.store.IsAvailable(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.False(available)

	requireT.Equal([]anycast.RequestInfo{{
		Tick:      tk,
		State:     tick.Value,
		MessageID: msgs[0].ID,
	}}, input.Pending())

	requireT.NoError(input.Accept(ctx, tk))
	pump(ctx, t, rme, dme)

	m, err := dme.store.Find(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.Nil(m)
	requireT.Empty(input.Pending())

	output, exists := dme.manager.FindOutput(input.ID())
	requireT.True(exists)
	requireT.Empty(output.InFlight())

	requireT.ErrorIs(input.Accept(ctx, tk), anycast.ErrUnknownTick)
}

func TestAtMostOneDelivery(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	const requesters = 10

	dme := newEngine(t)
	msgs := dme.put(ctx, t, 3)

	group, gCtx := errgroup.WithContext(ctx)
	for range requesters {
		output := dme.manager.Output(uuid.New(), "orders", uuid.New())
		group.Go(func() error {
			return output.HandleRequest(gCtx, 1, nil, 0)
		})
	}
	requireT.NoError(group.Wait())

	delivered := map[string]int{}
	var rejected int
	for _, f := range dme.transmitter.take() {
		switch f.out.Kind {
		case anycast.KindValue:
			delivered[f.out.Message.ID]++
		case anycast.KindReject:
			rejected++
		}
	}
	requireT.Len(delivered, len(msgs))
	for _, m := range msgs {
		requireT.Equal(1, delivered[m.ID])
	}
	requireT.Equal(requesters-len(msgs), rejected)
}

func TestDuplicateRequestCollapses(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	msgs := dme.put(ctx, t, 2)

	output := dme.manager.Output(uuid.New(), "orders", uuid.New())
	requireT.NoError(output.HandleRequest(ctx, 1, nil, time.Minute))
	requireT.NoError(output.HandleRequest(ctx, 1, nil, time.Minute))

	frames := dme.transmitter.take()
	requireT.Len(frames, 2)
	requireT.Equal(msgs[0].ID, frames[0].out.Message.ID)
	requireT.Equal(msgs[0].ID, frames[1].out.Message.ID)

	available, err := dme.store.IsAvailable(ctx, msgs[1].ID)
	requireT.NoError(err)
	requireT.True(available)
}

func TestWaitingRequestIsServedByOffer(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	output := dme.manager.Output(uuid.New(), "orders", uuid.New())

	requireT.NoError(output.HandleRequest(ctx, 1, message.Criteria{"region": "eu"}, time.Minute))
	requireT.Empty(dme.transmitter.take())

	inFlight := output.InFlight()
	requireT.Len(inFlight, 1)
	requireT.Equal(tick.Requested, inFlight[0].State)
	requireT.Equal(message.Criteria{"region": "eu"}, inFlight[0].Criteria)

	other := message.New("orders", nil)
	other.Properties = map[string]string{"region": "us"}
	requireT.NoError(dme.store.Put(ctx, other, nil))
	requireT.NoError(dme.manager.Offer(ctx, "orders"))
	requireT.Empty(dme.transmitter.take())

	matching := message.New("orders", nil)
	matching.Properties = map[string]string{"region": "eu"}
	requireT.NoError(dme.store.Put(ctx, matching, nil))
	requireT.NoError(dme.manager.Offer(ctx, "orders"))

	frames := dme.transmitter.take()
	requireT.Len(frames, 1)
	requireT.Equal(anycast.KindValue, frames[0].out.Kind)
	requireT.Equal(matching.ID, frames[0].out.Message.ID)
}

func TestExpiredRequestIsRejected(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	output := dme.manager.Output(uuid.New(), "orders", uuid.New())
	requireT.NoError(output.HandleRequest(ctx, 1, nil, time.Minute))

	requireT.NoError(dme.manager.Expire(ctx, time.Now()))
	requireT.Empty(dme.transmitter.take())
	requireT.Equal(health.Green, dme.tree.State(dme.manager.Node()).State)

	requireT.NoError(dme.manager.Expire(ctx, time.Now().Add(2*time.Minute)))
	requireT.Equal([]anycast.Kind{anycast.KindReject}, dme.transmitter.kinds())
	requireT.Empty(output.InFlight())

	h := dme.tree.State(dme.manager.Node())
	requireT.Equal(health.Amber, h.State)
	requireT.Equal(health.ReasonRequestsExpired, h.Reason)
	requireT.Equal("1 remote get requests on orders expired without a message",
		dme.tree.Reason(ctx, dme.manager.Node()))

	// Expired tick is folded into the completed prefix.
	requireT.NoError(output.HandleRequest(ctx, 1, nil, time.Minute))
	requireT.Equal([]anycast.Kind{anycast.KindCompleted}, dme.transmitter.kinds())
}

func TestReleaseReturnsMessage(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	rme := newEngine(t)
	msgs := dme.put(ctx, t, 1)

	input := rme.manager.Input("orders", dme.id)
	tk, results, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	pump(ctx, t, rme, dme)
	requireT.NotNil((<-results).Message)

	requireT.NoError(input.Release(ctx, tk))
	pump(ctx, t, rme, dme)

	m, err := dme.store.Find(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.EqualValues(1, m.RedeliveryCount)

	available, err := dme.store.IsAvailable(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.True(available)
}

func TestCancelAllRequestsReleasesValues(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	rme := newEngine(t)
	msgs := dme.put(ctx, t, 1)

	input := rme.manager.Input("orders", dme.id)
	_, results1, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	_, results2, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	pump(ctx, t, rme, dme)
	requireT.NotNil((<-results1).Message)
	requireT.Len(input.Pending(), 2)

	input.CancelAllRequests(ctx)
	result2 := <-results2
	requireT.Nil(result2.Message)
	requireT.Empty(input.Pending())

	pump(ctx, t, rme, dme)
	available, err := dme.store.IsAvailable(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.True(available)

	output, _ := dme.manager.FindOutput(input.ID())
	requireT.Empty(output.InFlight())
}

func TestForceFlushAtTargetStartsNewStream(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	rme := newEngine(t)
	dmeID := uuid.New()

	input := rme.manager.Input("orders", dmeID)
	oldID := input.ID()
	_, results, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	rme.transmitter.take()

	input.ForceFlushAtTarget(ctx)
	requireT.Nil((<-results).Message)
	requireT.NotEqual(oldID, input.ID())
	requireT.Empty(input.Pending())

	frames := rme.transmitter.take()
	requireT.Len(frames, 1)
	requireT.Equal(anycast.KindCancel, frames[0].out.Kind)
	requireT.Equal(oldID, frames[0].out.StreamID)

	// Value sent to the old stream is ignored.
	input.ReceiveValue(oldID, 1, message.New("orders", nil))
	requireT.Empty(input.Pending())

	tk, _, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	requireT.Equal(tick.Tick(1), tk)
}

func TestForceFlushUnlocksHeldMessages(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	msgs := dme.put(ctx, t, 1)
	remote := uuid.New()
	output := dme.manager.Output(uuid.New(), "orders", remote)
	requireT.NoError(output.HandleRequest(ctx, 1, nil, time.Minute))

	requireT.NoError(dme.manager.Disconnected(ctx, remote))
	available, err := dme.store.IsAvailable(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.True(available)

	_, exists := dme.manager.FindOutput(output.ID())
	requireT.False(exists)
}

func TestFailedRequestIsSettledByNextPrefix(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	rme := newEngine(t)
	msgs := dme.put(ctx, t, 1)

	input := rme.manager.Input("orders", dme.id)
	rme.transmitter.fail.Store(true)
	_, _, err := input.Request(ctx, nil, time.Minute)
	requireT.ErrorIs(err, errLinkDown)
	requireT.Empty(input.Pending())
	rme.transmitter.fail.Store(false)

	tk, results, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	requireT.Equal(tick.Tick(2), tk)
	pump(ctx, t, rme, dme)
	requireT.Equal(msgs[0].ID, (<-results).Message.ID)

	output, exists := dme.manager.FindOutput(input.ID())
	requireT.True(exists)
	requireT.Equal([]anycast.RequestInfo{{
		Tick:      tk,
		State:     tick.Value,
		MessageID: msgs[0].ID,
	}}, output.InFlight())

	requireT.NoError(input.Accept(ctx, tk))
	pump(ctx, t, rme, dme)
	requireT.Empty(input.Pending())
	requireT.Empty(output.InFlight())

	// Both ticks are folded into the completed prefix of the output stream.
	requireT.NoError(output.HandleRequest(ctx, tk, nil, 0))
	frames := dme.transmitter.take()
	requireT.Len(frames, 1)
	requireT.Equal(anycast.KindCompleted, frames[0].out.Kind)
}

func TestPrefixReturnsMessageWhenReleaseIsLost(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	rme := newEngine(t)
	msgs := dme.put(ctx, t, 1)

	input := rme.manager.Input("orders", dme.id)
	tk, results, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	pump(ctx, t, rme, dme)
	requireT.NotNil((<-results).Message)

	rme.transmitter.fail.Store(true)
	requireT.NoError(input.Release(ctx, tk))
	rme.transmitter.fail.Store(false)

	available, err := dme.store.IsAvailable(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.False(available)

	_, results, err = input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	pump(ctx, t, rme, dme)
	result := <-results
	requireT.NotNil(result.Message)
	requireT.Equal(msgs[0].ID, result.Message.ID)

	m, err := dme.store.Find(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.EqualValues(1, m.RedeliveryCount)
}

func TestMessageReleasedTooOftenIsRoutedToExceptionDestination(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newConfiguredEngine(t, anycast.Config{MaxRedeliveries: 2})
	rme := newEngine(t)
	msgs := dme.put(ctx, t, 1)

	input := rme.manager.Input("orders", dme.id)
	for range 2 {
		tk, results, err := input.Request(ctx, nil, 0)
		requireT.NoError(err)
		pump(ctx, t, rme, dme)
		requireT.NotNil((<-results).Message)
		requireT.NoError(input.Release(ctx, tk))
		pump(ctx, t, rme, dme)
	}

	m, err := dme.store.Find(ctx, msgs[0].ID)
	requireT.NoError(err)
	requireT.Equal(exception.DefaultDestination, m.Destination)

	_, results, err := input.Request(ctx, nil, 0)
	requireT.NoError(err)
	pump(ctx, t, rme, dme)
	requireT.Nil((<-results).Message)
}

func TestRequestOfNewStreamFlushesOldOutput(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	dme := newEngine(t)
	rme := newEngine(t)
	msgs := dme.put(ctx, t, 1)

	input := rme.manager.Input("orders", dme.id)
	oldID := input.ID()
	_, results, err := input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	pump(ctx, t, rme, dme)
	requireT.NotNil((<-results).Message)

	rme.transmitter.fail.Store(true)
	input.ForceFlushAtTarget(ctx)
	rme.transmitter.fail.Store(false)

	_, exists := dme.manager.FindOutput(oldID)
	requireT.True(exists)

	_, results, err = input.Request(ctx, nil, time.Minute)
	requireT.NoError(err)
	pump(ctx, t, rme, dme)
	result := <-results
	requireT.NotNil(result.Message)
	requireT.Equal(msgs[0].ID, result.Message.ID)

	_, exists = dme.manager.FindOutput(oldID)
	requireT.False(exists)
	_, exists = dme.manager.FindOutput(input.ID())
	requireT.True(exists)
}
