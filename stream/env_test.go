package stream_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/courier/stream"
	"github.com/outofforest/courier/tick"
)

var (
	errPutFailed  = errors.New("put failed")
	errFindFailed = errors.New("find failed")
)

type flakyStore struct {
	*store.SQLite

	failPut  atomic.Bool
	failFind atomic.Bool
}

func (s *flakyStore) Put(ctx context.Context, m *message.Message, tx store.Tx) error {
	if s.failPut.Load() {
		return errPutFailed
	}
	return s.SQLite.Put(ctx, m, tx)
}

func (s *flakyStore) Find(ctx context.Context, id string) (*message.Message, error) {
	if s.failFind.Load() {
		return nil, errFindFailed
	}
	return s.SQLite.Find(ctx, id)
}

type frame struct {
	remote uuid.UUID
	out    stream.Outbound
}

type recorder struct {
	mu          sync.Mutex
	unreachable map[uuid.UUID]bool
	frames      []frame
}

func (r *recorder) Transmit(remote uuid.UUID, out stream.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unreachable[remote] {
		return errors.WithStack(stream.ErrUnreachable)
	}
	r.frames = append(r.frames, frame{remote: remote, out: out})
	return nil
}

func (r *recorder) setUnreachable(remote uuid.UUID, unreachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unreachable == nil {
		r.unreachable = map[uuid.UUID]bool{}
	}
	r.unreachable[remote] = unreachable
}

func (r *recorder) take() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := r.frames
	r.frames = nil
	return frames
}

// takeFor returns frames sent to remote with message dropped, to make them comparable.
func (r *recorder) takeFor(remote uuid.UUID) []stream.Outbound {
	var result []stream.Outbound
	for _, f := range r.take() {
		if f.remote == remote {
			f.out.Message = nil
			result = append(result, f.out)
		}
	}
	return result
}

type fixedChooser struct {
	target uuid.UUID
}

func (c fixedChooser) Choose(string, uuid.UUID) uuid.UUID {
	return c.target
}

type env struct {
	store       *flakyStore
	tree        *health.Tree
	transmitter *recorder
	manager     *stream.Manager
}

func newEnv(t *testing.T, window uint64, realloc uuid.UUID) *env {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	e := &env{
		store:       &flakyStore{SQLite: s},
		tree:        health.NewTree(health.NewCatalog()),
		transmitter: &recorder{},
	}
	e.manager = stream.NewManager(stream.Config{
		SendWindow:       window,
		BacklogThreshold: 100,
	}, stream.Deps{
		Store:        e.store,
		Transactions: s,
		Router:       exception.NewStoreRouter(s, ""),
		Chooser:      fixedChooser{target: realloc},
		Transmitter:  e.transmitter,
		Health:       e.tree,
	})
	return e
}

func (e *env) send(ctx context.Context, t *testing.T, remote uuid.UUID, n int) []*message.Message {
	msgs := make([]*message.Message, 0, n)
	for range n {
		m := message.New("orders", []byte("body"))
		_, err := e.manager.Send(ctx, m, remote)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

func (e *env) sourceSet(t *testing.T, remote uuid.UUID) *stream.StreamSet {
	set, exists := e.manager.SourceSet("orders", remote)
	require.True(t, exists)
	return set
}

func dataFrame(ref stream.Ref, t tick.Tick) stream.Outbound {
	return stream.Outbound{Kind: stream.KindData, Ref: ref, Start: t, End: t}
}

func silenceFrame(ref stream.Ref, start, end tick.Tick) stream.Outbound {
	return stream.Outbound{Kind: stream.KindSilence, Ref: ref, Start: start, End: end}
}

func ackFrame(ref stream.Ref, upTo tick.Tick) stream.Outbound {
	return stream.Outbound{Kind: stream.KindAck, Ref: ref, Start: upTo, End: upTo}
}

// dispatch passes the frame to the manager of the receiving engine.
func dispatch(ctx context.Context, m *stream.Manager, from uuid.UUID, out stream.Outbound) error {
	switch out.Kind {
	case stream.KindData:
		return m.Receive(ctx, from, out.Ref, out.Start, out.Message)
	case stream.KindSilence:
		return m.ReceiveSilence(ctx, from, out.Ref, out.Start, out.End)
	case stream.KindAck:
		return m.Ack(ctx, out.Ref, out.Start)
	case stream.KindNack:
		return m.Nack(ctx, out.Ref, out.Start, out.End)
	case stream.KindFlushRequest:
		_, err := m.FlushRequested(ctx, out.Ref.StreamID, out.DiscardIndoubt)
		return err
	case stream.KindFlushed:
		m.Flushed(ctx, out.Ref.StreamID)
		return nil
	default:
		return errors.Errorf("unknown frame kind %d", out.Kind)
	}
}
