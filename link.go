package courier

import (
	"context"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/stream"
	"github.com/outofforest/courier/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

const sendQueueSize = 1024

var (
	errSameEngine = errors.New("connected to myself")
	errLinkBusy   = errors.New("link send queue is full")
)

type outFrame struct {
	Frame   *wire.Frame
	Message []byte
}

type chans struct {
	Sender   chan<- outFrame
	Receiver <-chan outFrame
}

// links keeps send queues of links to remote engines. One link per engine is kept, the newest one wins.
type links struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]chans
	down  map[uuid.UUID]outage
}

// outage describes the link which was established once and is down now.
type outage struct {
	Since    time.Time
	Reported bool
}

func newLinks() *links {
	return &links{
		conns: map[uuid.UUID]chans{},
		down:  map[uuid.UUID]outage{},
	}
}

func (l *links) Add(remote uuid.UUID) <-chan outFrame {
	ch := make(chan outFrame, sendQueueSize)

	l.mu.Lock()
	defer l.mu.Unlock()

	if chs, ok := l.conns[remote]; ok {
		close(chs.Sender)
	}
	l.conns[remote] = chans{Sender: ch, Receiver: ch}
	delete(l.down, remote)

	return ch
}

func (l *links) Remove(remote uuid.UUID, ch <-chan outFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if chs, exists := l.conns[remote]; exists && chs.Receiver == ch {
		delete(l.conns, remote)
		close(chs.Sender)
		l.down[remote] = outage{Since: time.Now()}
	}
}

// Send queues the frame without blocking. Frames dropped here are recovered by stream protocol.
func (l *links) Send(remote uuid.UUID, f outFrame) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chs, exists := l.conns[remote]
	if !exists {
		return errors.WithStack(stream.ErrUnreachable)
	}
	select {
	case chs.Sender <- f:
		return nil
	default:
		return errors.WithStack(errLinkBusy)
	}
}

func (l *links) Connected(remote uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, exists := l.conns[remote]
	return exists
}

// DownFor returns for how long the link to remote engine has been down.
// False is returned if the link is up or has never been established.
func (l *links) DownFor(remote uuid.UUID, now time.Time) (time.Duration, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, exists := l.down[remote]
	if !exists {
		return 0, false
	}
	return now.Sub(o.Since), true
}

// Unreachable returns remote engines whose links have been down for at least timeout.
// Each outage is reported once.
func (l *links) Unreachable(now time.Time, timeout time.Duration) []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()

	var remotes []uuid.UUID
	for remote, o := range l.down {
		if o.Reported || now.Sub(o.Since) < timeout {
			continue
		}
		o.Reported = true
		l.down[remote] = o
		remotes = append(remotes, remote)
	}

	slices.SortFunc(remotes, func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	})
	return remotes
}

func (e *Engine) runLinks(ctx context.Context, ls net.Listener) error {
	connConfig := resonance.Config{
		MaxMessageSize: e.config.MaxMessageSize,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		if ls != nil {
			spawn("server", parallel.Fail, func(ctx context.Context) error {
				return resonance.RunServer(ctx, ls, connConfig,
					func(ctx context.Context, c *resonance.Connection) error {
						return e.runLink(ctx, c)
					})
			})
		}

		for _, peer := range e.config.Peers {
			spawn("dialer", parallel.Continue, func(ctx context.Context) error {
				log := logger.Get(ctx)

				for {
					err := resonance.RunClient(ctx, peer, connConfig,
						func(ctx context.Context, c *resonance.Connection) error {
							return e.runLink(ctx, c)
						})

					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}

					if errors.Is(err, errSameEngine) {
						return nil
					}

					log.Error("Link failed", zap.String("peer", peer), zap.Error(err))
					select {
					case <-ctx.Done():
						return errors.WithStack(ctx.Err())
					case <-time.After(e.config.ReconnectDelay):
					}
				}
			})
		}

		return nil
	})
}

func (e *Engine) runLink(ctx context.Context, c *resonance.Connection) error {
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.Hello{
		EngineID: wire.EngineID(e.config.EngineID),
		Name:     e.config.Name,
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*wire.Hello)
	if !ok {
		return errors.New("hello message expected")
	}

	remote := uuid.UUID(helloMsg.EngineID)
	if remote == e.config.EngineID {
		return errSameEngine
	}

	log := logger.Get(ctx).With(zap.Stringer("remote", remote), zap.String("remoteName", helloMsg.Name))
	ctx = logger.WithLogger(ctx, log)
	log.Info("Link established")

	sendCh := e.links.Add(remote)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer e.links.Remove(remote, sendCh)

			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				frame, ok := msg.(*wire.Frame)
				if !ok {
					return errors.New("frame expected")
				}

				var content *message.Message
				if frame.HasMessage {
					raw, err := c.ReceiveBytes()
					if err != nil {
						return err
					}
					if content, err = message.Decode(raw); err != nil {
						return err
					}
				}

				if err := e.dispatch(ctx, remote, frame, content); err != nil {
					log.Warn("Processing frame failed", zap.Uint64("kind", uint64(frame.Kind)), zap.Error(err))
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range sendCh {
				}
			}()
			defer c.Close()

			for f := range sendCh {
				if err := c.SendProton(f.Frame, m); err != nil {
					return err
				}
				if f.Frame.HasMessage {
					if err := c.SendBytes(f.Message); err != nil {
						return err
					}
				}
			}

			return nil
		})
		spawn("resend", parallel.Continue, func(ctx context.Context) error {
			if err := e.streams.Resend(ctx, remote); err != nil {
				log.Error("Resending streams failed", zap.Error(err))
			}
			if err := e.dispatchParked(ctx, remote); err != nil {
				log.Error("Dispatching parked messages failed", zap.Error(err))
			}
			e.refreshLinkHealth(ctx)
			return nil
		})

		return nil
	})
}
