package courier

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/outofforest/courier/anycast"
	"github.com/outofforest/courier/control"
	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/metrics"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/courier/stream"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/courier/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// Config is the configuration of messaging engine.
type Config struct {
	EngineID uuid.UUID
	Name     string
	Bus      string

	// Peers are the addresses of engines to connect to.
	Peers          []string
	MaxMessageSize uint64
	ReconnectDelay time.Duration

	SendWindow       uint64
	BacklogThreshold uint64

	// RequestGrace is added to the expiry of remote get request before requester gives up.
	RequestGrace time.Duration
	// MaxRedeliveries is the number of releases of remote get message after which it is routed
	// to exception destination. Zero means no limit.
	MaxRedeliveries      uint32
	HousekeepingInterval time.Duration
	// UnreachableTimeout is the time after which remote engine with link down is considered gone,
	// and remote get streams shared with it are flushed.
	UnreachableTimeout time.Duration

	// Localizations maps destinations to engines hosting them. Destinations not listed are local.
	Localizations map[string][]uuid.UUID

	// MetricsAddress is the address metrics are served on. Metrics are not served if empty.
	MetricsAddress string
}

// Deps are the collaborators of messaging engine.
type Deps struct {
	Store store.Backend

	// Router routes messages to exception destination. Store router is used if nil.
	Router exception.Router

	// Registry receives metrics. New registry is created if nil.
	Registry *prometheus.Registry
}

// Engine is the messaging engine exchanging messages with remote engines.
type Engine struct {
	config    Config
	store     store.Backend
	registry  *prometheus.Registry
	tree      *health.Tree
	links     *links
	hosts     *localizations
	streams   *stream.Manager
	anycast   *anycast.Manager
	controls  *control.Registry
	consumeID string
}

// NewEngine creates messaging engine.
func NewEngine(config Config, deps Deps) (*Engine, error) {
	if config.EngineID == uuid.Nil {
		return nil, errors.New("engine ID is required")
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.HousekeepingInterval == 0 {
		config.HousekeepingInterval = time.Second
	}
	if config.UnreachableTimeout == 0 {
		config.UnreachableTimeout = 30 * time.Second
	}
	if deps.Router == nil {
		deps.Router = exception.NewStoreRouter(deps.Store, "")
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	e := &Engine{
		config:    config,
		store:     deps.Store,
		registry:  deps.Registry,
		tree:      health.NewTree(health.NewCatalog()),
		links:     newLinks(),
		controls:  control.NewRegistry(),
		consumeID: "consumer/" + config.EngineID.String(),
	}
	e.hosts = newLocalizations(config.EngineID, config.Localizations, e.links)

	m := metrics.New(deps.Registry)
	e.streams = stream.NewManager(stream.Config{
		Bus:              config.Bus,
		SendWindow:       config.SendWindow,
		BacklogThreshold: config.BacklogThreshold,
	}, stream.Deps{
		Store:        deps.Store,
		Transactions: deps.Store,
		Router:       deps.Router,
		Chooser:      e.hosts,
		Transmitter:  streamTransmitter{links: e.links},
		Health:       e.tree,
		Metrics:      m,
	})

	var err error
	e.anycast, err = anycast.NewManager(anycast.Config{
		Grace:           config.RequestGrace,
		MaxRedeliveries: config.MaxRedeliveries,
	}, anycast.Deps{
		Store:        deps.Store,
		Transactions: deps.Store,
		Router:       deps.Router,
		Transmitter:  anycastTransmitter{links: e.links},
		Health:       e.tree,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ID returns the ID of the engine.
func (e *Engine) ID() uuid.UUID {
	return e.config.EngineID
}

// Run runs the engine. Inbound links are accepted on the listener if it is not nil.
func (e *Engine) Run(ctx context.Context, ls net.Listener) error {
	ctx = logger.WithLogger(ctx, logger.Get(ctx).With(zap.Stringer("engineID", e.config.EngineID)))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("links", parallel.Fail, func(ctx context.Context) error {
			return e.runLinks(ctx, ls)
		})
		spawn("housekeeping", parallel.Fail, e.runHousekeeping)
		if e.config.MetricsAddress != "" {
			spawn("metrics", parallel.Fail, e.runMetrics)
		}
		return nil
	})
}

// Produce sends the message to the engine hosting its destination.
// If persisting fails, the tick is silenced and the error is returned, so producer may send the message again.
func (e *Engine) Produce(ctx context.Context, m *message.Message) error {
	if e.hosts.Local(m.Destination) {
		m.Target = uuid.Nil
		if err := e.store.Put(ctx, m, nil); err != nil {
			return err
		}
		return e.anycast.Offer(ctx, m.Destination)
	}

	remote := e.hosts.Remote(m.Destination)
	if remote == uuid.Nil {
		return errors.Errorf("no engine hosts destination %s", m.Destination)
	}

	t, err := e.streams.Send(ctx, m, remote)
	if err == nil || t == 0 {
		return err
	}

	log := logger.Get(ctx).With(zap.String("messageID", m.ID), zap.Uint64("tick", uint64(t)))
	log.Warn("Persisting message failed, retrying", zap.Error(err))
	if err := e.streams.Commit(ctx, m, remote, t); err == nil {
		return nil
	}
	if set, exists := e.streams.SourceSet(m.Destination, remote); exists {
		if err := set.Abandon(ctx, stream.KeyOf(m), t); err != nil {
			log.Error("Abandoning tick failed", zap.Error(err))
		}
	}
	return err
}

// Consume takes the message of the destination from the local queue. It returns nil if there is no message.
func (e *Engine) Consume(ctx context.Context, destination string, criteria message.Criteria) (*message.Message, error) {
	m, err := e.store.LockNext(ctx, destination, uuid.Nil, criteria, e.consumeID)
	if err != nil || m == nil {
		return nil, err
	}
	if err := store.InTx(ctx, e.store, func(tx store.Tx) error {
		return e.store.Remove(ctx, m.ID, tx)
	}); err != nil {
		if uErr := e.store.Unlock(ctx, m.ID, e.consumeID, nil); uErr != nil {
			logger.Get(ctx).Error("Unlocking message failed", zap.String("messageID", m.ID), zap.Error(uErr))
		}
		return nil, err
	}
	return m, nil
}

// RemoteConsume takes the message of the destination hosted by remote engine.
// anycast.ErrRejected is returned if no message is available before expiry.
func (e *Engine) RemoteConsume(
	ctx context.Context,
	destination string,
	criteria message.Criteria,
	expiry time.Duration,
) (*message.Message, error) {
	remote := e.hosts.Remote(destination)
	if remote == uuid.Nil {
		return nil, errors.Wrapf(stream.ErrUnreachable, "no remote engine hosts destination %s", destination)
	}

	input := e.anycast.Input(destination, remote)
	t, results, err := input.Request(ctx, criteria, expiry)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		input.CancelMessageRequest(context.WithoutCancel(ctx), t)
		return nil, errors.WithStack(ctx.Err())
	case r := <-results:
		if r.Message == nil {
			return nil, errors.Wrapf(anycast.ErrRejected, "destination %s", destination)
		}
		if err := input.Accept(ctx, t); err != nil {
			return nil, err
		}
		return r.Message, nil
	}
}

// Connected returns true if link to the remote engine is established.
func (e *Engine) Connected(remote uuid.UUID) bool {
	return e.links.Connected(remote)
}

// Reallocate moves messages not transmitted yet to other engines hosting the destination.
func (e *Engine) Reallocate(ctx context.Context, destination string) (int, error) {
	return e.streams.Reallocate(ctx, destination)
}

// Health returns the health of the engine and its explanation.
func (e *Engine) Health(ctx context.Context) (health.Health, string) {
	return e.tree.State(e.tree.Root()), e.tree.Reason(ctx, e.tree.Root())
}

// Controls returns the registry of controls, refreshed to reflect current streams.
func (e *Engine) Controls(ctx context.Context) *control.Registry {
	e.syncControls(ctx)
	return e.controls
}

// StreamSetControl returns the control of stream set.
func (e *Engine) StreamSetControl(ctx context.Context, streamID uuid.UUID) (*control.StreamSetControl, error) {
	e.syncControls(ctx)
	set, exists := e.streams.Set(streamID)
	if !exists {
		return nil, errors.Wrapf(control.ErrNotFound, "stream set %s", streamID)
	}
	c, exists := e.controls.Lookup(control.StreamSetKey(set.ID()))
	if !exists {
		return nil, errors.Wrapf(control.ErrNotFound, "stream set %s", streamID)
	}
	return c.(*control.StreamSetControl), nil
}

// Housekeep runs periodic maintenance.
func (e *Engine) Housekeep(ctx context.Context) {
	log := logger.Get(ctx)

	root := e.tree.Root()
	if err := e.store.Ping(ctx); err != nil {
		log.Error("Message store is unavailable", zap.Error(err))
		_ = e.tree.UpdateHealth(root, "store", health.Red, health.ReasonStoreUnavailable, err.Error())
	} else {
		_ = e.tree.UpdateHealth(root, "store", health.Green, health.ReasonOK)
	}

	now := time.Now()
	for _, remote := range e.links.Unreachable(now, e.config.UnreachableTimeout) {
		log.Warn("Remote engine unreachable, flushing remote get streams", zap.Stringer("remote", remote))
		if err := e.anycast.Disconnected(ctx, remote); err != nil {
			log.Error("Flushing remote get streams failed", zap.Stringer("remote", remote), zap.Error(err))
		}
	}

	_ = e.streams.Housekeep(ctx)
	_ = e.anycast.Expire(ctx, now)
	e.refreshLinkHealth(ctx)
	e.syncControls(ctx)
}

func (e *Engine) runHousekeeping(ctx context.Context) error {
	ticker := time.NewTicker(e.config.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			e.Housekeep(ctx)
		}
	}
}

func (e *Engine) runMetrics(ctx context.Context) error {
	ls, err := net.Listen("tcp", e.config.MetricsAddress)
	if err != nil {
		return errors.WithStack(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			if err := server.Serve(ls); !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = server.Close()
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}

func (e *Engine) dispatch(ctx context.Context, remote uuid.UUID, f *wire.Frame, m *message.Message) error {
	ref := streamRef(f)
	start, end := tick.Tick(f.Start), tick.Tick(f.End)

	switch f.Kind {
	case wire.KindData:
		if m == nil {
			return errors.New("data frame without message")
		}
		if err := e.streams.Receive(ctx, remote, ref, start, m); err != nil {
			return err
		}
		return e.anycast.Offer(ctx, ref.Destination)
	case wire.KindSilence:
		return e.streams.ReceiveSilence(ctx, remote, ref, start, end)
	case wire.KindAck:
		return e.flushIfUnknown(remote, ref, e.streams.Ack(ctx, ref, start))
	case wire.KindNack:
		return e.flushIfUnknown(remote, ref, e.streams.Nack(ctx, ref, start, end))
	case wire.KindFlushRequest:
		if _, exists := e.streams.SourceSetByID(ref.StreamID); !exists {
			return e.flushIfUnknown(remote, ref, errors.WithStack(stream.ErrStreamSetNotFound))
		}
		_, err := e.streams.FlushRequested(ctx, ref.StreamID, f.DiscardIndoubt)
		return err
	case wire.KindFlushed:
		e.streams.Flushed(ctx, ref.StreamID)
		return nil
	}

	out, ok := anycastOutbound(f, m)
	if !ok {
		return errors.Errorf("unknown frame kind %d", f.Kind)
	}
	return e.anycast.Dispatch(ctx, remote, out)
}

// flushIfUnknown tells the target that source stream does not exist anymore.
func (e *Engine) flushIfUnknown(remote uuid.UUID, ref stream.Ref, err error) error {
	if !errors.Is(err, stream.ErrStreamSetNotFound) {
		return err
	}
	return streamTransmitter{links: e.links}.Transmit(remote, stream.Outbound{
		Kind: stream.KindFlushed,
		Ref:  ref,
	})
}

func (e *Engine) refreshLinkHealth(ctx context.Context) {
	remotes := map[uuid.UUID]struct{}{}
	for _, set := range e.streams.Sets() {
		remotes[set.Remote()] = struct{}{}
	}
	for remote := range remotes {
		node, err := e.streams.RemoteNode(remote)
		if err != nil {
			logger.Get(ctx).Error("Reading health node failed", zap.Stringer("remote", remote), zap.Error(err))
			continue
		}
		if e.links.Connected(remote) {
			_ = e.tree.UpdateHealth(node, "link", health.Green, health.ReasonOK)
			continue
		}
		state := health.Amber
		if down, ok := e.links.DownFor(remote, time.Now()); ok && down >= e.config.UnreachableTimeout {
			state = health.Red
		}
		_ = e.tree.UpdateHealth(node, "link", state, health.ReasonRemoteUnreachable, remote.String())
	}
}

// dispatchParked sends messages parked on the local queue to the remote engine hosting their destinations.
func (e *Engine) dispatchParked(ctx context.Context, remote uuid.UUID) error {
	log := logger.Get(ctx)
	lockID := "park/" + e.config.EngineID.String()

	for _, dest := range e.hosts.HostedBy(remote) {
		msgs, err := e.store.List(ctx, dest, uuid.Nil)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := e.store.Lock(ctx, m.ID, lockID); err != nil {
				if errors.Is(err, store.ErrLocked) || errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if err := store.InTx(ctx, e.store, func(tx store.Tx) error {
				return e.store.Retarget(ctx, m.ID, dest, remote, tx)
			}); err != nil {
				if uErr := e.store.Unlock(ctx, m.ID, lockID, nil); uErr != nil {
					log.Error("Unlocking parked message failed", zap.String("messageID", m.ID), zap.Error(uErr))
				}
				return err
			}
			m.Target = remote
			if err := e.streams.Enqueue(ctx, m, remote); err != nil {
				return err
			}
			log.Debug("Parked message dispatched", zap.String("messageID", m.ID), zap.String("destination", dest))
		}
	}
	return nil
}

func (e *Engine) syncControls(ctx context.Context) {
	log := logger.Get(ctx)

	e.controls.Prune(ctx)
	for _, set := range e.streams.Sets() {
		if _, exists := e.controls.Lookup(control.StreamSetKey(set.ID())); exists {
			continue
		}
		if _, err := control.NewStreamSetControl(ctx, set, e.controls); err != nil {
			log.Error("Registering stream set control failed", zap.Stringer("streamID", set.ID()), zap.Error(err))
		}
	}
	for _, input := range e.anycast.Inputs() {
		if _, exists := e.controls.Lookup(control.RemoteGetKey(input.Destination(), input.Remote())); exists {
			continue
		}
		if _, err := control.NewRemoteGetControl(ctx, e.anycast, input, e.controls); err != nil {
			log.Error("Registering remote get control failed", zap.String("destination", input.Destination()),
				zap.Error(err))
		}
	}
}

