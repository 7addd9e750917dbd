package stream

import (
	"context"
	"iter"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/metrics"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/logger"
)

type reroute struct {
	message *message.Message
	target  uuid.UUID
}

// StreamSet groups the streams of one destination exchanged with one remote engine.
// Mutations are serialized by the set lock, readers work on snapshots.
type StreamSet struct {
	id          uuid.UUID
	direction   Direction
	destination string
	remote      uuid.UUID
	epoch       uint64
	manager     *Manager
	node        health.NodeID

	mu      sync.RWMutex
	state   State
	removed bool
	sources map[Key]*SourceStream
	targets map[Key]*TargetStream
}

// ID returns the ID of the stream set.
func (s *StreamSet) ID() uuid.UUID {
	return s.id
}

// Direction returns the direction of the stream set.
func (s *StreamSet) Direction() Direction {
	return s.direction
}

// Destination returns the destination of the stream set.
func (s *StreamSet) Destination() string {
	return s.destination
}

// Remote returns the ID of the remote engine.
func (s *StreamSet) Remote() uuid.UUID {
	return s.remote
}

// Epoch returns the epoch of target stream set. It grows each time the set is flushed by force.
func (s *StreamSet) Epoch() uint64 {
	return s.epoch
}

// Removed tells if stream set has been flushed.
func (s *StreamSet) Removed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.removed
}

// State returns the state of the stream set.
func (s *StreamSet) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Depth returns the number of messages held by the streams.
func (s *StreamSet) Depth() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.depthLocked()
}

// Streams describes the streams of the set.
func (s *StreamSet) Streams() []StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []StreamInfo
	for _, ss := range s.sources {
		result = append(result, ss.info())
	}
	for _, ts := range s.targets {
		result = append(result, ts.info())
	}
	slices.SortFunc(result, func(a, b StreamInfo) int {
		return compareKeys(a.Key, b.Key)
	})
	return result
}

// Health returns the health of the stream set and its explanation.
func (s *StreamSet) Health(ctx context.Context) (health.Health, string) {
	tree := s.manager.deps.Health
	return tree.State(s.node), tree.Reason(ctx, s.node)
}

// Ledger returns the snapshot of the stream ledger.
func (s *StreamSet) Ledger(key Key) (*tick.Ledger, bool) {
	// Cloning the btree modifies the source, so exclusive lock is taken.
	s.mu.Lock()
	defer s.mu.Unlock()

	if ss, exists := s.sources[key]; exists {
		return ss.ledger.Clone(), true
	}
	if ts, exists := s.targets[key]; exists {
		return ts.ledger.Clone(), true
	}
	return nil, false
}

// Messages iterates over the snapshot of messages held by the streams.
// Messages consumed after the snapshot has been taken are skipped.
func (s *StreamSet) Messages(ctx context.Context) iter.Seq[MessageInfo] {
	type snapshot struct {
		key      Key
		ledger   *tick.Ledger
		lastSent tick.Tick
	}

	return func(yield func(MessageInfo) bool) {
		s.mu.Lock()
		snapshots := make([]snapshot, 0, len(s.sources)+len(s.targets))
		for key, ss := range s.sources {
			snapshots = append(snapshots, snapshot{key: key, ledger: ss.ledger.Clone(), lastSent: ss.lastSent})
		}
		for key, ts := range s.targets {
			snapshots = append(snapshots, snapshot{key: key, ledger: ts.ledger.Clone()})
		}
		s.mu.Unlock()

		slices.SortFunc(snapshots, func(a, b snapshot) int {
			return compareKeys(a.key, b.key)
		})

		log := logger.Get(ctx)
		for _, sn := range snapshots {
			proceed := true
			sn.ledger.Ascend(sn.ledger.CompletedPrefix()+1, func(r tick.Range) bool {
				if r.State != tick.Value {
					return true
				}
				info := MessageInfo{
					Key:  sn.key,
					Tick: r.Start,
				}
				switch item := r.Value.(type) {
				case targetItem:
					info.Status = Received
					info.Message = item.message
				case sourceItem:
					m, err := s.manager.deps.Store.Find(ctx, item.messageID)
					if err != nil {
						log.Warn("Reading message failed", zap.String("messageID", item.messageID), zap.Error(err))
						return true
					}
					if m == nil {
						return true
					}
					info.Message = m
					info.Status = PendingSend
					if r.Start <= sn.lastSent {
						info.Status = PendingAcknowledgement
					}
				}
				proceed = yield(info)
				return proceed
			})
			if !proceed {
				return
			}
		}
	}
}

// Send assigns the next tick to the message, persists it and transmits it if send window allows.
// If persisting fails, the tick stays uncommitted and Commit should be called later.
func (s *StreamSet) Send(ctx context.Context, m *message.Message) (tick.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return 0, errors.WithStack(ErrStreamSetNotFound)
	}

	ss := s.sourceLocked(KeyOf(m))
	t := ss.ledger.Allocate()
	m.Target = s.remote
	if err := s.persist(ctx, m); err != nil {
		return t, err
	}
	return t, s.commitLocked(ctx, ss, t, m)
}

// Commit persists the message of the uncommitted tick again.
func (s *StreamSet) Commit(ctx context.Context, t tick.Tick, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return errors.WithStack(ErrStreamSetNotFound)
	}

	ss, exists := s.sources[KeyOf(m)]
	if !exists {
		return errors.Wrapf(tick.ErrNotFound, "no stream for tick %d", t)
	}
	r, err := ss.ledger.Range(t)
	if err != nil {
		return err
	}
	if r.State != tick.Uncommitted {
		return errors.Wrapf(tick.ErrInvalidTransition, "tick %d is %s", t, r.State)
	}
	m.Target = s.remote
	if err := s.persist(ctx, m); err != nil {
		return err
	}
	return s.commitLocked(ctx, ss, t, m)
}

// Abandon silences uncommitted tick whose message will never be persisted.
func (s *StreamSet) Abandon(ctx context.Context, key Key, t tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, exists := s.sources[key]
	if !exists {
		return errors.Wrapf(tick.ErrNotFound, "no stream for tick %d", t)
	}
	r, err := ss.ledger.Range(t)
	if err != nil {
		return err
	}
	if r.State != tick.Uncommitted {
		return errors.Wrapf(tick.ErrInvalidTransition, "tick %d is %s", t, r.State)
	}
	if err := s.silenceLocked(ctx, ss, t); err != nil {
		return err
	}
	return s.transmitLocked(ctx, ss)
}

// Enqueue assigns the next tick to the message already persisted for the remote engine.
func (s *StreamSet) Enqueue(ctx context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return errors.WithStack(ErrStreamSetNotFound)
	}

	ss := s.sourceLocked(KeyOf(m))
	return s.commitLocked(ctx, ss, ss.ledger.Allocate(), m)
}

// Ack completes ticks up to upTo acknowledged by the target.
func (s *StreamSet) Ack(ctx context.Context, key Key, upTo tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return errors.WithStack(ErrStreamSetNotFound)
	}

	ss, exists := s.sources[key]
	if !exists {
		return nil
	}
	upTo = min(upTo, ss.lastSent)
	prefix := ss.ledger.CompletedPrefix()
	if upTo <= prefix {
		return nil
	}

	values := ss.values(prefix+1, upTo)
	if err := store.InTx(ctx, s.manager.deps.Transactions, func(tx store.Tx) error {
		for _, v := range values {
			if err := s.manager.deps.Store.Remove(ctx, v.messageID, tx); err != nil &&
				!errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, v := range values {
		if err := ss.ledger.Write(v.tick, v.tick, tick.Completed, nil); err != nil {
			return err
		}
	}
	s.depthMetricLocked()
	return s.transmitLocked(ctx, ss)
}

// Nack retransmits ticks [start, end] requested by the target.
func (s *StreamSet) Nack(ctx context.Context, key Key, start, end tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return errors.WithStack(ErrStreamSetNotFound)
	}

	ss, exists := s.sources[key]
	if !exists {
		return nil
	}
	return s.retransmitLocked(ctx, ss, max(start, 1), min(end, ss.lastSent))
}

// Resend retransmits everything not acknowledged by the remote engine. It is called when link is reestablished.
func (s *StreamSet) Resend(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}

	for _, ss := range s.sources {
		if err := s.retransmitLocked(ctx, ss, ss.ledger.CompletedPrefix()+1, ss.lastSent); err != nil {
			return err
		}
		if err := s.transmitLocked(ctx, ss); err != nil {
			return err
		}
	}
	for _, ts := range s.targets {
		s.acknowledgeLocked(ctx, ts, true)
	}
	return nil
}

// Reallocate moves messages away from the stream to other engines hosting the destination.
// Only messages not transmitted yet are moved unless all is set. Progress made before failure is kept.
func (s *StreamSet) Reallocate(ctx context.Context, all bool) (int, error) {
	s.mu.Lock()
	moved, err := s.reallocateLocked(ctx, all)
	s.mu.Unlock()

	return len(moved), s.reroute(ctx, moved, err)
}

// MoveMessage removes the message from the stream. Message is deleted if discard is set,
// otherwise it is routed to the exception destination.
func (s *StreamSet) MoveMessage(ctx context.Context, messageID string, discard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ss := range s.sources {
		t, exists := ss.find(messageID)
		if !exists {
			continue
		}
		if err := s.drainValueLocked(ctx, ss, valueTick{tick: t, messageID: messageID}, discard,
			exception.ReasonAdministrativeMove); err != nil {
			return err
		}
		return s.transmitLocked(ctx, ss)
	}
	return errors.Wrapf(ErrMessageNotFound, "message %s", messageID)
}

// ClearAtSource removes all the messages from the source streams and flushes them.
// It returns true if stream set has been flushed. Stream set can't be flushed while it holds uncommitted ticks.
func (s *StreamSet) ClearAtSource(ctx context.Context, action IndoubtAction) (bool, error) {
	s.mu.Lock()

	if s.removed {
		s.mu.Unlock()
		return true, nil
	}
	if action == Leave && s.uncommittedLocked() > 0 {
		s.mu.Unlock()
		return false, errors.Wrapf(ErrIndoubtMessages, "stream set %s", s.id)
	}

	s.state = StateClearing

	var moved []reroute
	var err error
	switch action {
	case Delete:
		err = s.drainLocked(ctx, true)
	case Exception:
		err = s.drainLocked(ctx, false)
	default:
		moved, err = s.reallocateLocked(ctx, true)
	}

	var flushed bool
	if err == nil && s.uncommittedLocked() == 0 {
		s.removeLocked(ctx, false)
		flushed = true
	} else {
		s.refreshHealthLocked()
	}
	s.mu.Unlock()

	log := logger.Get(ctx)
	if flushed {
		log.Info("Stream set cleared at source", zap.Stringer("streamID", s.id),
			zap.Stringer("action", action))
	}
	return flushed, s.reroute(ctx, moved, err)
}

// Receive stores the message received by target stream and delivers all the messages which are ready.
func (s *StreamSet) Receive(ctx context.Context, key Key, t tick.Tick, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return errors.WithStack(ErrStreamSetNotFound)
	}

	ts := s.targetLocked(key)
	ts.receive(t, m)
	return s.deliverLocked(ctx, ts)
}

// ReceiveSilence marks ticks [start, end] as silence and delivers all the messages which are ready.
func (s *StreamSet) ReceiveSilence(ctx context.Context, key Key, start, end tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return errors.WithStack(ErrStreamSetNotFound)
	}

	ts := s.targetLocked(key)
	s.manager.deps.Metrics.Silenced(metrics.Target, s.destination, ts.silence(start, end))
	return s.deliverLocked(ctx, ts)
}

// RequestFlushAtSource asks the source engine to clear and flush its streams.
// Source deletes indoubt messages if discardIndoubt is set.
func (s *StreamSet) RequestFlushAtSource(ctx context.Context, discardIndoubt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return errors.WithStack(ErrStreamSetNotFound)
	}
	if s.direction != Target {
		return errors.Errorf("stream set %s is not a target", s.id)
	}

	if err := s.manager.deps.Transmitter.Transmit(s.remote, Outbound{
		Kind:           KindFlushRequest,
		Ref:            s.ref(Key{}),
		DiscardIndoubt: discardIndoubt,
	}); err != nil {
		return errors.Wrapf(err, "requesting flush of stream set %s", s.id)
	}

	s.state = StateFlushRequested
	s.refreshHealthLocked()

	logger.Get(ctx).Info("Flush requested at source", zap.Stringer("streamID", s.id),
		zap.Bool("discardIndoubt", discardIndoubt))
	return nil
}

// Flushed removes target stream set flushed by the source.
func (s *StreamSet) Flushed(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return
	}
	s.removeLocked(ctx, false)
}

// ForceFlushAtTarget discards the state of target stream set. Next message received for the stream
// starts new epoch and missing ticks are requested again from the source.
func (s *StreamSet) ForceFlushAtTarget(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}
	if s.direction != Target {
		return errors.Errorf("stream set %s is not a target", s.id)
	}
	s.removeLocked(ctx, true)

	logger.Get(ctx).Warn("Stream set flushed at target", zap.Stringer("streamID", s.id))
	return nil
}

// Housekeep requests missing ticks, repeats acknowledgements and refreshes health.
func (s *StreamSet) Housekeep(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}

	for _, ss := range s.sources {
		if err := s.transmitLocked(ctx, ss); err != nil {
			return err
		}
		ss.checkBlocked()
	}
	for _, ts := range s.targets {
		if err := s.deliverLocked(ctx, ts); err != nil {
			return err
		}
		s.acknowledgeLocked(ctx, ts, true)
		for _, gap := range ts.gaps() {
			s.transmit(ctx, Outbound{
				Kind:  KindNack,
				Ref:   s.ref(ts.key),
				Start: gap.Start,
				End:   gap.End,
			})
		}
	}
	s.refreshHealthLocked()
	s.depthMetricLocked()
	return nil
}

func (s *StreamSet) sourceLocked(key Key) *SourceStream {
	ss, exists := s.sources[key]
	if !exists {
		ss = newSourceStream(key)
		s.sources[key] = ss
	}
	return ss
}

func (s *StreamSet) targetLocked(key Key) *TargetStream {
	ts, exists := s.targets[key]
	if !exists {
		ts = newTargetStream(key)
		s.targets[key] = ts
	}
	return ts
}

func (s *StreamSet) persist(ctx context.Context, m *message.Message) error {
	return store.InTx(ctx, s.manager.deps.Transactions, func(tx store.Tx) error {
		return s.manager.deps.Store.Put(ctx, m, tx)
	})
}

func (s *StreamSet) commitLocked(ctx context.Context, ss *SourceStream, t tick.Tick, m *message.Message) error {
	if err := ss.ledger.CommitValue(t, sourceItem{messageID: m.ID}); err != nil {
		return err
	}
	s.manager.deps.Metrics.Sent(s.destination, s.remote.String())
	s.depthMetricLocked()

	// Committed tick is transmitted by housekeeping if it can't be transmitted now.
	if err := s.transmitLocked(ctx, ss); err != nil {
		logger.Get(ctx).Warn("Transmitting committed tick failed", zap.Stringer("streamID", s.id),
			zap.Uint64("tick", uint64(t)), zap.Error(err))
	}
	return nil
}

// transmitLocked sends ticks following the last sent one, as long as send window allows.
// Transmission stops at the first uncommitted tick to keep the order.
func (s *StreamSet) transmitLocked(ctx context.Context, ss *SourceStream) error {
	window := s.manager.config.SendWindow
	inFlight := ss.inFlight()
	for ss.lastSent < ss.ledger.Last() {
		from := ss.lastSent + 1
		r, err := ss.ledger.Range(from)
		if err != nil {
			return err
		}
		switch r.State {
		case tick.Uncommitted:
			return nil
		case tick.Value:
			if inFlight >= window {
				return nil
			}
			m, err := s.loadLocked(ctx, ss, r.Start, r.Value.(sourceItem).messageID)
			if err != nil {
				return err
			}
			if m == nil {
				s.transmit(ctx, Outbound{Kind: KindSilence, Ref: s.ref(ss.key), Start: r.Start, End: r.Start})
			} else {
				s.transmit(ctx, Outbound{Kind: KindData, Ref: s.ref(ss.key), Start: r.Start, End: r.Start, Message: m})
				inFlight++
			}
			ss.lastSent = r.Start
		default:
			s.transmit(ctx, Outbound{Kind: KindSilence, Ref: s.ref(ss.key), Start: from, End: r.End})
			ss.lastSent = r.End
		}
	}
	return nil
}

func (s *StreamSet) retransmitLocked(ctx context.Context, ss *SourceStream, start, end tick.Tick) error {
	if start > end {
		return nil
	}
	for _, r := range ss.ledger.Ranges(start, end) {
		lo, hi := max(r.Start, start), min(r.End, end)
		switch r.State {
		case tick.Value:
			m, err := s.loadLocked(ctx, ss, r.Start, r.Value.(sourceItem).messageID)
			if err != nil {
				return err
			}
			if m == nil {
				s.transmit(ctx, Outbound{Kind: KindSilence, Ref: s.ref(ss.key), Start: lo, End: hi})
				continue
			}
			s.transmit(ctx, Outbound{Kind: KindData, Ref: s.ref(ss.key), Start: lo, End: hi, Message: m})
		case tick.Completed, tick.Silence:
			s.transmit(ctx, Outbound{Kind: KindSilence, Ref: s.ref(ss.key), Start: lo, End: hi})
		}
	}
	return nil
}

// loadLocked reads the message of the value tick. Tick is silenced if message has been consumed in the meantime.
func (s *StreamSet) loadLocked(ctx context.Context, ss *SourceStream, t tick.Tick, messageID string) (
	*message.Message,
	error,
) {
	m, err := s.manager.deps.Store.Find(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}

	logger.Get(ctx).Debug("Message consumed, silencing tick",
		zap.String("messageID", messageID), zap.Uint64("tick", uint64(t)))
	if err := ss.ledger.WriteSilenceForced(t); err != nil {
		return nil, err
	}
	s.manager.deps.Metrics.Silenced(metrics.Source, s.destination, 1)
	return nil, nil
}

// silenceLocked silences the tick. Silence is sent immediately if the value has been transmitted already,
// otherwise it is sent in order by transmitLocked.
func (s *StreamSet) silenceLocked(ctx context.Context, ss *SourceStream, t tick.Tick) error {
	if err := ss.ledger.WriteSilenceForced(t); err != nil {
		return err
	}
	s.manager.deps.Metrics.Silenced(metrics.Source, s.destination, 1)
	if t <= ss.lastSent {
		s.transmit(ctx, Outbound{Kind: KindSilence, Ref: s.ref(ss.key), Start: t, End: t})
	}
	return nil
}

func (s *StreamSet) reallocateLocked(ctx context.Context, all bool) ([]reroute, error) {
	var moved []reroute
	for _, key := range s.sourceKeysLocked() {
		ss := s.sources[key]
		for _, v := range ss.values(ss.ledger.CompletedPrefix()+1, ss.ledger.Last()) {
			if !all && v.tick <= ss.lastSent {
				continue
			}

			m, err := s.manager.deps.Store.Find(ctx, v.messageID)
			if err != nil {
				return moved, err
			}
			if m == nil {
				if err := s.silenceLocked(ctx, ss, v.tick); err != nil {
					return moved, err
				}
				continue
			}

			target := s.manager.deps.Chooser.Choose(s.destination, s.remote)
			err = store.InTx(ctx, s.manager.deps.Transactions, func(tx store.Tx) error {
				return s.manager.deps.Store.Retarget(ctx, m.ID, m.Destination, target, tx)
			})
			switch {
			case err == nil:
				m.Target = target
				if target != uuid.Nil {
					moved = append(moved, reroute{message: m, target: target})
				}
			case errors.Is(err, store.ErrNotFound):
			default:
				return moved, err
			}
			if err := s.silenceLocked(ctx, ss, v.tick); err != nil {
				return moved, err
			}
		}
		if err := s.transmitLocked(ctx, ss); err != nil {
			return moved, err
		}
	}
	s.manager.deps.Metrics.Reallocated(s.destination, s.remote.String(), len(moved))
	s.depthMetricLocked()
	return moved, nil
}

// drainLocked removes all the values from source streams. Failure of one message does not stop
// processing of the others, first error is returned.
func (s *StreamSet) drainLocked(ctx context.Context, discard bool) error {
	var firstErr error
	for _, key := range s.sourceKeysLocked() {
		ss := s.sources[key]
		for _, v := range ss.values(ss.ledger.CompletedPrefix()+1, ss.ledger.Last()) {
			if err := s.drainValueLocked(ctx, ss, v, discard, exception.ReasonStreamCleared); err != nil &&
				firstErr == nil {
				firstErr = err
			}
		}
		if err := s.transmitLocked(ctx, ss); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.depthMetricLocked()
	return firstErr
}

func (s *StreamSet) drainValueLocked(
	ctx context.Context,
	ss *SourceStream,
	v valueTick,
	discard bool,
	reason exception.Reason,
) error {
	m, err := s.manager.deps.Store.Find(ctx, v.messageID)
	if err != nil {
		return err
	}
	if m != nil {
		if err := store.InTx(ctx, s.manager.deps.Transactions, func(tx store.Tx) error {
			if !discard {
				result, err := s.manager.deps.Router.Route(ctx, m, reason, []string{s.id.String()}, tx)
				switch result {
				case exception.OK:
					return nil
				case exception.Retry:
					return err
				}
			}
			if err := s.manager.deps.Store.Remove(ctx, m.ID, tx); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return s.silenceLocked(ctx, ss, v.tick)
}

func (s *StreamSet) reroute(ctx context.Context, moved []reroute, err error) error {
	for _, r := range moved {
		if err2 := s.manager.Enqueue(ctx, r.message, r.target); err2 != nil {
			logger.Get(ctx).Error("Enqueuing reallocated message failed", zap.String("messageID", r.message.ID),
				zap.Stringer("target", r.target), zap.Error(err2))
			if err == nil {
				err = err2
			}
		}
	}
	return err
}

func (s *StreamSet) deliverLocked(ctx context.Context, ts *TargetStream) error {
	deliveries := ts.deliverable()
	if len(deliveries) > 0 {
		if err := store.InTx(ctx, s.manager.deps.Transactions, func(tx store.Tx) error {
			for _, d := range deliveries {
				m := *d.message
				m.Target = uuid.Nil
				if err := s.manager.deps.Store.Put(ctx, &m, tx); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		for _, d := range deliveries {
			if err := ts.ledger.Write(d.tick, d.tick, tick.Completed, nil); err != nil {
				return err
			}
		}
		s.manager.deps.Metrics.Delivered(s.destination, s.remote.String(), len(deliveries))
	}

	s.acknowledgeLocked(ctx, ts, false)
	s.depthMetricLocked()
	return nil
}

func (s *StreamSet) acknowledgeLocked(ctx context.Context, ts *TargetStream, repeat bool) {
	prefix := ts.ledger.CompletedPrefix()
	if prefix == 0 || (prefix == ts.acked && !repeat) {
		return
	}
	ts.acked = prefix
	s.transmit(ctx, Outbound{Kind: KindAck, Ref: s.ref(ts.key), Start: prefix, End: prefix})
}

func (s *StreamSet) removeLocked(ctx context.Context, forced bool) {
	if s.direction == Source {
		s.transmit(ctx, Outbound{Kind: KindFlushed, Ref: s.ref(Key{})})
	}

	s.removed = true
	s.state = StateFlushed
	s.sources = map[Key]*SourceStream{}
	s.targets = map[Key]*TargetStream{}
	s.manager.forget(s, forced)

	s.manager.deps.Health.Remove(s.node)
	s.manager.deps.Metrics.ForgetStream(s.direction.String(), s.destination, s.remote.String())
	s.manager.deps.Metrics.Flushed(s.direction.String(), forced)

	logger.Get(ctx).Info("Stream set flushed", zap.Stringer("streamID", s.id),
		zap.Stringer("direction", s.direction), zap.Bool("forced", forced))
}

func (s *StreamSet) refreshHealthLocked() {
	tree := s.manager.deps.Health
	update := func(key string, state health.State, reason health.Reason, inserts ...string) {
		// Node is gone if the set has been removed concurrently, nothing to report then.
		_ = tree.UpdateHealth(s.node, key, state, reason, inserts...)
	}

	for key, ss := range s.sources {
		backlog := ss.backlog()
		if backlog > s.manager.config.BacklogThreshold {
			update("backlog/"+key.String(), health.Amber, health.ReasonStreamBacklog,
				strconv.FormatUint(backlog, 10), s.id.String())
		} else {
			update("backlog/"+key.String(), health.Green, health.ReasonOK)
		}
		if ss.stalled != 0 {
			update("blocked/"+key.String(), health.Red, health.ReasonStreamBlocked, s.id.String(),
				"tick "+strconv.FormatUint(uint64(ss.stalled), 10)+" is not committed")
		} else {
			update("blocked/"+key.String(), health.Green, health.ReasonOK)
		}
	}
	for key, ts := range s.targets {
		var missing uint64
		for _, gap := range ts.gaps() {
			missing += gap.Len()
		}
		if missing > 0 {
			update("gap/"+key.String(), health.Amber, health.ReasonGapDetected,
				s.id.String(), strconv.FormatUint(missing, 10))
		} else {
			update("gap/"+key.String(), health.Green, health.ReasonOK)
		}
	}

	if n := s.uncommittedLocked(); s.state == StateClearing && n > 0 {
		update("indoubt", health.Amber, health.ReasonIndoubtMessages, s.id.String(), strconv.FormatUint(n, 10))
	} else {
		update("indoubt", health.Green, health.ReasonOK)
	}
	if s.state == StateFlushRequested {
		update("flush", health.Amber, health.ReasonFlushPending, s.id.String())
	} else {
		update("flush", health.Green, health.ReasonOK)
	}
}

func (s *StreamSet) depthMetricLocked() {
	s.manager.deps.Metrics.Depth(s.direction.String(), s.destination, s.remote.String(), s.depthLocked())
}

func (s *StreamSet) depthLocked() uint64 {
	var depth uint64
	for _, ss := range s.sources {
		depth += ss.depth()
	}
	for _, ts := range s.targets {
		depth += ts.depth()
	}
	return depth
}

func (s *StreamSet) uncommittedLocked() uint64 {
	var n uint64
	for _, ss := range s.sources {
		n += ss.ledger.Count(tick.Uncommitted)
	}
	return n
}

func (s *StreamSet) sourceKeysLocked() []Key {
	keys := make([]Key, 0, len(s.sources))
	for key := range s.sources {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func (s *StreamSet) ref(key Key) Ref {
	return Ref{
		StreamID:    s.id,
		Destination: s.destination,
		Key:         key,
	}
}

func (s *StreamSet) transmit(ctx context.Context, out Outbound) {
	if err := s.manager.deps.Transmitter.Transmit(s.remote, out); err != nil && !errors.Is(err, ErrUnreachable) {
		logger.Get(ctx).Error("Transmitting frame failed", zap.Stringer("streamID", s.id), zap.Error(err))
	}
}

// compareKeys orders higher priorities first.
func compareKeys(a, b Key) int {
	if a.Priority != b.Priority {
		return int(b.Priority) - int(a.Priority)
	}
	return int(a.Reliability) - int(b.Reliability)
}
