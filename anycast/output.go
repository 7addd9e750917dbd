package anycast

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/logger"
)

type waiting struct {
	deadline time.Time
	criteria message.Criteria
}

type held struct {
	messageID string
}

// OutputStream serves requests of one remote engine for messages of the local queue.
// Ticks are assigned by the requester.
type OutputStream struct {
	id          uuid.UUID
	destination string
	remote      uuid.UUID
	lockID      string
	manager     *Manager

	mu      sync.Mutex
	removed bool
	ledger  *tick.Ledger
}

// ID returns the ID of the stream.
func (s *OutputStream) ID() uuid.UUID {
	return s.id
}

// Destination returns the destination served by the stream.
func (s *OutputStream) Destination() string {
	return s.destination
}

// Remote returns the ID of the requesting engine.
func (s *OutputStream) Remote() uuid.UUID {
	return s.remote
}

// HandleRequest serves the request for tick t. Request waits for the message until expiry,
// zero expiry means rejecting immediately if there is no matching message.
// Repeated requests for the same tick are answered with the outcome of the first one.
func (s *OutputStream) HandleRequest(
	ctx context.Context,
	t tick.Tick,
	criteria message.Criteria,
	expiry time.Duration,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}

	if t <= s.ledger.CompletedPrefix() {
		s.transmit(ctx, Outbound{Kind: KindCompleted, Tick: t})
		return nil
	}
	s.ledger.Extend(t)
	r, err := s.ledger.Range(t)
	if err != nil {
		return err
	}

	switch r.State {
	case tick.Unknown:
		if err := s.ledger.Write(t, t, tick.Requested, waiting{
			deadline: time.Now().Add(expiry),
			criteria: criteria,
		}); err != nil {
			return err
		}
		served, err := s.serveLocked(ctx, t, criteria)
		if err != nil || served {
			return err
		}
		if expiry <= 0 {
			return s.rejectLocked(ctx, t)
		}
		return nil
	case tick.Value:
		m, err := s.manager.deps.Store.Find(ctx, r.Value.(held).messageID)
		if err != nil {
			return err
		}
		if m == nil {
			return s.rejectLocked(ctx, t)
		}
		s.transmit(ctx, Outbound{Kind: KindValue, Tick: t, Message: m})
	case tick.Rejected:
		s.transmit(ctx, Outbound{Kind: KindReject, Tick: t})
	case tick.Completed:
		s.transmit(ctx, Outbound{Kind: KindCompleted, Tick: t})
	}
	return nil
}

// HandleAccept removes the message accepted by the requester.
func (s *OutputStream) HandleAccept(ctx context.Context, t tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}

	if t <= s.ledger.CompletedPrefix() {
		s.transmit(ctx, Outbound{Kind: KindCompleted, Tick: t})
		return nil
	}
	r, err := s.ledger.Range(t)
	if err != nil {
		return errors.Wrapf(ErrUnknownTick, "accepting tick %d: %s", t, err)
	}

	switch r.State {
	case tick.Value:
		if err := store.InTx(ctx, s.manager.deps.Transactions, func(tx store.Tx) error {
			err := s.manager.deps.Store.Remove(ctx, r.Value.(held).messageID, tx)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}); err != nil {
			return err
		}
		if err := s.ledger.Write(t, t, tick.Completed, nil); err != nil {
			return err
		}
		s.manager.deps.Metrics.Anycast(s.destination, "completed")
		s.transmit(ctx, Outbound{Kind: KindCompleted, Tick: t})
	case tick.Completed:
		s.transmit(ctx, Outbound{Kind: KindCompleted, Tick: t})
	default:
		return errors.Wrapf(ErrUnknownTick, "accepting tick %d in state %s", t, r.State)
	}
	return nil
}

// HandleRelease returns the message to the local queue.
func (s *OutputStream) HandleRelease(ctx context.Context, t tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || t <= s.ledger.CompletedPrefix() {
		return nil
	}
	r, err := s.ledger.Range(t)
	if err != nil || r.State != tick.Value {
		return nil
	}
	if err := s.releaseLocked(ctx, t, r.Value.(held).messageID); err != nil {
		return err
	}
	s.manager.deps.Metrics.Anycast(s.destination, "released")
	return s.offerLocked(ctx)
}

// HandleCancel withdraws the request. Message already handed over is returned to the local queue.
func (s *OutputStream) HandleCancel(ctx context.Context, t tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || t <= s.ledger.CompletedPrefix() {
		return nil
	}
	s.ledger.Extend(t)
	r, err := s.ledger.Range(t)
	if err != nil {
		return err
	}

	switch r.State {
	case tick.Unknown, tick.Requested:
		return s.ledger.Write(t, t, tick.Rejected, nil)
	case tick.Value:
		if err := s.releaseLocked(ctx, t, r.Value.(held).messageID); err != nil {
			return err
		}
		return s.offerLocked(ctx)
	}
	return nil
}

// HandlePrefix settles ticks the requester has folded into its completed prefix. Requests never received
// are rejected and messages handed over are returned to the local queue.
func (s *OutputStream) HandlePrefix(ctx context.Context, prefix tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.ledger.CompletedPrefix() + 1
	if s.removed || prefix < from {
		return nil
	}
	s.ledger.Extend(prefix)

	var released bool
	for _, r := range s.ledger.Ranges(from, prefix) {
		switch r.State {
		case tick.Value:
			if err := s.releaseLocked(ctx, r.Start, r.Value.(held).messageID); err != nil {
				return err
			}
			released = true
		case tick.Unknown, tick.Requested:
			if err := s.ledger.Write(max(r.Start, from), min(r.End, prefix), tick.Rejected, nil); err != nil {
				return err
			}
		}
	}
	if err := s.compactLocked(); err != nil {
		return err
	}
	if released {
		return s.offerLocked(ctx)
	}
	return nil
}

// Offer serves waiting requests with messages which became available.
func (s *OutputStream) Offer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}
	return s.offerLocked(ctx)
}

// Expire rejects waiting requests whose deadline passed. It returns the number of expired requests.
func (s *OutputStream) Expire(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return 0, nil
	}

	var expired int
	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		if r.State != tick.Requested || r.Value.(waiting).deadline.After(now) {
			continue
		}
		if err := s.rejectLocked(ctx, r.Start); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, s.compactLocked()
}

// ForceFlush returns all the held messages to the local queue and discards the stream.
func (s *OutputStream) ForceFlush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}

	var firstErr error
	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		if r.State != tick.Value {
			continue
		}
		if err := s.manager.deps.Store.Unlock(ctx, r.Value.(held).messageID, s.lockID, nil); err != nil &&
			!errors.Is(err, store.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	s.removed = true
	s.ledger = tick.NewLedger()
	s.manager.forgetOutput(s)

	logger.Get(ctx).Warn("Anycast output stream flushed", zap.Stringer("streamID", s.id),
		zap.String("destination", s.destination))
	return nil
}

// InFlight returns the requests which have not reached terminal state.
func (s *OutputStream) InFlight() []RequestInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []RequestInfo
	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		switch v := r.Value.(type) {
		case waiting:
			result = append(result, RequestInfo{Tick: r.Start, State: r.State, Deadline: v.deadline, Criteria: v.criteria})
		case held:
			result = append(result, RequestInfo{Tick: r.Start, State: r.State, MessageID: v.messageID})
		}
	}
	return result
}

// serveLocked tries to lock the message matching the request. Lock in the store guarantees
// that message is handed to one request only.
func (s *OutputStream) serveLocked(ctx context.Context, t tick.Tick, criteria message.Criteria) (bool, error) {
	m, err := s.manager.deps.Store.LockNext(ctx, s.destination, uuid.Nil, criteria, s.lockID)
	if err != nil || m == nil {
		return false, err
	}
	if err := s.ledger.Write(t, t, tick.Value, held{messageID: m.ID}); err != nil {
		return false, err
	}
	s.manager.deps.Metrics.Anycast(s.destination, "value")
	s.transmit(ctx, Outbound{Kind: KindValue, Tick: t, Message: m})
	return true, nil
}

func (s *OutputStream) offerLocked(ctx context.Context) error {
	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		if r.State != tick.Requested {
			continue
		}
		// Requests may select different messages, so unserved one does not stop the others.
		if _, err := s.serveLocked(ctx, r.Start, r.Value.(waiting).criteria); err != nil {
			return err
		}
	}
	return nil
}

func (s *OutputStream) releaseLocked(ctx context.Context, t tick.Tick, messageID string) error {
	err := store.InTx(ctx, s.manager.deps.Transactions, func(tx store.Tx) error {
		return s.manager.deps.Store.Unlock(ctx, messageID, s.lockID, tx)
	})
	switch {
	case err == nil:
		s.routeRedelivered(ctx, messageID)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return s.ledger.Write(t, t, tick.Rejected, nil)
}

// routeRedelivered moves the message released too many times to the exception destination.
// Message stays in the queue if routing fails.
func (s *OutputStream) routeRedelivered(ctx context.Context, messageID string) {
	limit := s.manager.config.MaxRedeliveries
	if limit == 0 || s.manager.deps.Router == nil {
		return
	}

	log := logger.Get(ctx).With(zap.String("messageID", messageID))
	m, err := s.manager.deps.Store.Find(ctx, messageID)
	if err != nil {
		log.Error("Reading released message failed", zap.Error(err))
		return
	}
	if m == nil || m.RedeliveryCount < limit {
		return
	}

	inserts := []string{strconv.FormatUint(uint64(m.RedeliveryCount), 10), s.destination}
	if err := store.InTx(ctx, s.manager.deps.Transactions, func(tx store.Tx) error {
		result, err := s.manager.deps.Router.Route(ctx, m, exception.ReasonMaxRedelivery, inserts, tx)
		switch result {
		case exception.OK:
			return nil
		case exception.Retry:
			return err
		}
		if err := s.manager.deps.Store.Remove(ctx, m.ID, tx); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}); err != nil {
		log.Error("Routing redelivered message failed", zap.Error(err))
		return
	}
	s.manager.deps.Metrics.Anycast(s.destination, "redelivery_limit")
}

func (s *OutputStream) rejectLocked(ctx context.Context, t tick.Tick) error {
	if err := s.ledger.Write(t, t, tick.Rejected, nil); err != nil {
		return err
	}
	s.manager.deps.Metrics.Anycast(s.destination, "rejected")
	s.transmit(ctx, Outbound{Kind: KindReject, Tick: t})
	return nil
}

// compactLocked folds rejected ticks preceding the oldest open request into the completed prefix.
func (s *OutputStream) compactLocked() error {
	prefix := s.ledger.CompletedPrefix()
	for _, r := range s.ledger.Ranges(prefix+1, s.ledger.Last()) {
		if r.State != tick.Rejected && r.State != tick.Completed {
			return nil
		}
		if r.State == tick.Rejected {
			if err := s.ledger.Write(r.Start, r.End, tick.Completed, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *OutputStream) transmit(ctx context.Context, out Outbound) {
	out.StreamID = s.id
	out.Destination = s.destination
	if err := s.manager.deps.Transmitter.Transmit(s.remote, out); err != nil {
		logger.Get(ctx).Debug("Transmitting anycast frame failed", zap.Stringer("streamID", s.id), zap.Error(err))
	}
}
