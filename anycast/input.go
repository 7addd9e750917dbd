package anycast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/logger"
)

type pending struct {
	deadline time.Time
	criteria message.Criteria
	result   chan Result
}

type delivered struct {
	message *message.Message
}

// InputStream sends requests of local consumers to the remote engine hosting the destination.
type InputStream struct {
	destination string
	remote      uuid.UUID
	manager     *Manager

	mu     sync.Mutex
	id     uuid.UUID
	ledger *tick.Ledger
}

// ID returns the current ID of the stream. It changes when stream is flushed.
func (s *InputStream) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

// Destination returns the requested destination.
func (s *InputStream) Destination() string {
	return s.destination
}

// Remote returns the ID of the engine hosting the destination.
func (s *InputStream) Remote() uuid.UUID {
	return s.remote
}

// Request asks the remote engine for a message matching criteria. Result is delivered to the returned channel.
func (s *InputStream) Request(
	ctx context.Context,
	criteria message.Criteria,
	expiry time.Duration,
) (tick.Tick, <-chan Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ledger.Allocate()
	result := make(chan Result, 1)
	if err := s.ledger.Write(t, t, tick.Requested, pending{
		deadline: time.Now().Add(expiry + s.manager.config.Grace),
		criteria: criteria,
		result:   result,
	}); err != nil {
		return 0, nil, err
	}

	if err := s.manager.deps.Transmitter.Transmit(s.remote, Outbound{
		Kind:        KindRequest,
		StreamID:    s.id,
		Destination: s.destination,
		Tick:        t,
		Expiry:      expiry,
		Criteria:    criteria,
		Prefix:      s.ledger.CompletedPrefix(),
	}); err != nil {
		// Remote engine settles the tick once it receives the prefix covering it.
		_ = s.ledger.Write(t, t, tick.Rejected, nil)
		s.compactLocked()
		return 0, nil, errors.Wrapf(err, "requesting message of %s", s.destination)
	}

	logger.Get(ctx).Debug("Message requested", zap.String("destination", s.destination),
		zap.Stringer("remote", s.remote), zap.Uint64("tick", uint64(t)))
	return t, result, nil
}

// ReceiveValue passes the message to the consumer waiting for it. Frames of the flushed stream and
// duplicates are ignored, cancellation has already told the remote engine to release the message.
func (s *InputStream) ReceiveValue(streamID uuid.UUID, t tick.Tick, m *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rangeLocked(streamID, t)
	if !ok || r.State != tick.Requested {
		return
	}

	p := r.Value.(pending)
	_ = s.ledger.Write(t, t, tick.Value, delivered{message: m})
	p.result <- Result{Tick: t, Message: m}
	close(p.result)
}

// ReceiveRejected tells the consumer that there is no message for it.
func (s *InputStream) ReceiveRejected(streamID uuid.UUID, t tick.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rangeLocked(streamID, t)
	if !ok || r.State != tick.Requested {
		return
	}
	s.rejectLocked(t, r.Value.(pending))
	s.compactLocked()
}

// Accept confirms the receipt of the message, the remote engine removes it.
func (s *InputStream) Accept(ctx context.Context, t tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.ledger.Range(t)
	if err != nil || r.State != tick.Value {
		return errors.Wrapf(ErrUnknownTick, "accepting tick %d", t)
	}
	if err := s.ledger.Write(t, t, tick.Accepted, nil); err != nil {
		return err
	}
	s.transmit(ctx, KindAccept, t)
	return nil
}

// Release returns the message to the remote engine.
func (s *InputStream) Release(ctx context.Context, t tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.ledger.Range(t)
	if err != nil || r.State != tick.Value {
		return errors.Wrapf(ErrUnknownTick, "releasing tick %d", t)
	}
	if err := s.ledger.Write(t, t, tick.Rejected, nil); err != nil {
		return err
	}
	s.transmit(ctx, KindRelease, t)
	s.compactLocked()
	return nil
}

// Completed records that the remote engine removed accepted message.
func (s *InputStream) Completed(streamID uuid.UUID, t tick.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rangeLocked(streamID, t)
	if !ok || r.State != tick.Accepted {
		return
	}
	_ = s.ledger.Write(t, t, tick.Completed, nil)
	s.compactLocked()
}

// CancelMessageRequest withdraws the request. Message received for it is released.
func (s *InputStream) CancelMessageRequest(ctx context.Context, t tick.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(ctx, t)
	s.compactLocked()
}

// CancelAllRequests withdraws all the requests not completed yet.
func (s *InputStream) CancelAllRequests(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		if r.State == tick.Requested || r.State == tick.Value {
			s.cancelLocked(ctx, r.Start)
		}
	}
	s.compactLocked()
}

// ForceFlushAtTarget withdraws all the requests and starts new stream. Accepted messages not confirmed
// by the remote engine are forgotten.
func (s *InputStream) ForceFlushAtTarget(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		if r.State == tick.Requested || r.State == tick.Value {
			s.cancelLocked(ctx, r.Start)
		}
	}

	old := s.id
	s.id = uuid.New()
	s.ledger = tick.NewLedger()

	logger.Get(ctx).Warn("Anycast input stream flushed", zap.Stringer("oldStreamID", old),
		zap.Stringer("streamID", s.id), zap.String("destination", s.destination))
}

// Expire cancels requests not answered in time and repeats unconfirmed acceptances.
// It returns the number of expired requests.
func (s *InputStream) Expire(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int
	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		switch r.State {
		case tick.Requested:
			if r.Value.(pending).deadline.After(now) {
				continue
			}
			s.cancelLocked(ctx, r.Start)
			expired++
		case tick.Accepted:
			for t := r.Start; t <= r.End; t++ {
				s.transmit(ctx, KindAccept, t)
			}
		}
	}
	s.compactLocked()
	return expired
}

// Pending returns requests which have not reached terminal state.
func (s *InputStream) Pending() []RequestInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []RequestInfo
	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		switch v := r.Value.(type) {
		case pending:
			result = append(result, RequestInfo{Tick: r.Start, State: r.State, Deadline: v.deadline, Criteria: v.criteria})
		case delivered:
			result = append(result, RequestInfo{Tick: r.Start, State: r.State, MessageID: v.message.ID})
		default:
			if r.State == tick.Accepted {
				for t := r.Start; t <= r.End; t++ {
					result = append(result, RequestInfo{Tick: t, State: r.State})
				}
			}
		}
	}
	return result
}

func (s *InputStream) rangeLocked(streamID uuid.UUID, t tick.Tick) (tick.Range, bool) {
	if streamID != s.id || t <= s.ledger.CompletedPrefix() {
		return tick.Range{}, false
	}
	r, err := s.ledger.Range(t)
	return r, err == nil
}

func (s *InputStream) cancelLocked(ctx context.Context, t tick.Tick) {
	r, err := s.ledger.Range(t)
	if err != nil {
		return
	}
	switch r.State {
	case tick.Requested:
		s.rejectLocked(t, r.Value.(pending))
		s.transmit(ctx, KindCancel, t)
	case tick.Value:
		_ = s.ledger.Write(t, t, tick.Rejected, nil)
		s.transmit(ctx, KindRelease, t)
	}
}

func (s *InputStream) rejectLocked(t tick.Tick, p pending) {
	_ = s.ledger.Write(t, t, tick.Rejected, nil)
	p.result <- Result{Tick: t}
	close(p.result)
}

// compactLocked folds rejected ticks preceding the oldest open request into the completed prefix.
func (s *InputStream) compactLocked() {
	for _, r := range s.ledger.Ranges(s.ledger.CompletedPrefix()+1, s.ledger.Last()) {
		if r.State != tick.Rejected && r.State != tick.Completed {
			return
		}
		if r.State == tick.Rejected {
			_ = s.ledger.Write(r.Start, r.End, tick.Completed, nil)
		}
	}
}

func (s *InputStream) transmit(ctx context.Context, kind Kind, t tick.Tick) {
	if err := s.manager.deps.Transmitter.Transmit(s.remote, Outbound{
		Kind:        kind,
		StreamID:    s.id,
		Destination: s.destination,
		Tick:        t,
		Prefix:      s.ledger.CompletedPrefix(),
	}); err != nil {
		logger.Get(ctx).Debug("Transmitting anycast frame failed", zap.Stringer("streamID", s.id), zap.Error(err))
	}
}
