package anycast

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/logger"
)

type inputKey struct {
	destination string
	remote      uuid.UUID
}

// Manager keeps anycast streams of local engine.
type Manager struct {
	config Config
	deps   Deps

	mu      sync.RWMutex
	outputs map[uuid.UUID]*OutputStream
	inputs  map[inputKey]*InputStream
	node    health.NodeID
}

// NewManager creates anycast manager.
func NewManager(config Config, deps Deps) (*Manager, error) {
	node, err := deps.Health.AddChild(deps.Health.Root(), "anycast")
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:  config,
		deps:    deps,
		outputs: map[uuid.UUID]*OutputStream{},
		inputs:  map[inputKey]*InputStream{},
		node:    node,
	}, nil
}

// Output returns the stream serving requests of the remote engine, creating it if needed.
func (m *Manager) Output(streamID uuid.UUID, destination string, remote uuid.UUID) *OutputStream {
	m.mu.RLock()
	s, exists := m.outputs[streamID]
	m.mu.RUnlock()
	if exists {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, exists := m.outputs[streamID]; exists {
		return s
	}
	s = &OutputStream{
		id:          streamID,
		destination: destination,
		remote:      remote,
		lockID:      "anycast/" + streamID.String(),
		manager:     m,
		ledger:      tick.NewLedger(),
	}
	m.outputs[streamID] = s
	return s
}

// Input returns the stream requesting messages of the destination from the remote engine, creating it if needed.
func (m *Manager) Input(destination string, remote uuid.UUID) *InputStream {
	key := inputKey{destination: destination, remote: remote}

	m.mu.RLock()
	s, exists := m.inputs[key]
	m.mu.RUnlock()
	if exists {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, exists := m.inputs[key]; exists {
		return s
	}
	s = &InputStream{
		id:          uuid.New(),
		destination: destination,
		remote:      remote,
		manager:     m,
		ledger:      tick.NewLedger(),
	}
	m.inputs[key] = s
	return s
}

// FindOutput returns the output stream by its ID.
func (m *Manager) FindOutput(streamID uuid.UUID) (*OutputStream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.outputs[streamID]
	return s, exists
}

// FindInput returns the input stream of the destination and remote engine.
func (m *Manager) FindInput(destination string, remote uuid.UUID) (*InputStream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.inputs[inputKey{destination: destination, remote: remote}]
	return s, exists
}

// Outputs returns all the output streams.
func (m *Manager) Outputs() []*OutputStream {
	m.mu.RLock()
	outputs := lo.Values(m.outputs)
	m.mu.RUnlock()

	slices.SortFunc(outputs, func(a, b *OutputStream) int {
		return strings.Compare(a.id.String(), b.id.String())
	})
	return outputs
}

// Inputs returns all the input streams.
func (m *Manager) Inputs() []*InputStream {
	m.mu.RLock()
	inputs := lo.Values(m.inputs)
	m.mu.RUnlock()

	slices.SortFunc(inputs, func(a, b *InputStream) int {
		if c := strings.Compare(a.destination, b.destination); c != 0 {
			return c
		}
		return strings.Compare(a.remote.String(), b.remote.String())
	})
	return inputs
}

// Offer serves waiting requests for messages of the destination.
func (m *Manager) Offer(ctx context.Context, destination string) error {
	for _, s := range m.Outputs() {
		if s.destination != destination {
			continue
		}
		if err := s.Offer(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Expire expires requests on all the streams and reports expirations as health.
func (m *Manager) Expire(ctx context.Context, now time.Time) error {
	log := logger.Get(ctx)

	expired := map[string]int{}
	for _, s := range m.Outputs() {
		n, err := s.Expire(ctx, now)
		if err != nil {
			log.Error("Expiring anycast requests failed", zap.Stringer("streamID", s.id), zap.Error(err))
			continue
		}
		expired[s.destination] += n
	}
	for _, s := range m.Inputs() {
		expired[s.destination] += s.Expire(ctx, now)
	}

	for destination, n := range expired {
		if n == 0 {
			_ = m.deps.Health.UpdateHealth(m.node, destination, health.Green, health.ReasonOK)
			continue
		}
		_ = m.deps.Health.UpdateHealth(m.node, destination, health.Amber, health.ReasonRequestsExpired,
			strconv.Itoa(n), destination)
		for range n {
			m.deps.Metrics.Anycast(destination, "expired")
		}
	}
	return nil
}

// Disconnected flushes streams of the remote engine which has been removed.
func (m *Manager) Disconnected(ctx context.Context, remote uuid.UUID) error {
	for _, s := range m.Outputs() {
		if s.remote != remote {
			continue
		}
		if err := s.ForceFlush(ctx); err != nil {
			return err
		}
	}
	for _, s := range m.Inputs() {
		if s.remote == remote {
			s.ForceFlushAtTarget(ctx)
		}
	}
	return nil
}

// Dispatch passes the frame received from the remote engine to the stream.
// Only requests start new output streams, other frames of unknown streams are ignored.
func (m *Manager) Dispatch(ctx context.Context, remote uuid.UUID, in Outbound) error {
	switch in.Kind {
	case KindRequest:
		s, err := m.serve(ctx, in.StreamID, in.Destination, remote)
		if err != nil {
			return err
		}
		if err := s.HandlePrefix(ctx, in.Prefix); err != nil {
			return err
		}
		return s.HandleRequest(ctx, in.Tick, in.Criteria, in.Expiry)
	case KindAccept, KindRelease, KindCancel:
		s, exists := m.FindOutput(in.StreamID)
		if !exists {
			return nil
		}
		if err := s.HandlePrefix(ctx, in.Prefix); err != nil {
			return err
		}
		switch in.Kind {
		case KindAccept:
			return s.HandleAccept(ctx, in.Tick)
		case KindRelease:
			return s.HandleRelease(ctx, in.Tick)
		default:
			return s.HandleCancel(ctx, in.Tick)
		}
	}

	s, exists := m.FindInput(in.Destination, remote)
	if !exists {
		return nil
	}
	switch in.Kind {
	case KindValue:
		s.ReceiveValue(in.StreamID, in.Tick, in.Message)
	case KindReject:
		s.ReceiveRejected(in.StreamID, in.Tick)
	case KindCompleted:
		s.Completed(in.StreamID, in.Tick)
	default:
		return errors.Errorf("unknown anycast frame kind %d", in.Kind)
	}
	return nil
}

// serve returns the output stream of the request. Requester starts new stream only after abandoning
// the previous one, so older streams of the same destination and remote engine are flushed.
func (m *Manager) serve(ctx context.Context, streamID uuid.UUID, destination string, remote uuid.UUID) (
	*OutputStream,
	error,
) {
	if s, exists := m.FindOutput(streamID); exists {
		return s, nil
	}

	s := m.Output(streamID, destination, remote)
	for _, old := range m.Outputs() {
		if old == s || old.remote != remote || old.destination != destination {
			continue
		}
		logger.Get(ctx).Info("Anycast output stream replaced", zap.Stringer("oldStreamID", old.id),
			zap.Stringer("streamID", streamID), zap.String("destination", destination))
		if err := old.ForceFlush(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Node returns the health node of anycast streams.
func (m *Manager) Node() health.NodeID {
	return m.node
}

func (m *Manager) forgetOutput(s *OutputStream) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.outputs[s.id] == s {
		delete(m.outputs, s.id)
	}
}
