package stream

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/logger"
)

type sourceKey struct {
	destination string
	remote      uuid.UUID
}

// Manager keeps stream sets of local engine.
// Manager lock is never held while stream set is locked by the manager, sets lock the manager when removed.
type Manager struct {
	config Config
	deps   Deps

	mu        sync.RWMutex
	sources   map[sourceKey]*StreamSet
	sourceIDs map[uuid.UUID]*StreamSet
	targets   map[uuid.UUID]*StreamSet
	epochs    map[uuid.UUID]uint64
	remotes   map[uuid.UUID]health.NodeID
}

// NewManager creates stream manager.
func NewManager(config Config, deps Deps) *Manager {
	if config.SendWindow == 0 {
		config.SendWindow = 1
	}
	return &Manager{
		config:    config,
		deps:      deps,
		sources:   map[sourceKey]*StreamSet{},
		sourceIDs: map[uuid.UUID]*StreamSet{},
		targets:   map[uuid.UUID]*StreamSet{},
		epochs:    map[uuid.UUID]uint64{},
		remotes:   map[uuid.UUID]health.NodeID{},
	}
}

// Send persists the message and sends it to the remote engine.
func (m *Manager) Send(ctx context.Context, msg *message.Message, remote uuid.UUID) (tick.Tick, error) {
	for {
		set, err := m.sourceSet(msg.Destination, remote)
		if err != nil {
			return 0, err
		}
		t, err := set.Send(ctx, msg)
		if errors.Is(err, ErrStreamSetNotFound) {
			continue
		}
		return t, err
	}
}

// Commit retries persisting the message whose tick stayed uncommitted.
func (m *Manager) Commit(ctx context.Context, msg *message.Message, remote uuid.UUID, t tick.Tick) error {
	set, exists := m.SourceSet(msg.Destination, remote)
	if !exists {
		return errors.Wrapf(ErrStreamSetNotFound, "destination %s, remote %s", msg.Destination, remote)
	}
	return set.Commit(ctx, t, msg)
}

// Enqueue sends the message already persisted for the remote engine.
func (m *Manager) Enqueue(ctx context.Context, msg *message.Message, remote uuid.UUID) error {
	for {
		set, err := m.sourceSet(msg.Destination, remote)
		if err != nil {
			return err
		}
		err = set.Enqueue(ctx, msg)
		if errors.Is(err, ErrStreamSetNotFound) {
			continue
		}
		return err
	}
}

// Receive passes the message received from the remote engine to the target stream.
func (m *Manager) Receive(ctx context.Context, remote uuid.UUID, ref Ref, t tick.Tick, msg *message.Message) error {
	for {
		set, err := m.targetSet(ref, remote)
		if err != nil {
			return err
		}
		err = set.Receive(ctx, ref.Key, t, msg)
		if errors.Is(err, ErrStreamSetNotFound) {
			continue
		}
		return err
	}
}

// ReceiveSilence passes the silence received from the remote engine to the target stream.
func (m *Manager) ReceiveSilence(ctx context.Context, remote uuid.UUID, ref Ref, start, end tick.Tick) error {
	for {
		set, err := m.targetSet(ref, remote)
		if err != nil {
			return err
		}
		err = set.ReceiveSilence(ctx, ref.Key, start, end)
		if errors.Is(err, ErrStreamSetNotFound) {
			continue
		}
		return err
	}
}

// Ack passes the acknowledgement to the source stream.
func (m *Manager) Ack(ctx context.Context, ref Ref, upTo tick.Tick) error {
	set, exists := m.SourceSetByID(ref.StreamID)
	if !exists {
		return errors.Wrapf(ErrStreamSetNotFound, "stream %s", ref.StreamID)
	}
	return set.Ack(ctx, ref.Key, upTo)
}

// Nack passes the negative acknowledgement to the source stream.
func (m *Manager) Nack(ctx context.Context, ref Ref, start, end tick.Tick) error {
	set, exists := m.SourceSetByID(ref.StreamID)
	if !exists {
		return errors.Wrapf(ErrStreamSetNotFound, "stream %s", ref.StreamID)
	}
	return set.Nack(ctx, ref.Key, start, end)
}

// FlushRequested clears source stream set on request of the target.
func (m *Manager) FlushRequested(ctx context.Context, streamID uuid.UUID, discardIndoubt bool) (bool, error) {
	set, exists := m.SourceSetByID(streamID)
	if !exists {
		return true, nil
	}
	action := Leave
	if discardIndoubt {
		action = Delete
	}
	return set.ClearAtSource(ctx, action)
}

// Flushed removes target stream set flushed by the source.
func (m *Manager) Flushed(ctx context.Context, streamID uuid.UUID) {
	if set, exists := m.TargetSet(streamID); exists {
		set.Flushed(ctx)
	}
}

// Reallocate moves messages not transmitted yet away from source stream sets of the destination.
func (m *Manager) Reallocate(ctx context.Context, destination string) (int, error) {
	var moved int
	for _, set := range m.Sets() {
		if set.Direction() != Source || set.Destination() != destination {
			continue
		}
		n, err := set.Reallocate(ctx, false)
		moved += n
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// Resend retransmits everything exchanged with the remote engine. It is called when link is reestablished.
func (m *Manager) Resend(ctx context.Context, remote uuid.UUID) error {
	for _, set := range m.Sets() {
		if set.Remote() != remote {
			continue
		}
		if err := set.Resend(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Housekeep runs periodic maintenance of all the stream sets.
func (m *Manager) Housekeep(ctx context.Context) error {
	log := logger.Get(ctx)

	var firstErr error
	for _, set := range m.Sets() {
		if err := set.Housekeep(ctx); err != nil {
			log.Error("Stream set housekeeping failed", zap.Stringer("streamID", set.ID()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SourceSet returns source stream set of the destination and remote engine.
func (m *Manager) SourceSet(destination string, remote uuid.UUID) (*StreamSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, exists := m.sources[sourceKey{destination: destination, remote: remote}]
	return set, exists
}

// SourceSetByID returns source stream set by its ID.
func (m *Manager) SourceSetByID(id uuid.UUID) (*StreamSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, exists := m.sourceIDs[id]
	return set, exists
}

// TargetSet returns target stream set by its ID.
func (m *Manager) TargetSet(id uuid.UUID) (*StreamSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, exists := m.targets[id]
	return set, exists
}

// Set returns stream set by its ID.
func (m *Manager) Set(id uuid.UUID) (*StreamSet, bool) {
	if set, exists := m.SourceSetByID(id); exists {
		return set, true
	}
	return m.TargetSet(id)
}

// Sets returns all the stream sets ordered by destination.
func (m *Manager) Sets() []*StreamSet {
	m.mu.RLock()
	sets := make([]*StreamSet, 0, len(m.sourceIDs)+len(m.targets))
	for _, set := range m.sourceIDs {
		sets = append(sets, set)
	}
	for _, set := range m.targets {
		sets = append(sets, set)
	}
	m.mu.RUnlock()

	slices.SortFunc(sets, func(a, b *StreamSet) int {
		if c := strings.Compare(a.destination, b.destination); c != 0 {
			return c
		}
		if a.direction != b.direction {
			return int(a.direction) - int(b.direction)
		}
		return strings.Compare(a.id.String(), b.id.String())
	})
	return sets
}

// RemoteNode returns the health node of the remote engine.
func (m *Manager) RemoteNode(remote uuid.UUID) (health.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remoteNodeLocked(remote)
}

func (m *Manager) remoteNodeLocked(remote uuid.UUID) (health.NodeID, error) {
	if id, exists := m.remotes[remote]; exists {
		return id, nil
	}
	id, err := m.deps.Health.AddChild(m.deps.Health.Root(), "engine/"+remote.String())
	if err != nil {
		return health.NodeID{}, err
	}
	m.remotes[remote] = id
	return id, nil
}

func (m *Manager) sourceSet(destination string, remote uuid.UUID) (*StreamSet, error) {
	key := sourceKey{destination: destination, remote: remote}

	m.mu.RLock()
	set, exists := m.sources[key]
	m.mu.RUnlock()
	if exists {
		return set, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if set, exists := m.sources[key]; exists {
		return set, nil
	}
	set, err := m.newSetLocked(uuid.New(), Source, destination, remote, 0)
	if err != nil {
		return nil, err
	}
	m.sources[key] = set
	m.sourceIDs[set.id] = set
	return set, nil
}

func (m *Manager) targetSet(ref Ref, remote uuid.UUID) (*StreamSet, error) {
	m.mu.RLock()
	set, exists := m.targets[ref.StreamID]
	m.mu.RUnlock()
	if exists {
		return set, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if set, exists := m.targets[ref.StreamID]; exists {
		return set, nil
	}
	set, err := m.newSetLocked(ref.StreamID, Target, ref.Destination, remote, m.epochs[ref.StreamID])
	if err != nil {
		return nil, err
	}
	m.targets[set.id] = set
	return set, nil
}

func (m *Manager) newSetLocked(
	id uuid.UUID,
	direction Direction,
	destination string,
	remote uuid.UUID,
	epoch uint64,
) (*StreamSet, error) {
	parent, err := m.remoteNodeLocked(remote)
	if err != nil {
		return nil, err
	}
	node, err := m.deps.Health.AddChild(parent, direction.String()+"/"+id.String())
	if err != nil {
		return nil, err
	}
	return &StreamSet{
		id:          id,
		direction:   direction,
		destination: destination,
		remote:      remote,
		epoch:       epoch,
		manager:     m,
		node:        node,
		sources:     map[Key]*SourceStream{},
		targets:     map[Key]*TargetStream{},
	}, nil
}

// forget is called by the stream set being removed, under its lock.
func (m *Manager) forget(set *StreamSet, forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch set.direction {
	case Source:
		delete(m.sourceIDs, set.id)
		key := sourceKey{destination: set.destination, remote: set.remote}
		if m.sources[key] == set {
			delete(m.sources, key)
		}
	case Target:
		if m.targets[set.id] == set {
			delete(m.targets, set.id)
		}
		if forced {
			m.epochs[set.id] = set.epoch + 1
		}
	}
}
