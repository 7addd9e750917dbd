package control

import (
	"context"
	"iter"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/stream"
)

// StreamSetControl controls the stream set.
type StreamSetControl struct {
	set          *stream.StreamSet
	registration registration
}

// NewStreamSetControl creates control of the stream set and registers it.
func NewStreamSetControl(ctx context.Context, set *stream.StreamSet, registrar Registrar) (*StreamSetControl, error) {
	c := &StreamSetControl{
		set:          set,
		registration: registration{registrar: registrar},
	}
	if err := c.registration.register(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// StreamSetKey returns the registration key of stream set control.
func StreamSetKey(streamID uuid.UUID) string {
	return "streamset/" + streamID.String()
}

// Key returns the registration key.
func (c *StreamSetControl) Key() string {
	return StreamSetKey(c.set.ID())
}

// Kind returns the kind of control.
func (c *StreamSetControl) Kind() string {
	return c.set.Direction().String() + "StreamSet"
}

// Dereference deregisters the control.
func (c *StreamSetControl) Dereference(ctx context.Context) {
	c.registration.deregister(ctx, c)
}

// AssertValid returns ErrNotFound if stream set has been removed.
func (c *StreamSetControl) AssertValid() error {
	if c.set.Removed() {
		return errors.Wrapf(ErrNotFound, "stream set %s", c.set.ID())
	}
	return nil
}

// Set returns the controlled stream set.
func (c *StreamSetControl) Set() *stream.StreamSet {
	return c.set
}

// StreamState returns the state of the stream set.
func (c *StreamSetControl) StreamState() stream.State {
	return c.set.State()
}

// Depth returns the number of messages held by the streams.
func (c *StreamSetControl) Depth() uint64 {
	return c.set.Depth()
}

// Health returns the health of the stream set and its explanation.
func (c *StreamSetControl) Health(ctx context.Context) (health.Health, string) {
	return c.set.Health(ctx)
}

// Streams returns the summary of the streams.
func (c *StreamSetControl) Streams() []stream.StreamInfo {
	return c.set.Streams()
}

// Messages iterates over messages held by the streams.
func (c *StreamSetControl) Messages(ctx context.Context) iter.Seq[stream.MessageInfo] {
	return c.set.Messages(ctx)
}

// MoveMessage withdraws the message from the source stream. Message is removed if discard is set,
// otherwise it is routed to the exception destination.
func (c *StreamSetControl) MoveMessage(ctx context.Context, messageID string, discard bool) error {
	if err := c.assertDirection(stream.Source); err != nil {
		return err
	}
	return c.set.MoveMessage(ctx, messageID, discard)
}

// MoveMessages moves all the messages. It continues after failure.
func (c *StreamSetControl) MoveMessages(ctx context.Context, messageIDs []string, discard bool) BulkResult {
	var result BulkResult
	if err := c.assertDirection(stream.Source); err != nil {
		result.Failed = len(messageIDs)
		result.Err = err
		return result
	}
	for _, id := range messageIDs {
		result.add(c.set.MoveMessage(ctx, id, discard))
	}
	return result
}

// ClearMessagesAtSource removes all the messages from source streams using the action and flushes the set.
// It returns true if stream set has been flushed.
func (c *StreamSetControl) ClearMessagesAtSource(ctx context.Context, action stream.IndoubtAction) (bool, error) {
	if err := c.assertDirection(stream.Source); err != nil {
		return false, err
	}
	return c.set.ClearAtSource(ctx, action)
}

// ReallocateAllTransmitMessages moves all the messages of source streams to other localizations.
func (c *StreamSetControl) ReallocateAllTransmitMessages(ctx context.Context) (int, error) {
	if err := c.assertDirection(stream.Source); err != nil {
		return 0, err
	}
	return c.set.Reallocate(ctx, true)
}

// ForceFlushAtTarget discards the state of target streams.
func (c *StreamSetControl) ForceFlushAtTarget(ctx context.Context) error {
	if err := c.assertDirection(stream.Target); err != nil {
		return err
	}
	return c.set.ForceFlushAtTarget(ctx)
}

// RequestFlushAtSource asks the source engine to flush its streams.
func (c *StreamSetControl) RequestFlushAtSource(ctx context.Context, discardIndoubt bool) error {
	if err := c.assertDirection(stream.Target); err != nil {
		return err
	}
	return c.set.RequestFlushAtSource(ctx, discardIndoubt)
}

func (c *StreamSetControl) assertDirection(direction stream.Direction) error {
	if err := c.AssertValid(); err != nil {
		return err
	}
	if c.set.Direction() != direction {
		return errors.Wrapf(ErrNotSupported, "stream set %s is a %s", c.set.ID(), c.set.Direction())
	}
	return nil
}
