package control

import (
	"context"
	"iter"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/courier/anycast"
	"github.com/outofforest/courier/tick"
)

// RemoteGetControl controls requests sent by local consumers to the remote engine.
type RemoteGetControl struct {
	manager      *anycast.Manager
	stream       *anycast.InputStream
	registration registration
}

// NewRemoteGetControl creates control of the anycast input stream and registers it.
func NewRemoteGetControl(
	ctx context.Context,
	manager *anycast.Manager,
	s *anycast.InputStream,
	registrar Registrar,
) (*RemoteGetControl, error) {
	c := &RemoteGetControl{
		manager:      manager,
		stream:       s,
		registration: registration{registrar: registrar},
	}
	if err := c.registration.register(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RemoteGetKey returns the registration key of remote get control.
func RemoteGetKey(destination string, remote uuid.UUID) string {
	return "remoteget/" + destination + "/" + remote.String()
}

// Key returns the registration key.
func (c *RemoteGetControl) Key() string {
	return RemoteGetKey(c.stream.Destination(), c.stream.Remote())
}

// Kind returns the kind of control.
func (c *RemoteGetControl) Kind() string {
	return "remoteGet"
}

// Dereference deregisters the control.
func (c *RemoteGetControl) Dereference(ctx context.Context) {
	c.registration.deregister(ctx, c)
}

// AssertValid returns ErrNotFound if the stream is no longer kept by the manager.
func (c *RemoteGetControl) AssertValid() error {
	s, exists := c.manager.FindInput(c.stream.Destination(), c.stream.Remote())
	if !exists || s != c.stream {
		return errors.Wrapf(ErrNotFound, "remote get of %s from %s", c.stream.Destination(), c.stream.Remote())
	}
	return nil
}

// Requests iterates over requests which have not reached terminal state.
func (c *RemoteGetControl) Requests() iter.Seq[anycast.RequestInfo] {
	return func(yield func(anycast.RequestInfo) bool) {
		for _, r := range c.stream.Pending() {
			if !yield(r) {
				return
			}
		}
	}
}

// CancelAllRequests withdraws all the requests.
func (c *RemoteGetControl) CancelAllRequests(ctx context.Context) error {
	if err := c.AssertValid(); err != nil {
		return err
	}
	c.stream.CancelAllRequests(ctx)
	return nil
}

// CancelMessageRequest withdraws one request.
func (c *RemoteGetControl) CancelMessageRequest(ctx context.Context, t tick.Tick) error {
	if err := c.AssertValid(); err != nil {
		return err
	}
	c.stream.CancelMessageRequest(ctx, t)
	return nil
}

// ForceFlushAtTarget withdraws all the requests and starts new stream.
func (c *RemoteGetControl) ForceFlushAtTarget(ctx context.Context) error {
	if err := c.AssertValid(); err != nil {
		return err
	}
	c.stream.ForceFlushAtTarget(ctx)
	return nil
}
