package exception

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/logger"
)

// DefaultDestination is the name of the default exception destination.
const DefaultDestination = "_SYSTEM.Exception.Destination"

// Result is the outcome of routing.
type Result uint8

// Routing results.
const (
	// OK means message has been moved to the exception destination.
	OK Result = iota

	// Discard means message can't be routed and should be deleted by the caller.
	Discard

	// Retry means routing failed temporarily and message should be left where it is.
	Retry
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Discard:
		return "DISCARD"
	case Retry:
		return "RETRY"
	default:
		return "Result(" + strconv.Itoa(int(r)) + ")"
	}
}

// Reason tells why the message is routed to the exception destination.
type Reason uint16

// Reasons.
const (
	ReasonAdministrativeMove Reason = iota + 1
	ReasonStreamCleared
	ReasonMaxRedelivery
)

// Router routes messages to the exception destination.
type Router interface {
	Route(ctx context.Context, m *message.Message, reason Reason, inserts []string, tx store.Tx) (Result, error)
}

// NewStoreRouter creates router moving messages to the local queue of the exception destination.
func NewStoreRouter(s store.MessageStore, destination string) *StoreRouter {
	if destination == "" {
		destination = DefaultDestination
	}
	return &StoreRouter{
		store:       s,
		destination: destination,
	}
}

// StoreRouter moves messages to the exception destination kept in the message store.
type StoreRouter struct {
	store       store.MessageStore
	destination string
}

// Destination returns the name of the exception destination.
func (r *StoreRouter) Destination() string {
	return r.destination
}

// Route moves message to the exception destination.
func (r *StoreRouter) Route(
	ctx context.Context,
	m *message.Message,
	reason Reason,
	inserts []string,
	tx store.Tx,
) (Result, error) {
	log := logger.Get(ctx).With(
		zap.String("messageID", m.ID),
		zap.String("destination", m.Destination),
		zap.Uint16("reason", uint16(reason)),
		zap.Strings("inserts", inserts),
	)

	if m.Destination == r.destination {
		log.Warn("Message already on exception destination, discarding")
		return Discard, nil
	}

	err := r.store.Retarget(ctx, m.ID, r.destination, uuid.Nil, tx)
	switch {
	case err == nil:
		log.Info("Message routed to exception destination")
		return OK, nil
	case store.IsResource(err):
		return Retry, err
	case errors.Is(err, store.ErrNotFound):
		return Discard, nil
	default:
		return Retry, err
	}
}
