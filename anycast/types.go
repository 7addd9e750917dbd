package anycast

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/health"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/metrics"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/courier/tick"
)

var (
	// ErrUnknownTick is returned when tick is not in the state required by the operation.
	ErrUnknownTick = errors.New("unknown request tick")

	// ErrRejected is returned to the consumer whose request has not been satisfied.
	ErrRejected = errors.New("request rejected")
)

// Kind is the kind of outbound anycast frame.
type Kind uint8

// Outbound kinds.
const (
	// KindRequest asks the engine hosting the destination for a message.
	KindRequest Kind = iota

	// KindValue hands the message over to the requester.
	KindValue

	// KindReject tells the requester that no message is available.
	KindReject

	// KindAccept confirms the receipt of the message.
	KindAccept

	// KindRelease returns the message to the hosting engine.
	KindRelease

	// KindCancel withdraws the request.
	KindCancel

	// KindCompleted confirms that accepted message has been removed.
	KindCompleted
)

// Outbound is the frame to be transmitted to the remote engine.
type Outbound struct {
	Kind        Kind
	StreamID    uuid.UUID
	Destination string
	Tick        tick.Tick
	Expiry      time.Duration
	Criteria    message.Criteria
	Message     *message.Message

	// Prefix is the completed prefix of the requester. Ticks below it are settled by the hosting engine
	// even if frames carrying their outcome have been lost.
	Prefix tick.Tick
}

// Transmitter sends frames to remote engines. Transmit must not block and must not call back into streams.
type Transmitter interface {
	Transmit(remote uuid.UUID, out Outbound) error
}

// Result is the outcome of the request delivered to the consumer.
type Result struct {
	Tick tick.Tick

	// Message is nil if request has been rejected.
	Message *message.Message
}

// RequestInfo describes the request which has not reached terminal state.
type RequestInfo struct {
	Tick     tick.Tick
	State    tick.State
	Deadline time.Time
	Criteria message.Criteria

	// MessageID is set for requests answered with the message.
	MessageID string
}

// Config is the configuration of anycast manager.
type Config struct {
	// Grace is the time requester waits above request expiry before it cancels the request.
	Grace time.Duration

	// MaxRedeliveries is the number of releases after which message is moved to the exception destination.
	// Zero means no limit.
	MaxRedeliveries uint32
}

// Deps are the collaborators of anycast manager.
type Deps struct {
	Store        store.MessageStore
	Transactions store.TransactionManager
	Router       exception.Router
	Transmitter  Transmitter
	Health       *health.Tree
	Metrics      *metrics.Metrics
}
