package stream

import (
	"fmt"
	"strconv"

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
	// ErrStreamSetNotFound is returned when stream set does not exist or has been flushed.
	ErrStreamSetNotFound = errors.New("stream set not found")

	// ErrIndoubtMessages is returned when stream can't be cleared because of uncommitted messages.
	ErrIndoubtMessages = errors.New("stream holds indoubt messages")

	// ErrMessageNotFound is returned when message is not carried by the stream.
	ErrMessageNotFound = errors.New("message not found on stream")

	// ErrUnreachable is returned by transmitter when there is no link to the remote engine.
	ErrUnreachable = errors.New("remote engine unreachable")
)

// Key identifies the stream within stream set.
type Key struct {
	Priority    message.Priority
	Reliability message.Reliability
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.Priority, k.Reliability)
}

// KeyOf returns the key of the stream carrying the message.
func KeyOf(m *message.Message) Key {
	return Key{Priority: m.Priority, Reliability: m.Reliability}
}

// Ref identifies the stream across engines.
type Ref struct {
	StreamID    uuid.UUID
	Destination string
	Key         Key
}

// Direction tells if local engine produces or consumes the stream.
type Direction uint8

// Directions.
const (
	Source Direction = iota
	Target
)

func (d Direction) String() string {
	if d == Source {
		return "source"
	}
	return "target"
}

// State is the lifecycle state of the stream set.
type State uint8

// States.
const (
	StateActive State = iota
	StateClearing
	StateFlushRequested
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateClearing:
		return "CLEARING"
	case StateFlushRequested:
		return "FLUSH_REQUESTED"
	case StateFlushed:
		return "FLUSHED"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// IndoubtAction tells what to do with messages left on the source stream when it is cleared.
type IndoubtAction uint8

// Indoubt actions.
const (
	Leave IndoubtAction = iota
	Delete
	Exception
	Reallocate
)

func (a IndoubtAction) String() string {
	switch a {
	case Leave:
		return "LEAVE"
	case Delete:
		return "DELETE"
	case Exception:
		return "EXCEPTION"
	case Reallocate:
		return "REALLOCATE"
	default:
		return "IndoubtAction(" + strconv.Itoa(int(a)) + ")"
	}
}

// Status is the status of the message held by the stream.
type Status uint8

// Statuses.
const (
	// PendingSend means message is allocated but not transmitted yet.
	PendingSend Status = iota

	// PendingAcknowledgement means message has been transmitted and waits for acknowledgement.
	PendingAcknowledgement

	// Received means message has been received by target but can't be delivered yet.
	Received
)

func (s Status) String() string {
	switch s {
	case PendingSend:
		return "PENDING_SEND"
	case PendingAcknowledgement:
		return "PENDING_ACKNOWLEDGEMENT"
	case Received:
		return "RECEIVED"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Kind is the kind of outbound frame.
type Kind uint8

// Outbound kinds.
const (
	KindData Kind = iota
	KindSilence
	KindAck
	KindNack
	KindFlushRequest
	KindFlushed
)

// Outbound is the frame to be transmitted to the remote engine.
type Outbound struct {
	Kind           Kind
	Ref            Ref
	Start          tick.Tick
	End            tick.Tick
	Message        *message.Message
	DiscardIndoubt bool
}

// Transmitter sends frames to remote engines. Transmit must not block and must not call back into streams.
// ErrUnreachable is returned if there is no link to the remote engine.
type Transmitter interface {
	Transmit(remote uuid.UUID, out Outbound) error
}

// Chooser picks the engine messages of the destination are reallocated to.
// uuid.Nil means there is no other engine and message is parked on the local queue.
type Chooser interface {
	Choose(destination string, exclude uuid.UUID) uuid.UUID
}

// MessageInfo describes message held by the stream.
type MessageInfo struct {
	Key     Key
	Tick    tick.Tick
	Status  Status
	Message *message.Message
}

// StreamInfo describes one stream of the stream set.
type StreamInfo struct {
	Key             Key
	Depth           uint64
	Last            tick.Tick
	CompletedPrefix tick.Tick

	// FirstOutsideWindow is set for source streams, tick.Max if everything allocated has been sent.
	FirstOutsideWindow tick.Tick

	// Gaps is set for target streams.
	Gaps []tick.Range
}

// Config is the configuration of stream manager.
type Config struct {
	Bus              string
	SendWindow       uint64
	BacklogThreshold uint64
}

// Deps are the collaborators of stream manager.
type Deps struct {
	Store        store.MessageStore
	Transactions store.TransactionManager
	Router       exception.Router
	Chooser      Chooser
	Transmitter  Transmitter
	Health       *health.Tree
	Metrics      *metrics.Metrics
}
