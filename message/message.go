package message

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Priority defines message priority. Higher value is delivered first.
type Priority uint8

// MaxPriority is the highest supported priority.
const MaxPriority Priority = 9

// Reliability defines the quality of service requested for the message.
type Reliability uint8

// Supported reliabilities.
const (
	BestEffortNonPersistent Reliability = iota + 1
	ExpressNonPersistent
	ReliableNonPersistent
	ReliablePersistent
	AssuredPersistent
)

func (r Reliability) String() string {
	switch r {
	case BestEffortNonPersistent:
		return "BestEffortNonPersistent"
	case ExpressNonPersistent:
		return "ExpressNonPersistent"
	case ReliableNonPersistent:
		return "ReliableNonPersistent"
	case ReliablePersistent:
		return "ReliablePersistent"
	case AssuredPersistent:
		return "AssuredPersistent"
	default:
		return "Reliability(" + strconv.Itoa(int(r)) + ")"
	}
}

// Valid reports whether reliability is one of the supported values.
func (r Reliability) Valid() bool {
	return r >= BestEffortNonPersistent && r <= AssuredPersistent
}

// Message is the unit stored in the message store and carried by streams.
type Message struct {
	ID          string
	Destination string

	// Target is the engine the message is assigned to. uuid.Nil means the local queue.
	Target uuid.UUID

	Priority        Priority
	Reliability     Reliability
	Properties      map[string]string
	Body            []byte
	RedeliveryCount uint32
}

// New creates message with fresh ID.
func New(destination string, body []byte) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Destination: destination,
		Priority:    4,
		Reliability: AssuredPersistent,
		Body:        body,
	}
}

// Criteria selects messages by exact property values.
type Criteria map[string]string

// Matches returns true if message carries all the properties required by criteria.
func (c Criteria) Matches(m *Message) bool {
	for k, v := range c {
		if m.Properties[k] != v {
			return false
		}
	}
	return true
}

type envelope struct {
	ID              string            `msgpack:"id"`
	Destination     string            `msgpack:"dst"`
	Priority        Priority          `msgpack:"pri"`
	Reliability     Reliability       `msgpack:"rel"`
	Properties      map[string]string `msgpack:"props,omitempty"`
	Body            []byte            `msgpack:"body"`
	RedeliveryCount uint32            `msgpack:"redelivered,omitempty"`
}

// Encode encodes message to be sent to another engine.
// Target is not encoded, it is always decided by the receiving side.
func Encode(m *Message) ([]byte, error) {
	b, err := msgpack.Marshal(envelope{
		ID:              m.ID,
		Destination:     m.Destination,
		Priority:        m.Priority,
		Reliability:     m.Reliability,
		Properties:      m.Properties,
		Body:            m.Body,
		RedeliveryCount: m.RedeliveryCount,
	})
	return b, errors.WithStack(err)
}

// Decode decodes message received from another engine.
func Decode(b []byte) (*Message, error) {
	var e envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, errors.WithStack(err)
	}
	if e.ID == "" {
		return nil, errors.New("message without ID")
	}
	return &Message{
		ID:              e.ID,
		Destination:     e.Destination,
		Priority:        e.Priority,
		Reliability:     e.Reliability,
		Properties:      e.Properties,
		Body:            e.Body,
		RedeliveryCount: e.RedeliveryCount,
	}, nil
}

// EncodeProperties encodes properties for storage.
func EncodeProperties(props map[string]string) ([]byte, error) {
	if len(props) == 0 {
		return nil, nil
	}
	b, err := msgpack.Marshal(props)
	return b, errors.WithStack(err)
}

// DecodeProperties decodes properties loaded from storage.
func DecodeProperties(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var props map[string]string
	if err := msgpack.Unmarshal(b, &props); err != nil {
		return nil, errors.WithStack(err)
	}
	return props, nil
}
