package wire

type (
	// EngineID is the ID of messaging engine.
	EngineID [16]byte

	// StreamID is the ID of stream.
	StreamID [16]byte

	// Tick is the position of the message in the stream.
	Tick uint64

	// FrameKind is the kind of frame exchanged between engines.
	FrameKind uint64
)

// Frame kinds.
const (
	KindData FrameKind = iota + 1
	KindSilence
	KindAck
	KindNack
	KindFlushRequest
	KindFlushed
	KindRequest
	KindValue
	KindReject
	KindAccept
	KindRelease
	KindCancel
	KindCompleted
)

// Hello is the message exchanged between engines when connecting.
type Hello struct {
	EngineID EngineID
	Name     string
}

// Property is the key-value pair of request criteria.
type Property struct {
	Key   string
	Value string
}

// Frame carries stream protocol between engines. If HasMessage is set, encoded message follows the frame.
// Prefix is the completed prefix of the requesting engine in remote get frames.
type Frame struct {
	Kind           FrameKind
	StreamID       StreamID
	Destination    string
	Priority       uint64
	Reliability    uint64
	Start          Tick
	End            Tick
	Expiry         uint64
	Prefix         Tick
	DiscardIndoubt bool
	HasMessage     bool
	Criteria       []Property
}
