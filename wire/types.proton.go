package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id2 uint64 = iota + 1
	id1
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Frame{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id2, nil
	case *Frame:
		return id1, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size2(msg2), nil
	case *Frame:
		return size1(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id2, marshal2(msg2, buf), nil
	case *Frame:
		return id1, marshal1(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id2:
		msg := &Hello{}
		return msg, unmarshal2(msg, buf), nil
	case id1:
		msg := &Frame{}
		return msg, unmarshal1(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id2, makePatch2(msg2, msgSrc.(*Hello), buf), nil
	case *Frame:
		return id1, makePatch1(msg2, msgSrc.(*Frame), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch2(msg2, buf), nil
	case *Frame:
		return applyPatch1(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size1(m *Frame) uint64 {
	var n uint64 = 26
	{
		// Kind

		helpers.UInt64Size(m.Kind, &n)
	}
	{
		// Destination

		{
			l := uint64(len(m.Destination))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Priority

		helpers.UInt64Size(m.Priority, &n)
	}
	{
		// Reliability

		helpers.UInt64Size(m.Reliability, &n)
	}
	{
		// Start

		helpers.UInt64Size(m.Start, &n)
	}
	{
		// End

		helpers.UInt64Size(m.End, &n)
	}
	{
		// Expiry

		helpers.UInt64Size(m.Expiry, &n)
	}
	{
		// Prefix

		helpers.UInt64Size(m.Prefix, &n)
	}
	{
		// Criteria

		l := uint64(len(m.Criteria))
		helpers.UInt64Size(l, &n)
		for _, sv1 := range m.Criteria {
			n += size0(&sv1)
		}
	}
	return n
}

func marshal1(m *Frame, b []byte) uint64 {
	var o uint64 = 1
	{
		// Kind

		helpers.UInt64Marshal(m.Kind, b, &o)
	}
	{
		// StreamID

		copy(b[o:o+16], unsafe.Slice(&m.StreamID[0], 16))
		o += 16
	}
	{
		// Destination

		{
			l := uint64(len(m.Destination))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Destination)
			o += l
		}
	}
	{
		// Priority

		helpers.UInt64Marshal(m.Priority, b, &o)
	}
	{
		// Reliability

		helpers.UInt64Marshal(m.Reliability, b, &o)
	}
	{
		// Start

		helpers.UInt64Marshal(m.Start, b, &o)
	}
	{
		// End

		helpers.UInt64Marshal(m.End, b, &o)
	}
	{
		// Expiry

		helpers.UInt64Marshal(m.Expiry, b, &o)
	}
	{
		// Prefix

		helpers.UInt64Marshal(m.Prefix, b, &o)
	}
	{
		// DiscardIndoubt

		if m.DiscardIndoubt {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}
	{
		// HasMessage

		if m.HasMessage {
			b[0] |= 0x02
		} else {
			b[0] &= 0xFD
		}
	}
	{
		// Criteria

		helpers.UInt64Marshal(uint64(len(m.Criteria)), b, &o)
		for _, sv1 := range m.Criteria {
			o += marshal0(&sv1, b[o:])
		}
	}

	return o
}

func unmarshal1(m *Frame, b []byte) uint64 {
	var o uint64 = 1
	{
		// Kind

		helpers.UInt64Unmarshal(&m.Kind, b, &o)
	}
	{
		// StreamID

		copy(unsafe.Slice(&m.StreamID[0], 16), b[o:o+16])
		o += 16
	}
	{
		// Destination

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Destination = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Priority

		helpers.UInt64Unmarshal(&m.Priority, b, &o)
	}
	{
		// Reliability

		helpers.UInt64Unmarshal(&m.Reliability, b, &o)
	}
	{
		// Start

		helpers.UInt64Unmarshal(&m.Start, b, &o)
	}
	{
		// End

		helpers.UInt64Unmarshal(&m.End, b, &o)
	}
	{
		// Expiry

		helpers.UInt64Unmarshal(&m.Expiry, b, &o)
	}
	{
		// Prefix

		helpers.UInt64Unmarshal(&m.Prefix, b, &o)
	}
	{
		// DiscardIndoubt

		m.DiscardIndoubt = b[0]&0x01 != 0
	}
	{
		// HasMessage

		m.HasMessage = b[0]&0x02 != 0
	}
	{
		// Criteria

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Criteria = make([]Property, l)
			for i1 := range l {
				o += unmarshal0(&m.Criteria[i1], b[o:])
			}
		}
	}

	return o
}

func makePatch1(m, mSrc *Frame, b []byte) uint64 {
	var o uint64 = 3
	{
		// Kind

		if m.Kind == mSrc.Kind {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Kind, b, &o)
		}
	}
	{
		// StreamID

		if reflect.DeepEqual(m.StreamID, mSrc.StreamID) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			copy(b[o:o+16], unsafe.Slice(&m.StreamID[0], 16))
			o += 16
		}
	}
	{
		// Destination

		if m.Destination == mSrc.Destination {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.Destination))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Destination)
				o += l
			}
		}
	}
	{
		// Priority

		if m.Priority == mSrc.Priority {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			helpers.UInt64Marshal(m.Priority, b, &o)
		}
	}
	{
		// Reliability

		if m.Reliability == mSrc.Reliability {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			helpers.UInt64Marshal(m.Reliability, b, &o)
		}
	}
	{
		// Start

		if m.Start == mSrc.Start {
			b[0] &= 0xDF
		} else {
			b[0] |= 0x20
			helpers.UInt64Marshal(m.Start, b, &o)
		}
	}
	{
		// End

		if m.End == mSrc.End {
			b[0] &= 0xBF
		} else {
			b[0] |= 0x40
			helpers.UInt64Marshal(m.End, b, &o)
		}
	}
	{
		// Expiry

		if m.Expiry == mSrc.Expiry {
			b[0] &= 0x7F
		} else {
			b[0] |= 0x80
			helpers.UInt64Marshal(m.Expiry, b, &o)
		}
	}
	{
		// Prefix

		if m.Prefix == mSrc.Prefix {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
			helpers.UInt64Marshal(m.Prefix, b, &o)
		}
	}
	{
		// DiscardIndoubt

		if m.DiscardIndoubt == mSrc.DiscardIndoubt {
			b[2] &= 0xFE
		} else {
			b[2] |= 0x01
		}
	}
	{
		// HasMessage

		if m.HasMessage == mSrc.HasMessage {
			b[2] &= 0xFD
		} else {
			b[2] |= 0x02
		}
	}
	{
		// Criteria

		if reflect.DeepEqual(m.Criteria, mSrc.Criteria) {
			b[1] &= 0xFD
		} else {
			b[1] |= 0x02
			helpers.UInt64Marshal(uint64(len(m.Criteria)), b, &o)
			for _, sv1 := range m.Criteria {
				o += marshal0(&sv1, b[o:])
			}
		}
	}

	return o
}

func applyPatch1(m *Frame, b []byte) uint64 {
	var o uint64 = 3
	{
		// Kind

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Kind, b, &o)
		}
	}
	{
		// StreamID

		if b[0]&0x02 != 0 {
			copy(unsafe.Slice(&m.StreamID[0], 16), b[o:o+16])
			o += 16
		}
	}
	{
		// Destination

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Destination = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Priority

		if b[0]&0x08 != 0 {
			helpers.UInt64Unmarshal(&m.Priority, b, &o)
		}
	}
	{
		// Reliability

		if b[0]&0x10 != 0 {
			helpers.UInt64Unmarshal(&m.Reliability, b, &o)
		}
	}
	{
		// Start

		if b[0]&0x20 != 0 {
			helpers.UInt64Unmarshal(&m.Start, b, &o)
		}
	}
	{
		// End

		if b[0]&0x40 != 0 {
			helpers.UInt64Unmarshal(&m.End, b, &o)
		}
	}
	{
		// Expiry

		if b[0]&0x80 != 0 {
			helpers.UInt64Unmarshal(&m.Expiry, b, &o)
		}
	}
	{
		// Prefix

		if b[1]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Prefix, b, &o)
		}
	}
	{
		// DiscardIndoubt

		if b[2]&0x01 != 0 {
			m.DiscardIndoubt = !m.DiscardIndoubt
		}
	}
	{
		// HasMessage

		if b[2]&0x02 != 0 {
			m.HasMessage = !m.HasMessage
		}
	}
	{
		// Criteria

		if b[1]&0x02 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Criteria = make([]Property, l)
				for i1 := range l {
					o += unmarshal0(&m.Criteria[i1], b[o:])
				}
			}
		}
	}

	return o
}

func size0(m *Property) uint64 {
	var n uint64 = 2
	{
		// Key

		{
			l := uint64(len(m.Key))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Value

		{
			l := uint64(len(m.Value))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal0(m *Property, b []byte) uint64 {
	var o uint64
	{
		// Key

		{
			l := uint64(len(m.Key))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Key)
			o += l
		}
	}
	{
		// Value

		{
			l := uint64(len(m.Value))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Value)
			o += l
		}
	}

	return o
}

func unmarshal0(m *Property, b []byte) uint64 {
	var o uint64
	{
		// Key

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Key = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Value

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Value = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func size2(m *Hello) uint64 {
	var n uint64 = 17
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal2(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// EngineID

		copy(b[o:o+16], unsafe.Slice(&m.EngineID[0], 16))
		o += 16
	}
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
	}

	return o
}

func unmarshal2(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// EngineID

		copy(unsafe.Slice(&m.EngineID[0], 16), b[o:o+16])
		o += 16
	}
	{
		// Name

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Name = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch2(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// EngineID

		if reflect.DeepEqual(m.EngineID, mSrc.EngineID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+16], unsafe.Slice(&m.EngineID[0], 16))
			o += 16
		}
	}
	{
		// Name

		if m.Name == mSrc.Name {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}

	return o
}

func applyPatch2(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// EngineID

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.EngineID[0], 16), b[o:o+16])
			o += 16
		}
	}
	{
		// Name

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Name = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}
