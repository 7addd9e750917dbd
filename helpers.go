package courier

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/courier/anycast"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/stream"
	"github.com/outofforest/courier/tick"
	"github.com/outofforest/courier/wire"
)

var streamKinds = map[stream.Kind]wire.FrameKind{
	stream.KindData:         wire.KindData,
	stream.KindSilence:      wire.KindSilence,
	stream.KindAck:          wire.KindAck,
	stream.KindNack:         wire.KindNack,
	stream.KindFlushRequest: wire.KindFlushRequest,
	stream.KindFlushed:      wire.KindFlushed,
}

var anycastKinds = map[anycast.Kind]wire.FrameKind{
	anycast.KindRequest:   wire.KindRequest,
	anycast.KindValue:     wire.KindValue,
	anycast.KindReject:    wire.KindReject,
	anycast.KindAccept:    wire.KindAccept,
	anycast.KindRelease:   wire.KindRelease,
	anycast.KindCancel:    wire.KindCancel,
	anycast.KindCompleted: wire.KindCompleted,
}

func encodeFrame(f *wire.Frame, m *message.Message) (outFrame, error) {
	if m == nil {
		return outFrame{Frame: f}, nil
	}
	raw, err := message.Encode(m)
	if err != nil {
		return outFrame{}, err
	}
	f.HasMessage = true
	return outFrame{Frame: f, Message: raw}, nil
}

func streamFrame(out stream.Outbound) (outFrame, error) {
	kind, exists := streamKinds[out.Kind]
	if !exists {
		return outFrame{}, errors.Errorf("unknown stream frame kind %d", out.Kind)
	}
	return encodeFrame(&wire.Frame{
		Kind:           kind,
		StreamID:       wire.StreamID(out.Ref.StreamID),
		Destination:    out.Ref.Destination,
		Priority:       uint64(out.Ref.Key.Priority),
		Reliability:    uint64(out.Ref.Key.Reliability),
		Start:          wire.Tick(out.Start),
		End:            wire.Tick(out.End),
		DiscardIndoubt: out.DiscardIndoubt,
	}, out.Message)
}

func anycastFrame(out anycast.Outbound) (outFrame, error) {
	kind, exists := anycastKinds[out.Kind]
	if !exists {
		return outFrame{}, errors.Errorf("unknown anycast frame kind %d", out.Kind)
	}
	f := &wire.Frame{
		Kind:        kind,
		StreamID:    wire.StreamID(out.StreamID),
		Destination: out.Destination,
		Start:       wire.Tick(out.Tick),
		End:         wire.Tick(out.Tick),
		Expiry:      uint64(max(out.Expiry, 0)),
		Prefix:      wire.Tick(out.Prefix),
	}
	keys := lo.Keys(out.Criteria)
	slices.Sort(keys)
	for _, k := range keys {
		f.Criteria = append(f.Criteria, wire.Property{Key: k, Value: out.Criteria[k]})
	}
	return encodeFrame(f, out.Message)
}

func streamRef(f *wire.Frame) stream.Ref {
	return stream.Ref{
		StreamID:    uuid.UUID(f.StreamID),
		Destination: f.Destination,
		Key: stream.Key{
			Priority:    message.Priority(f.Priority),
			Reliability: message.Reliability(f.Reliability),
		},
	}
}

func anycastOutbound(f *wire.Frame, m *message.Message) (anycast.Outbound, bool) {
	var kind anycast.Kind
	var found bool
	for k, wk := range anycastKinds {
		if wk == f.Kind {
			kind, found = k, true
			break
		}
	}
	if !found {
		return anycast.Outbound{}, false
	}

	out := anycast.Outbound{
		Kind:        kind,
		StreamID:    uuid.UUID(f.StreamID),
		Destination: f.Destination,
		Tick:        tick.Tick(f.Start),
		Expiry:      time.Duration(f.Expiry),
		Prefix:      tick.Tick(f.Prefix),
		Message:     m,
	}
	if len(f.Criteria) > 0 {
		out.Criteria = message.Criteria{}
		for _, p := range f.Criteria {
			out.Criteria[p.Key] = p.Value
		}
	}
	return out, true
}

type streamTransmitter struct {
	links *links
}

func (t streamTransmitter) Transmit(remote uuid.UUID, out stream.Outbound) error {
	f, err := streamFrame(out)
	if err != nil {
		return err
	}
	return t.links.Send(remote, f)
}

type anycastTransmitter struct {
	links *links
}

func (t anycastTransmitter) Transmit(remote uuid.UUID, out anycast.Outbound) error {
	f, err := anycastFrame(out)
	if err != nil {
		return err
	}
	return t.links.Send(remote, f)
}
