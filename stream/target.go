package stream

import (
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/tick"
)

type targetItem struct {
	message *message.Message
}

type delivery struct {
	tick    tick.Tick
	message *message.Message
}

// TargetStream is the stream of ticks received from the source engine.
// It is owned by the stream set and accessed under its lock.
type TargetStream struct {
	key    Key
	ledger *tick.Ledger
	acked  tick.Tick
}

func newTargetStream(key Key) *TargetStream {
	return &TargetStream{
		key:    key,
		ledger: tick.NewLedger(),
	}
}

// receive stores the value of the tick. Duplicates are ignored.
func (s *TargetStream) receive(t tick.Tick, m *message.Message) bool {
	if t == 0 || t <= s.ledger.CompletedPrefix() {
		return false
	}
	s.ledger.Extend(t)
	r, err := s.ledger.Range(t)
	if err != nil || r.State != tick.Unknown {
		return false
	}
	return s.ledger.Write(t, t, tick.Value, targetItem{message: m}) == nil
}

// silence turns ticks [start, end] into silence, received values are dropped.
func (s *TargetStream) silence(start, end tick.Tick) uint64 {
	prefix := s.ledger.CompletedPrefix()
	if end <= prefix {
		return 0
	}
	start = max(start, prefix+1)
	s.ledger.Extend(end)

	var n uint64
	for _, r := range s.ledger.Ranges(start, end) {
		if r.State.Done() {
			continue
		}
		lo, hi := max(r.Start, start), min(r.End, end)
		if err := s.ledger.Write(lo, hi, tick.Silence, nil); err != nil {
			continue
		}
		n += uint64(hi-lo) + 1
	}
	return n
}

// deliverable returns values which may be delivered in order.
func (s *TargetStream) deliverable() []delivery {
	var result []delivery
	s.ledger.Ascend(s.ledger.CompletedPrefix()+1, func(r tick.Range) bool {
		switch r.State {
		case tick.Value:
			result = append(result, delivery{tick: r.Start, message: r.Value.(targetItem).message})
			return true
		case tick.Completed, tick.Silence:
			return true
		default:
			return false
		}
	})
	return result
}

// gaps returns ranges of ticks which have not been received.
func (s *TargetStream) gaps() []tick.Range {
	var result []tick.Range
	s.ledger.Ascend(s.ledger.CompletedPrefix()+1, func(r tick.Range) bool {
		if r.State == tick.Unknown {
			result = append(result, r)
		}
		return true
	})
	return result
}

func (s *TargetStream) depth() uint64 {
	return s.ledger.Count(tick.Value)
}

func (s *TargetStream) info() StreamInfo {
	return StreamInfo{
		Key:             s.key,
		Depth:           s.depth(),
		Last:            s.ledger.Last(),
		CompletedPrefix: s.ledger.CompletedPrefix(),
		Gaps:            s.gaps(),
	}
}
