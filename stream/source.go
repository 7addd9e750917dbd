package stream

import (
	"github.com/outofforest/courier/tick"
)

type sourceItem struct {
	messageID string
}

type valueTick struct {
	tick      tick.Tick
	messageID string
}

// SourceStream is the stream of ticks assigned by local engine to messages sent to the remote engine.
// It is owned by the stream set and accessed under its lock.
type SourceStream struct {
	key      Key
	ledger   *tick.Ledger
	lastSent tick.Tick

	// blocking is the uncommitted tick seen holding back transmission at the previous check.
	blocking tick.Tick
	stalled  tick.Tick
}

func newSourceStream(key Key) *SourceStream {
	return &SourceStream{
		key:    key,
		ledger: tick.NewLedger(),
	}
}

// inFlight returns the number of transmitted values waiting for acknowledgement.
func (s *SourceStream) inFlight() uint64 {
	var n uint64
	s.ledger.Ascend(s.ledger.CompletedPrefix()+1, func(r tick.Range) bool {
		if r.Start > s.lastSent {
			return false
		}
		if r.State == tick.Value {
			n++
		}
		return true
	})
	return n
}

// checkBlocked records the uncommitted tick holding back committed values following it.
// The stream is stalled if the same tick blocks it in two consecutive checks.
func (s *SourceStream) checkBlocked() {
	var blocking tick.Tick
	if next := s.lastSent + 1; s.backlog() > 0 {
		if r, err := s.ledger.Range(next); err == nil && r.State == tick.Uncommitted {
			blocking = next
		}
	}
	s.stalled = 0
	if blocking != 0 && blocking == s.blocking {
		s.stalled = blocking
	}
	s.blocking = blocking
}

// backlog returns the number of values not transmitted yet.
func (s *SourceStream) backlog() uint64 {
	var n uint64
	s.ledger.Ascend(s.lastSent+1, func(r tick.Range) bool {
		if r.State == tick.Value {
			n++
		}
		return true
	})
	return n
}

func (s *SourceStream) firstOutsideWindow() tick.Tick {
	first := tick.Max
	s.ledger.Ascend(s.lastSent+1, func(r tick.Range) bool {
		if r.State == tick.Value || r.State == tick.Uncommitted {
			first = max(r.Start, s.lastSent+1)
			return false
		}
		return true
	})
	return first
}

func (s *SourceStream) values(from, to tick.Tick) []valueTick {
	var result []valueTick
	for _, r := range s.ledger.Ranges(from, to) {
		if r.State == tick.Value {
			result = append(result, valueTick{tick: r.Start, messageID: r.Value.(sourceItem).messageID})
		}
	}
	return result
}

func (s *SourceStream) find(messageID string) (tick.Tick, bool) {
	var found tick.Tick
	s.ledger.Ascend(s.ledger.CompletedPrefix()+1, func(r tick.Range) bool {
		if r.State == tick.Value && r.Value.(sourceItem).messageID == messageID {
			found = r.Start
			return false
		}
		return true
	})
	return found, found != 0
}

func (s *SourceStream) depth() uint64 {
	return s.ledger.Count(tick.Value) + s.ledger.Count(tick.Uncommitted)
}

func (s *SourceStream) info() StreamInfo {
	return StreamInfo{
		Key:                s.key,
		Depth:              s.depth(),
		Last:               s.ledger.Last(),
		CompletedPrefix:    s.ledger.CompletedPrefix(),
		FirstOutsideWindow: s.firstOutsideWindow(),
	}
}
