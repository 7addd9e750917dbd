package tick

import (
	"github.com/google/btree"
	"github.com/pkg/errors"
)

const degree = 16

func less(a, b Range) bool {
	return a.Start < b.Start
}

// Ledger keeps the ordered set of tick ranges of one stream.
// Ranges are disjoint and cover [0, Last()]. Tick 0 is reserved and always completed.
// Ledger is not safe for concurrent use, owner serializes the access.
type Ledger struct {
	ranges *btree.BTreeG[Range]
	last   Tick
	prefix Tick
}

// NewLedger creates empty ledger.
func NewLedger() *Ledger {
	l := &Ledger{
		ranges: btree.NewG[Range](degree, less),
	}
	l.ranges.ReplaceOrInsert(Range{State: Completed})
	return l
}

// Last returns the highest tick covered by the ledger.
func (l *Ledger) Last() Tick {
	return l.last
}

// CompletedPrefix returns the highest tick T such that all ticks <= T are completed or silenced.
func (l *Ledger) CompletedPrefix() Tick {
	return l.prefix
}

// Allocate assigns next tick and marks it uncommitted.
func (l *Ledger) Allocate() Tick {
	l.last++
	l.insert(Range{Start: l.last, End: l.last, State: Uncommitted})
	return l.last
}

// Extend makes the ledger cover ticks up to t, new ticks are unknown.
func (l *Ledger) Extend(t Tick) {
	if t <= l.last {
		return
	}
	r := Range{Start: l.last + 1, End: t, State: Unknown}
	l.last = t
	l.insert(r)
}

// CommitValue stores the payload of uncommitted tick.
func (l *Ledger) CommitValue(t Tick, payload any) error {
	if payload == nil {
		return errors.Errorf("nil payload for tick %d", t)
	}
	r, err := l.Range(t)
	if err != nil {
		return err
	}
	if r.State != Uncommitted {
		return errors.Wrapf(ErrInvalidTransition, "tick %d is %s, not %s", t, r.State, Uncommitted)
	}
	return l.Write(t, t, Value, payload)
}

// WriteSilenceForced turns tick into silence regardless of its current state.
func (l *Ledger) WriteSilenceForced(t Tick) error {
	return l.Write(t, t, Silence, nil)
}

// Write sets the state of ticks [start, end].
func (l *Ledger) Write(start, end Tick, state State, value any) error {
	if start > end {
		return errors.Errorf("invalid range [%d, %d]", start, end)
	}
	if end > l.last {
		return errors.Wrapf(ErrNotFound, "tick %d is above last tick %d", end, l.last)
	}
	if start <= l.prefix && !state.Done() {
		return errors.Wrapf(ErrInvalidTransition, "tick %d is below completed prefix %d", start, l.prefix)
	}

	var overlapping []Range
	l.ranges.DescendLessOrEqual(Range{Start: start}, func(r Range) bool {
		if r.End >= start {
			overlapping = append(overlapping, r)
		}
		return false
	})
	if start < Max {
		l.ranges.AscendGreaterOrEqual(Range{Start: start + 1}, func(r Range) bool {
			if r.Start > end {
				return false
			}
			overlapping = append(overlapping, r)
			return true
		})
	}

	for _, r := range overlapping {
		l.ranges.Delete(r)
		if r.Start < start {
			l.ranges.ReplaceOrInsert(Range{Start: r.Start, End: start - 1, State: r.State, Value: r.Value})
		}
		if r.End > end {
			l.ranges.ReplaceOrInsert(Range{Start: end + 1, End: r.End, State: r.State, Value: r.Value})
		}
	}

	l.insert(Range{Start: start, End: end, State: state, Value: value})
	return nil
}

// Range returns the range containing tick.
func (l *Ledger) Range(t Tick) (Range, error) {
	if t > l.last {
		return Range{}, errors.Wrapf(ErrNotFound, "tick %d is above last tick %d", t, l.last)
	}
	var found Range
	l.ranges.DescendLessOrEqual(Range{Start: t}, func(r Range) bool {
		found = r
		return false
	})
	return found, nil
}

// Ascend calls fn for each range overlapping [from, Last()] in start order, until fn returns false.
func (l *Ledger) Ascend(from Tick, fn func(r Range) bool) {
	if from > l.last {
		return
	}
	first, _ := l.Range(from)
	if !fn(first) {
		return
	}
	if first.End == l.last {
		return
	}
	l.ranges.AscendGreaterOrEqual(Range{Start: first.End + 1}, fn)
}

// Ranges returns ranges overlapping [from, to].
func (l *Ledger) Ranges(from, to Tick) []Range {
	var result []Range
	l.Ascend(from, func(r Range) bool {
		if r.Start > to {
			return false
		}
		result = append(result, r)
		return true
	})
	return result
}

// Count returns the number of ticks in the state.
func (l *Ledger) Count(state State) uint64 {
	var n uint64
	l.ranges.Ascend(func(r Range) bool {
		if r.State == state {
			n += r.Len()
		}
		return true
	})
	return n
}

// Clone returns the snapshot of the ledger. Snapshot and ledger may be used concurrently
// once Clone returns.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{
		ranges: l.ranges.Clone(),
		last:   l.last,
		prefix: l.prefix,
	}
}

// Validate verifies that ranges are ordered, disjoint, coalesced and cover [0, Last()].
func (l *Ledger) Validate() error {
	var prev *Range
	var err error
	l.ranges.Ascend(func(r Range) bool {
		switch {
		case r.Start > r.End:
			err = errors.Errorf("range [%d, %d] is inverted", r.Start, r.End)
		case prev == nil && r.Start != 0:
			err = errors.Errorf("first range starts at %d", r.Start)
		case prev != nil && r.Start != prev.End+1:
			err = errors.Errorf("range [%d, %d] does not follow [%d, %d]", r.Start, r.End, prev.Start, prev.End)
		case prev != nil && mergeable(*prev, r):
			err = errors.Errorf("ranges [%d, %d] and [%d, %d] are not coalesced", prev.Start, prev.End, r.Start, r.End)
		}
		prev = &r
		return err == nil
	})
	if err != nil {
		return err
	}
	if prev == nil || prev.End != l.last {
		return errors.Errorf("ranges do not cover tick %d", l.last)
	}
	return nil
}

func mergeable(a, b Range) bool {
	return a.State == b.State && a.Value == nil && b.Value == nil
}

func (l *Ledger) insert(r Range) {
	if r.Value == nil {
		if r.Start > 0 {
			if left, err := l.Range(r.Start - 1); err == nil && mergeable(left, r) {
				l.ranges.Delete(left)
				r.Start = left.Start
			}
		}
		if r.End < l.last {
			if right, ok := l.ranges.Get(Range{Start: r.End + 1}); ok && mergeable(r, right) {
				l.ranges.Delete(right)
				r.End = right.End
			}
		}
	}
	l.ranges.ReplaceOrInsert(r)
	l.advancePrefix()
}

func (l *Ledger) advancePrefix() {
	for l.prefix < l.last {
		// Prefix may end in the middle of a range after silencing across it.
		r, _ := l.Range(l.prefix + 1)
		if !r.State.Done() {
			return
		}
		l.prefix = r.End
	}
}
