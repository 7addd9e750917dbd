package courier

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// localizations chooses engines hosting destinations. Engines are taken in round-robin order.
type localizations struct {
	engineID uuid.UUID
	hosts    map[string][]uuid.UUID
	links    *links

	mu   sync.Mutex
	next map[string]int
}

func newLocalizations(engineID uuid.UUID, hosts map[string][]uuid.UUID, l *links) *localizations {
	return &localizations{
		engineID: engineID,
		hosts:    hosts,
		links:    l,
		next:     map[string]int{},
	}
}

// Local returns true if destination is hosted by local engine. Destinations not configured are local.
func (l *localizations) Local(destination string) bool {
	hosts, exists := l.hosts[destination]
	if !exists {
		return true
	}
	for _, h := range hosts {
		if h == l.engineID {
			return true
		}
	}
	return false
}

// Choose returns the connected remote engine hosting the destination, other than exclude.
// uuid.Nil is returned if destination is hosted locally or no such engine is connected.
func (l *localizations) Choose(destination string, exclude uuid.UUID) uuid.UUID {
	if l.Local(destination) {
		return uuid.Nil
	}
	return l.pick(destination, exclude, true)
}

// Remote returns remote engine hosting the destination. Connected engines are preferred.
func (l *localizations) Remote(destination string) uuid.UUID {
	if remote := l.pick(destination, uuid.Nil, true); remote != uuid.Nil {
		return remote
	}
	return l.pick(destination, uuid.Nil, false)
}

// HostedBy returns destinations hosted by the remote engine but not by the local one.
func (l *localizations) HostedBy(remote uuid.UUID) []string {
	var destinations []string
	for dest, hosts := range l.hosts {
		if slices.Contains(hosts, remote) && !l.Local(dest) {
			destinations = append(destinations, dest)
		}
	}
	slices.Sort(destinations)
	return destinations
}

func (l *localizations) pick(destination string, exclude uuid.UUID, connected bool) uuid.UUID {
	hosts := l.hosts[destination]

	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.next[destination]
	for i := range hosts {
		idx := (start + i) % len(hosts)
		h := hosts[idx]
		if h == l.engineID || h == exclude || (connected && !l.links.Connected(h)) {
			continue
		}
		l.next[destination] = idx + 1
		return h
	}
	return uuid.Nil
}
