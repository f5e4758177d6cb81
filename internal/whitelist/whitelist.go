// Package whitelist holds the optional allow-list of user ids. The list is
// swapped atomically on config reload.
package whitelist

import (
	"sort"
	"strings"
	"sync/atomic"
)

type snapshot struct {
	enabled bool
	ids     map[string]struct{}
}

type List struct {
	cur atomic.Pointer[snapshot]
}

func New(enabled bool, ids []string) *List {
	l := &List{}
	l.Apply(enabled, ids)
	return l
}

// Apply replaces the list. Blank ids are ignored.
func (l *List) Apply(enabled bool, ids []string) {
	s := &snapshot{enabled: enabled, ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	l.cur.Store(s)
}

func (l *List) Enabled() bool {
	s := l.cur.Load()
	return s != nil && s.enabled
}

func (l *List) Contains(id string) bool {
	s := l.cur.Load()
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

// Allowed is true when enforcement is off or id is listed.
func (l *List) Allowed(id string) bool {
	return !l.Enabled() || l.Contains(id)
}

// IDs returns the listed ids, sorted.
func (l *List) IDs() []string {
	s := l.cur.Load()
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
