package topic

import "sort"

// state is the plain map/list data of a topic. It performs no locking.
type state struct {
	maps  map[string]map[string]Entry
	lists map[string][]ListEntry
}

func newState() *state {
	return &state{
		maps:  make(map[string]map[string]Entry),
		lists: make(map[string][]ListEntry),
	}
}

// apply mutates s and reports whether the change took effect. emit may be nil.
func (s *state) apply(c Change, emit func(Event)) bool {
	if emit == nil {
		emit = func(Event) {}
	}
	switch c.Type {
	case TypePut:
		old, had := s.maps[c.Name][c.Key]
		if c.Value.IsNull() {
			if !had {
				return true
			}
			s.deleteKey(c.Name, c.Key)
			emit(Event{Kind: MapEvent, Name: c.Name, Key: c.Key, Old: old.Value})
			return true
		}
		s.setKey(c.Name, c.Key, c.entry())
		emit(Event{Kind: MapEvent, Name: c.Name, Key: c.Key, Old: old.Value, New: c.Value})
		return true

	case TypeReplace:
		cur := s.maps[c.Name][c.Key].Value
		if !cur.Equal(c.Expected) {
			return false
		}
		if c.Value.IsNull() {
			s.deleteKey(c.Name, c.Key)
		} else {
			s.setKey(c.Name, c.Key, c.entry())
		}
		if !c.Value.Equal(cur) {
			emit(Event{Kind: MapEvent, Name: c.Name, Key: c.Key, Old: cur, New: c.Value})
		}
		return true

	case TypeAppend:
		if s.listIndex(c.Name, c.Key) >= 0 {
			return true
		}
		s.lists[c.Name] = append(s.lists[c.Name], ListEntry{Key: c.Key, Entry: c.entry()})
		emit(Event{Kind: ListEvent, Name: c.Name, Key: c.Key, New: c.Value})
		return true

	case TypeListRemove:
		i := s.listIndex(c.Name, c.Key)
		if i < 0 {
			return false
		}
		old := s.lists[c.Name][i]
		s.removeListIndex(c.Name, i)
		emit(Event{Kind: ListEvent, Name: c.Name, Key: c.Key, Old: old.Value})
		return true

	case TypeCloseScope:
		owner := c.ScopeOwner
		s.removeWhere(func(e Entry) bool { return e.ScopeOwner == owner }, emit)
		return true
	}
	return false
}

// removeWhere drops every entry matching pred, map keys in sorted order and
// list entries front to back.
func (s *state) removeWhere(pred func(Entry) bool, emit func(Event)) {
	if emit == nil {
		emit = func(Event) {}
	}
	for _, name := range sortedKeys(s.maps) {
		m := s.maps[name]
		for _, key := range sortedKeys(m) {
			if e := m[key]; pred(e) {
				s.deleteKey(name, key)
				emit(Event{Kind: MapEvent, Name: name, Key: key, Old: e.Value})
			}
		}
	}
	for _, name := range sortedKeys(s.lists) {
		kept := s.lists[name][:0:0]
		var removed []ListEntry
		for _, le := range s.lists[name] {
			if pred(le.Entry) {
				removed = append(removed, le)
			} else {
				kept = append(kept, le)
			}
		}
		if len(removed) == 0 {
			continue
		}
		s.setList(name, kept)
		for _, le := range removed {
			emit(Event{Kind: ListEvent, Name: name, Key: le.Key, Old: le.Value})
		}
	}
}

func (s *state) setKey(name, key string, e Entry) {
	m, ok := s.maps[name]
	if !ok {
		m = make(map[string]Entry)
		s.maps[name] = m
	}
	m[key] = e
}

func (s *state) deleteKey(name, key string) {
	m := s.maps[name]
	delete(m, key)
	if len(m) == 0 {
		delete(s.maps, name)
	}
}

func (s *state) setList(name string, entries []ListEntry) {
	if len(entries) == 0 {
		delete(s.lists, name)
		return
	}
	s.lists[name] = entries
}

func (s *state) removeListIndex(name string, i int) {
	l := s.lists[name]
	next := make([]ListEntry, 0, len(l)-1)
	next = append(next, l[:i]...)
	next = append(next, l[i+1:]...)
	s.setList(name, next)
}

func (s *state) listIndex(name, key string) int {
	for i, le := range s.lists[name] {
		if le.Key == key {
			return i
		}
	}
	return -1
}

func (s *state) get(name, key string) (Entry, bool) {
	e, ok := s.maps[name][key]
	return e, ok
}

func (s *state) keys(name string) []string {
	return sortedKeys(s.maps[name])
}

func (s *state) mapCopy(name string) map[string]Entry {
	src := s.maps[name]
	out := make(map[string]Entry, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (s *state) listCopy(name string) []ListEntry {
	return append([]ListEntry(nil), s.lists[name]...)
}

// clone copies the container structure. Entries hold immutable values, so a
// shallow copy of each collection is a deep copy of the state.
func (s *state) clone() *state {
	out := newState()
	for name := range s.maps {
		out.maps[name] = s.mapCopy(name)
	}
	for name := range s.lists {
		out.lists[name] = s.listCopy(name)
	}
	return out
}

// collections lists every map and list present in s.
func (s *state) collections() []collection {
	out := make([]collection, 0, len(s.maps)+len(s.lists))
	for name := range s.maps {
		out = append(out, collection{kind: MapEvent, name: name})
	}
	for name := range s.lists {
		out = append(out, collection{kind: ListEvent, name: name})
	}
	return out
}

// only returns a state holding just col's data.
func (s *state) only(col collection) *state {
	out := newState()
	switch col.kind {
	case MapEvent:
		if _, ok := s.maps[col.name]; ok {
			out.maps[col.name] = s.mapCopy(col.name)
		}
	case ListEvent:
		if _, ok := s.lists[col.name]; ok {
			out.lists[col.name] = s.listCopy(col.name)
		}
	}
	return out
}

// replace swaps col's data in s for next's and emits the difference.
func (s *state) replace(col collection, next *state, emit func(Event)) {
	switch col.kind {
	case MapEvent:
		prev := s.maps[col.name]
		cur := next.maps[col.name]
		keys := make(map[string]struct{}, len(prev)+len(cur))
		for k := range prev {
			keys[k] = struct{}{}
		}
		for k := range cur {
			keys[k] = struct{}{}
		}
		for _, k := range sortedKeys(keys) {
			o, n := prev[k].Value, cur[k].Value
			if !o.Equal(n) {
				emit(Event{Kind: MapEvent, Name: col.name, Key: k, Old: o, New: n})
			}
		}
		if len(cur) == 0 {
			delete(s.maps, col.name)
		} else {
			s.maps[col.name] = cur
		}
	case ListEvent:
		prev := s.lists[col.name]
		cur := next.lists[col.name]
		i := 0
		for i < len(prev) && i < len(cur) && prev[i].Key == cur[i].Key && prev[i].Value.Equal(cur[i].Value) {
			i++
		}
		for _, le := range prev[i:] {
			emit(Event{Kind: ListEvent, Name: col.name, Key: le.Key, Old: le.Value})
		}
		for _, le := range cur[i:] {
			emit(Event{Kind: ListEvent, Name: col.name, Key: le.Key, New: le.Value})
		}
		s.setList(col.name, cur)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
