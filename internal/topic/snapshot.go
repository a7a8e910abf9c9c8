package topic

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the full materialized state of a topic together with the
// tracking id of the last replicated event it reflects. Subscribing to the
// topic's log for events newer than TrackingID resumes replication with no
// gap and no duplicate.
type Snapshot struct {
	TrackingID  string                      `json:"trackingId"`
	Maps        map[string]map[string]Entry `json:"maps"`
	Lists       map[string][]ListEntry      `json:"lists"`
	MemberNodes []string                    `json:"memberNodes"`
}

// FromTopic materializes what t currently shows to readers, labelled with
// trackingID.
func FromTopic(t *Topic, trackingID string) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return materialize(t.view, trackingID, t.members)
}

// ConfirmedSnapshot materializes the replicated prefix of t, labelled with the
// tracking id of the last replicated event. Local changes still awaiting
// replication are not included, so the label is exact.
func (t *Topic) ConfirmedSnapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return materialize(t.confirmed, t.lastConfirmed, t.members)
}

func materialize(s *state, trackingID string, members []string) *Snapshot {
	c := s.clone()
	return &Snapshot{
		TrackingID:  trackingID,
		Maps:        c.maps,
		Lists:       c.lists,
		MemberNodes: append([]string{}, members...),
	}
}

// Restore replaces the whole state of t with s. Pending local changes are
// discarded. Restore is meant for bootstrap, before listeners subscribe, and
// emits no events.
func (t *Topic) Restore(s *Snapshot) {
	st := newState()
	for name, m := range s.Maps {
		for k, e := range m {
			if !e.Value.IsNull() {
				st.setKey(name, k, e)
			}
		}
	}
	for name, l := range s.Lists {
		st.setList(name, append([]ListEntry(nil), l...))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmed = st
	t.view = st.clone()
	t.pending = nil
	clear(t.dirty)
	t.lastConfirmed = s.TrackingID
	t.members = append([]string(nil), s.MemberNodes...)
}

// Marshal encodes s as JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSnapshot decodes a snapshot payload.
func ParseSnapshot(payload []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("topic: parse snapshot: %w", err)
	}
	if s.Maps == nil {
		s.Maps = make(map[string]map[string]Entry)
	}
	if s.Lists == nil {
		s.Lists = make(map[string][]ListEntry)
	}
	return &s, nil
}
