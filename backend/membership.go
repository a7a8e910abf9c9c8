package backend

import (
	"encoding/json"
	"fmt"
)

// MembershipEventType is either a join or a leave.
type MembershipEventType string

const (
	Join  MembershipEventType = "join"
	Leave MembershipEventType = "leave"
)

// MembershipEvent is a record on the membership log. The hosting process
// submits its own join and leave, and may submit a leave on behalf of a peer
// it knows to be gone; nothing in this module detects failures.
type MembershipEvent struct {
	Type   MembershipEventType `json:"type"`
	NodeID string              `json:"nodeId"`
}

// EncodeMembershipEvent serializes ev.
func EncodeMembershipEvent(ev MembershipEvent) ([]byte, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// DecodeMembershipEvent parses a membership log payload.
func DecodeMembershipEvent(payload []byte) (MembershipEvent, error) {
	var ev MembershipEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return MembershipEvent{}, fmt.Errorf("backend: decode membership event: %w", err)
	}
	if err := ev.validate(); err != nil {
		return MembershipEvent{}, err
	}
	return ev, nil
}

func (ev MembershipEvent) validate() error {
	if ev.Type != Join && ev.Type != Leave {
		return fmt.Errorf("backend: membership event type %q", ev.Type)
	}
	if ev.NodeID == "" {
		return fmt.Errorf("backend: membership event without node id")
	}
	return nil
}

// Membership folds an ordered stream of membership events into the list of
// present nodes, earliest join first. It is not safe for concurrent use.
//
// Each join starts a new incarnation of its node, identified by the join's
// tracking id. A node id that joins again without having left ends its
// previous incarnation: the old process is gone even though the id is back.
type Membership struct {
	nodes        []string
	incarnations map[string]string // node id -> tracking id of its current join
}

// Apply folds ev in and reports whether the member list changed. Joining
// twice is ignored; a node that leaves and joins again moves to the end.
func (m *Membership) Apply(ev MembershipEvent) bool {
	changed, _ := m.ApplyEvent("", ev)
	return changed
}

// ApplyEvent folds in ev, logged under trackingID. changed reports whether
// the member list changed; ended is the incarnation ev ended, if any.
func (m *Membership) ApplyEvent(trackingID string, ev MembershipEvent) (changed bool, ended string) {
	if m.incarnations == nil {
		m.incarnations = make(map[string]string)
	}
	idx := m.index(ev.NodeID)
	switch ev.Type {
	case Join:
		if idx >= 0 {
			if prev := m.incarnations[ev.NodeID]; trackingID != "" && prev != trackingID {
				m.incarnations[ev.NodeID] = trackingID
				return false, prev
			}
			return false, ""
		}
		m.nodes = append(m.nodes, ev.NodeID)
		m.incarnations[ev.NodeID] = trackingID
		return true, ""
	case Leave:
		if idx < 0 {
			return false, ""
		}
		m.nodes = append(m.nodes[:idx:idx], m.nodes[idx+1:]...)
		ended = m.incarnations[ev.NodeID]
		delete(m.incarnations, ev.NodeID)
		return true, ended
	}
	return false, ""
}

// Incarnation returns the tracking id of nodeID's current join, or "" when
// the node is not present or joined through Apply.
func (m *Membership) Incarnation(nodeID string) string { return m.incarnations[nodeID] }

// Incarnations returns the current incarnations of the present nodes,
// earliest join first, skipping nodes that joined through Apply.
func (m *Membership) Incarnations() []string {
	out := make([]string, 0, len(m.nodes))
	for _, n := range m.nodes {
		if inc := m.incarnations[n]; inc != "" {
			out = append(out, inc)
		}
	}
	return out
}

// Leader returns the earliest-joined node still present, or "" when empty.
func (m *Membership) Leader() string {
	if len(m.nodes) == 0 {
		return ""
	}
	return m.nodes[0]
}

// Nodes returns the present nodes, earliest join first.
func (m *Membership) Nodes() []string {
	return append([]string(nil), m.nodes...)
}

// Contains reports whether nodeID is present.
func (m *Membership) Contains(nodeID string) bool { return m.index(nodeID) >= 0 }

func (m *Membership) index(nodeID string) int {
	for i, n := range m.nodes {
		if n == nodeID {
			return i
		}
	}
	return -1
}

// Leader replays events in order and returns the resulting leader.
func Leader(events []MembershipEvent) string {
	var m Membership
	for _, ev := range events {
		m.Apply(ev)
	}
	return m.Leader()
}
