package backend

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLeaderIsEarliestSurvivingJoin(t *testing.T) {
	join := func(n string) MembershipEvent { return MembershipEvent{Type: Join, NodeID: n} }
	leave := func(n string) MembershipEvent { return MembershipEvent{Type: Leave, NodeID: n} }

	cases := []struct {
		name   string
		events []MembershipEvent
		want   string
	}{
		{"empty", nil, ""},
		{"single", []MembershipEvent{join("a")}, "a"},
		{"first join wins", []MembershipEvent{join("a"), join("b"), join("c")}, "a"},
		{"leader leaves", []MembershipEvent{join("a"), join("b"), join("c"), leave("a")}, "b"},
		{"non-leader leaves", []MembershipEvent{join("a"), join("b"), leave("b")}, "a"},
		{"duplicate join ignored", []MembershipEvent{join("a"), join("b"), join("a")}, "a"},
		{"rejoin goes last", []MembershipEvent{join("a"), join("b"), leave("a"), join("a"), leave("b")}, "a"},
		{"everyone left", []MembershipEvent{join("a"), leave("a")}, ""},
		{"leave of unknown node", []MembershipEvent{leave("x"), join("a")}, "a"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := Leader(tc.events); got != tc.want {
				t.Fatalf("Leader() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMembershipTracksOrder(t *testing.T) {
	var m Membership
	m.Apply(MembershipEvent{Type: Join, NodeID: "a"})
	m.Apply(MembershipEvent{Type: Join, NodeID: "b"})
	m.Apply(MembershipEvent{Type: Join, NodeID: "c"})
	if changed := m.Apply(MembershipEvent{Type: Join, NodeID: "b"}); changed {
		t.Fatalf("duplicate join reported a change")
	}
	m.Apply(MembershipEvent{Type: Leave, NodeID: "b"})
	if diff := cmp.Diff([]string{"a", "c"}, m.Nodes()); diff != "" {
		t.Fatalf("nodes mismatch (-want +got):\n%s", diff)
	}
	if !m.Contains("c") || m.Contains("b") {
		t.Fatalf("Contains disagrees with Nodes")
	}
}

func TestMembershipEventCodec(t *testing.T) {
	b, err := EncodeMembershipEvent(MembershipEvent{Type: Join, NodeID: "n1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(b) != `{"type":"join","nodeId":"n1"}` {
		t.Fatalf("unexpected encoding %s", b)
	}
	if _, err := DecodeMembershipEvent([]byte(`{"type":"wander","nodeId":"n1"}`)); err == nil {
		t.Fatalf("expected invalid type to be rejected")
	}
	if _, err := DecodeMembershipEvent([]byte(`{"type":"leave"}`)); err == nil {
		t.Fatalf("expected missing node id to be rejected")
	}
	if _, err := EncodeMembershipEvent(MembershipEvent{Type: Leave}); err == nil {
		t.Fatalf("expected encode to validate")
	}
}

func TestMembershipEndsIncarnations(t *testing.T) {
	var m Membership
	step := func(id string, ev MembershipEvent, wantChanged bool, wantEnded string) {
		t.Helper()
		changed, ended := m.ApplyEvent(id, ev)
		if changed != wantChanged || ended != wantEnded {
			t.Fatalf("ApplyEvent(%s %s %s) = (%v, %q), want (%v, %q)", id, ev.Type, ev.NodeID, changed, ended, wantChanged, wantEnded)
		}
	}
	step("j1", MembershipEvent{Type: Join, NodeID: "a"}, true, "")
	step("j2", MembershipEvent{Type: Join, NodeID: "b"}, true, "")
	step("l1", MembershipEvent{Type: Leave, NodeID: "b"}, true, "j2")
	step("j3", MembershipEvent{Type: Join, NodeID: "b"}, true, "")
	// a restarts without having left.
	step("j4", MembershipEvent{Type: Join, NodeID: "a"}, false, "j1")
	step("l2", MembershipEvent{Type: Leave, NodeID: "x"}, false, "")

	if diff := cmp.Diff([]string{"j4", "j3"}, m.Incarnations()); diff != "" {
		t.Fatalf("incarnations mismatch (-want +got):\n%s", diff)
	}
	if got := m.Incarnation("a"); got != "j4" {
		t.Fatalf("Incarnation(a) = %q", got)
	}
	if got := m.Leader(); got != "a" {
		t.Fatalf("Leader() = %q", got)
	}
}
