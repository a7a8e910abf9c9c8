package value

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestOfCanonicalizesObjects(t *testing.T) {
	a, err := Parse([]byte(`{ "b": 1, "a": [true, null, "x"] }`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b := MustOf(map[string]any{"a": []any{true, nil, "x"}, "b": 1})
	if !a.Equal(b) {
		t.Fatalf("expected equal values, got %s vs %s", a, b)
	}
	if a.String() != `{"a":[true,null,"x"],"b":1}` {
		t.Fatalf("unexpected canonical form %s", a)
	}
	if a.Kind() != KindObject {
		t.Fatalf("expected object kind, got %v", a.Kind())
	}
}

func TestNullIsAbsent(t *testing.T) {
	var zero Value
	if !zero.IsNull() || !zero.Equal(Null) {
		t.Fatalf("zero value should be null")
	}
	v, err := Of(nil)
	if err != nil || !v.IsNull() {
		t.Fatalf("Of(nil) = %v, %v", v, err)
	}
	p, err := Parse([]byte("null"))
	if err != nil || !p.Equal(Null) {
		t.Fatalf("Parse(null) = %v, %v", p, err)
	}
	if MustOf("null").IsNull() {
		t.Fatalf("the string \"null\" is not the null value")
	}
}

func TestDecodeDoesNotAlias(t *testing.T) {
	src := map[string]any{"n": []any{"a"}}
	v := MustOf(src)
	src["n"] = []any{"mutated"}

	var out map[string][]string
	if err := v.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["n"][0] != "a" {
		t.Fatalf("stored value aliased caller map: %v", out)
	}
	out["n"][0] = "changed"
	var again map[string][]string
	_ = v.Decode(&again)
	if again["n"][0] != "a" {
		t.Fatalf("stored value aliased decoded map: %v", again)
	}
}

func TestNumbersKeepLiteral(t *testing.T) {
	if MustOf(json.RawMessage("1")).Equal(MustOf(json.RawMessage("1.0"))) {
		t.Fatalf("integer and decimal literals should differ")
	}
	big := MustOf(json.RawMessage("12345678901234567890"))
	if big.String() != "12345678901234567890" {
		t.Fatalf("lost precision: %s", big)
	}
}

func TestGetAndSetPaths(t *testing.T) {
	v := MustOf(map[string]any{"user": map[string]any{"name": "ada", "tags": []string{"x", "y"}}})
	if got := v.Get("user.name"); !got.Equal(MustOf("ada")) {
		t.Fatalf("Get(user.name) = %s", got)
	}
	if got := v.Get("user.tags.1"); !got.Equal(MustOf("y")) {
		t.Fatalf("Get(user.tags.1) = %s", got)
	}
	if !v.Get("user.missing").IsNull() {
		t.Fatalf("missing path should be null")
	}

	nv, err := v.Set("user.name", "grace")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !nv.Get("user.name").Equal(MustOf("grace")) {
		t.Fatalf("set did not apply: %s", nv)
	}
	if !v.Get("user.name").Equal(MustOf("ada")) {
		t.Fatalf("set mutated the receiver: %s", v)
	}

	fresh, err := Null.Set("a.b", 2)
	if err != nil {
		t.Fatalf("set on null: %v", err)
	}
	if fresh.String() != `{"a":{"b":2}}` {
		t.Fatalf("unexpected %s", fresh)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "{", `{"a":1} {"b":2}`} {
		if _, err := Parse([]byte(in)); !errors.Is(err, ErrInvalidJSON) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalidJSON", in, err)
		}
	}
}

func TestJSONRoundTripInsideStructs(t *testing.T) {
	type wrapper struct {
		V Value `json:"v"`
		W Value `json:"w"`
	}
	in := wrapper{V: MustOf([]int{1, 2})}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"v":[1,2],"w":null}` {
		t.Fatalf("unexpected encoding %s", b)
	}
	var out wrapper
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.V.Equal(in.V) || !out.W.IsNull() {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
