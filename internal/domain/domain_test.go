package domain

import (
	"encoding/json"
	"testing"
)

func TestStateNext(t *testing.T) {
	cases := []struct {
		from State
		to   State
		ok   bool
	}{
		{ToDo, WiP, true},
		{WiP, Test, true},
		{Test, Done, true},
		{Done, Done, false},
	}
	for _, tc := range cases {
		got, ok := tc.from.Next()
		if got != tc.to || ok != tc.ok {
			t.Fatalf("%s.Next() = %s,%t want %s,%t", tc.from, got, ok, tc.to, tc.ok)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range States {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Fatalf("parse %s: %v %v", s, got, err)
		}
	}
	if got, err := ParseState(" WiP "); err != nil || got != WiP {
		t.Fatalf("expected mixed case to parse, got %v %v", got, err)
	}
	for _, v := range []string{"review", "to_do", "in_progress", ""} {
		if _, err := ParseState(v); err == nil {
			t.Fatalf("expected error for %q", v)
		}
	}
}

func TestTaskStateJSON(t *testing.T) {
	b, err := json.Marshal(Task{ID: "t1", State: Test})
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out["state"] != "test" {
		t.Fatalf("expected state test, got %v", out["state"])
	}
	var back Task
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.State != Test {
		t.Fatalf("round trip state %s", back.State)
	}
}
