package chain

import (
	"errors"
	"testing"

	pilot "github.com/routepilot/routepilot/internal"
)

func TestLastJSONObjectPlain(t *testing.T) {
	t.Parallel()

	got, err := lastJSONObject(`{"a":1}`)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
}

func TestLastJSONObjectTakesLast(t *testing.T) {
	t.Parallel()

	got, err := lastJSONObject(`first {"a":1} then {"b":2}`)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != `{"b":2}` {
		t.Errorf("got %q, want the last object", got)
	}
}

func TestLastJSONObjectInsideCodeFence(t *testing.T) {
	t.Parallel()

	text := "Here you go:\n```json\n{\"records\":[{\"id\":\"1\"}]}\n```\nDone."
	got, err := lastJSONObject(text)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != `{"records":[{"id":"1"}]}` {
		t.Errorf("got %q", got)
	}
}

func TestLastJSONObjectNestedBraces(t *testing.T) {
	t.Parallel()

	got, err := lastJSONObject(`{"outer":{"inner":"{literal} in string"}}`)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != `{"outer":{"inner":"{literal} in string"}}` {
		t.Errorf("got %q", got)
	}
}

func TestLastJSONObjectSkipsInvalidTail(t *testing.T) {
	t.Parallel()

	got, err := lastJSONObject(`{"ok":true} {"broken": }`)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != `{"ok":true}` {
		t.Errorf("got %q, want the last valid object", got)
	}
}

func TestLastJSONObjectNone(t *testing.T) {
	t.Parallel()

	_, err := lastJSONObject("no json here, sorry")
	if !errors.Is(err, pilot.ErrNoOutput) {
		t.Errorf("err = %v, want ErrNoOutput", err)
	}
}
