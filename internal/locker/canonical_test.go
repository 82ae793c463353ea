package locker

import (
	"bytes"
	"testing"
)

func TestCanonicalMarshalSortsKeys(t *testing.T) {
	got, err := CanonicalMarshal(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"mid":   map[string]interface{}{"b": true, "a": false},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"alpha":2,"mid":{"a":false,"b":true},"zeta":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalMarshalDeterministic(t *testing.T) {
	value := map[string]interface{}{
		"name":    "demo-lib",
		"hashes":  []string{"sha256:aa", "sha256:bb"},
		"version": "1.2.3",
		"count":   7,
	}
	first, err := CanonicalMarshal(value)
	if err != nil {
		t.Fatalf("first marshal failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		next, err := CanonicalMarshal(value)
		if err != nil {
			t.Fatalf("marshal %d failed: %v", i, err)
		}
		if !bytes.Equal(first, next) {
			t.Fatalf("marshal %d differs: %s vs %s", i, first, next)
		}
	}
}

func TestCanonicalMarshalStructs(t *testing.T) {
	type inner struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	got, err := CanonicalMarshal(inner{B: "two", A: "one"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	// field order in the struct must not leak into the serialization
	want := `{"a":"one","b":"two"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalMarshalNumbers(t *testing.T) {
	got, err := CanonicalMarshal(map[string]interface{}{"n": 10, "f": 1.5})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"f":1.5,"n":10}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalMarshalEscapes(t *testing.T) {
	got, err := CanonicalMarshal(map[string]interface{}{"s": "line\nbreak\ttab"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"s":"line\nbreak\ttab"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
