package canonical_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/ILLUVRSE/trustcore/internal/canonical"
)

func TestMarshal_keyOrderIndependent(t *testing.T) {
	a := map[string]any{"a": json.Number("1"), "b": json.Number("2")}
	b := map[string]any{"b": json.Number("2"), "a": json.Number("1")}

	ca, err := canonical.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonical.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("canonical bytes differ: %s vs %s", ca, cb)
	}
	if string(ca) != `{"a":1,"b":2}` {
		t.Errorf("unexpected canonical form: %s", ca)
	}
}

func TestMarshal_nestedSorting(t *testing.T) {
	v := map[string]any{
		"z": map[string]any{"y": "1", "x": "2"},
		"a": []any{"c", "b"},
	}
	got, err := canonical.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":["c","b"],"z":{"x":"2","y":"1"}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_structMatchesMap(t *testing.T) {
	type payload struct {
		Amount int    `json:"amount"`
		Actor  string `json:"actor"`
	}
	fromStruct, err := canonical.Marshal(payload{Amount: 10, Actor: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	fromMap, err := canonical.Marshal(map[string]any{
		"actor":  "ops",
		"amount": json.Number("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fromStruct, fromMap) {
		t.Errorf("struct and map encodings differ: %s vs %s", fromStruct, fromMap)
	}
}

func TestMarshal_timeNormalisedToUTC(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	ts := time.Date(2025, 3, 1, 13, 0, 0, 0, loc)

	got, err := canonical.Marshal(map[string]any{"at": ts})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"at":"2025-03-01T12:00:00Z"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_numberTextPreserved(t *testing.T) {
	got, err := canonical.Marshal(map[string]any{"n": json.Number("10.50")})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"n":10.50}` {
		t.Errorf("got %s", got)
	}
}

func TestDigest_pureFunctionOfPayloadAndPrev(t *testing.T) {
	p1 := map[string]any{"a": "1", "b": "2"}
	p2 := map[string]any{"b": "2", "a": "1"}

	d1, err := canonical.DigestHex(p1, "")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := canonical.DigestHex(p2, "")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digest depends on key order: %s vs %s", d1, d2)
	}

	d3, err := canonical.DigestHex(p1, d1)
	if err != nil {
		t.Fatal(err)
	}
	if d3 == d1 {
		t.Error("digest ignores prev hash")
	}
}

func TestDigest_rejectsBadPrevHash(t *testing.T) {
	if _, err := canonical.Digest(map[string]any{"a": "1"}, "not-hex"); err == nil {
		t.Error("expected error for non-hex prev hash")
	}
}
