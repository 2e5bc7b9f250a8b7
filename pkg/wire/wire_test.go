package wire

import (
	"encoding/json"
	"testing"
)

func TestJSONSerializerBuildsArrayOfObjects(t *testing.T) {
	s := NewJSONSerializer()
	s.AddObject("history")
	s.AddField("id", 1)
	s.AddField("value", "x")
	s.AddObject("history")
	s.AddField("id", 2)
	s.AddField("value", "y")

	data, err := s.Close("history")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	var decoded map[string][]map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	rows := decoded["history"]
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["value"] != "x" || rows[1]["value"] != "y" {
		t.Fatalf("rows = %+v, want x then y in insertion order", rows)
	}
}

func TestAddFieldWithoutObjectIsIgnored(t *testing.T) {
	s := NewJSONSerializer()
	s.AddField("dangling", "value")
	s.AddArray("history")
	data, err := s.Close("history")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	var decoded map[string][]map[string]any
	json.Unmarshal(data, &decoded)
	if len(decoded["history"]) != 0 {
		t.Fatal("AddField before any AddObject must not produce a row")
	}
}
