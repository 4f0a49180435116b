package queue

import "testing"

func TestJobRefRoundTrip(t *testing.T) {
	ref := NewJobRef("job-1", JobTypeQuickCreate, "high")
	s, err := ref.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalJobRef(s)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != ref.ID || got.Type != ref.Type || got.Priority != ref.Priority {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, ref)
	}
}

func TestUnmarshalJobRefInvalidPayload(t *testing.T) {
	if _, err := UnmarshalJobRef("not json"); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}
