package streamkey

import "testing"

func TestNewRejectsEmptyValue(t *testing.T) {
	if _, err := New(KeyTypeContentID, ""); err == nil {
		t.Error("expected error for empty key value")
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(KeyType("bogus"), "v"); err == nil {
		t.Error("expected error for unknown key_type")
	}
}

func TestKeyString(t *testing.T) {
	k, err := New(KeyTypeInfohash, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if got := k.String(); got != "infohash:abc123" {
		t.Errorf("String() = %q, want infohash:abc123", got)
	}
}

func TestStreamIDHonorsLabel(t *testing.T) {
	k, _ := New(KeyTypeContentID, "abc")
	id := StreamID(map[string]string{"stream_id": "custom-id"}, k, "sess1")
	if id != "custom-id" {
		t.Errorf("StreamID = %q, want custom-id", id)
	}
}

func TestStreamIDDerivesFromKeyAndSession(t *testing.T) {
	k, _ := New(KeyTypeContentID, "abc")
	id := StreamID(nil, k, "sess1")
	want := "abc|sess1"
	if id != want {
		t.Errorf("StreamID = %q, want %q", id, want)
	}
}

func TestStreamIDFallsBackToUUIDWithoutSession(t *testing.T) {
	k, _ := New(KeyTypeContentID, "abc")
	id := StreamID(nil, k, "")
	if len(id) <= len("abc|") || id[:len("abc|")] != "abc|" {
		t.Errorf("StreamID = %q, want abc|<uuid>", id)
	}
}
