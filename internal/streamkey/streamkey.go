// Package streamkey models the identifying key of a stream. It is adapted
// from the acexy proxy's AceID helper (lib/acexy/aceid.go), which
// distinguished a playback "id" from an "infohash" for a single stream
// backend. The control plane tracks a wider key space (content id,
// infohash, url, magnet) across many engines, so the type grows a
// KeyType enum instead of two hardcoded fields, but keeps the teacher's
// shape of "exactly one of several identifying forms, never both, never
// neither".
package streamkey

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// KeyType enumerates how a stream's Key should be interpreted.
type KeyType string

const (
	KeyTypeContentID KeyType = "content_id"
	KeyTypeInfohash  KeyType = "infohash"
	KeyTypeURL       KeyType = "url"
	KeyTypeMagnet    KeyType = "magnet"
)

func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeContentID, KeyTypeInfohash, KeyTypeURL, KeyTypeMagnet:
		return true
	default:
		return false
	}
}

// Key is a validated (key_type, key) pair identifying the stream's
// content, independent of which engine or session is serving it.
type Key struct {
	Type  KeyType
	Value string
}

// New validates and constructs a Key.
func New(keyType KeyType, value string) (Key, error) {
	if value == "" {
		return Key{}, errors.New("streamkey: key value must not be empty")
	}
	if !keyType.Valid() {
		return Key{}, fmt.Errorf("streamkey: unknown key_type %q", keyType)
	}
	return Key{Type: keyType, Value: value}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.Value)
}

// StreamID derives the canonical stream identifier used as the primary key
// in the stream store: the labeled "stream_id" when present, otherwise
// "key|playback_session_id" per the data model. A missing
// playback_session_id gets a fresh uuid instead of an empty segment, so
// two session-less starts for the same key never collide.
func StreamID(labels map[string]string, key Key, playbackSessionID string) string {
	if id, ok := labels["stream_id"]; ok && id != "" {
		return id
	}
	if playbackSessionID == "" {
		playbackSessionID = uuid.NewString()
	}
	return fmt.Sprintf("%s|%s", key.Value, playbackSessionID)
}
