package proxysync

import (
	"errors"
	"testing"
)

type fakeProxy struct {
	name    string
	stopped []string
	err     error
}

func (f *fakeProxy) Name() string { return f.name }
func (f *fakeProxy) StopStreamByKey(key string) error {
	f.stopped = append(f.stopped, key)
	return f.err
}

func TestStopStreamByKeyFansOut(t *testing.T) {
	h := NewHub(nil)
	ts := &fakeProxy{name: "ts"}
	hls := &fakeProxy{name: "hls"}
	h.Register(ts)
	h.Register(hls)

	h.StopStreamByKey("abc123")

	if len(ts.stopped) != 1 || ts.stopped[0] != "abc123" {
		t.Errorf("ts proxy not notified: %+v", ts.stopped)
	}
	if len(hls.stopped) != 1 || hls.stopped[0] != "abc123" {
		t.Errorf("hls proxy not notified: %+v", hls.stopped)
	}
}

func TestStopStreamByKeySwallowsErrors(t *testing.T) {
	h := NewHub(nil)
	h.Register(&fakeProxy{name: "broken", err: errors.New("boom")})

	// Must not panic or block despite the proxy returning an error.
	h.StopStreamByKey("k")
}
