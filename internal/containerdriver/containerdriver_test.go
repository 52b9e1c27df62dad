package containerdriver

import (
	"errors"
	"testing"
)

func TestProtoOfDefaultsToTCP(t *testing.T) {
	if got := protoOf("6878"); got != "tcp" {
		t.Errorf("protoOf(6878) = %q, want tcp", got)
	}
	if got := protoOf("6878/udp"); got != "udp" {
		t.Errorf("protoOf(6878/udp) = %q, want udp", got)
	}
}

func TestPortNumberOf(t *testing.T) {
	if got := portNumberOf("6878/tcp"); got != "6878" {
		t.Errorf("portNumberOf(6878/tcp) = %q, want 6878", got)
	}
	if got := portNumberOf("6878"); got != "6878" {
		t.Errorf("portNumberOf(6878) = %q, want 6878", got)
	}
}

func TestFirstNameStripsLeadingSlash(t *testing.T) {
	if got := firstName([]string{"/acestream-abc123"}); got != "acestream-abc123" {
		t.Errorf("firstName = %q, want acestream-abc123", got)
	}
	if got := firstName(nil); got != "" {
		t.Errorf("firstName(nil) = %q, want empty", got)
	}
}

func TestToPortBindings(t *testing.T) {
	portSet, portMap, err := toPortBindings(map[string]string{"6878/tcp": "40001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(portSet) != 1 || len(portMap) != 1 {
		t.Fatalf("expected exactly one bound port, got set=%d map=%d", len(portSet), len(portMap))
	}
	for p, bindings := range portMap {
		if p.Port() != "6878" || p.Proto() != "tcp" {
			t.Errorf("port = %v, want 6878/tcp", p)
		}
		if len(bindings) != 1 || bindings[0].HostPort != "40001" {
			t.Errorf("bindings = %+v, want host port 40001", bindings)
		}
	}
}

func TestClassifyNilIsNil(t *testing.T) {
	if err := classify("create", nil); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}

func TestDriverErrorUnwrap(t *testing.T) {
	inner := errors.New("container not found")
	de := &DriverError{Kind: ErrKindNotFound, Op: "inspect", Err: inner}
	if de.Unwrap() != inner {
		t.Error("Unwrap() did not return the wrapped error")
	}
}
