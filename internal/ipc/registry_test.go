package ipc

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDispatchUnknownMethodIsENOENT(t *testing.T) {
	r := NewRegistry()
	resp, fds := r.Dispatch(context.Background(), &PeerContext{}, Request{Method: "no_such_method"}, nil)
	if resp.Errno != ENOENT {
		t.Fatalf("errno = %v, want ENOENT", resp.Errno)
	}
	if fds != nil {
		t.Fatalf("expected no fds on error response")
	}
}

func TestDispatchSuccessRoundTripsValue(t *testing.T) {
	r := NewRegistry()
	r.Register("info", func(ctx context.Context, peer *PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
		return map[string]string{"version": "1"}, nil, nil
	})

	resp, _ := r.Dispatch(context.Background(), &PeerContext{}, Request{Method: "info"}, nil)
	if resp.Errno != 0 {
		t.Fatalf("errno = %v, want 0", resp.Errno)
	}
	var out map[string]string
	if err := json.Unmarshal(resp.Value, &out); err != nil {
		t.Fatalf("unmarshal response value: %v", err)
	}
	if out["version"] != "1" {
		t.Fatalf("value = %v, want version=1", out)
	}
}

func TestDispatchHandlerErrorPropagatesErrno(t *testing.T) {
	r := NewRegistry()
	r.Register("kill_container", func(ctx context.Context, peer *PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
		return nil, nil, NewError(EPERM, "not authorized")
	})

	resp, _ := r.Dispatch(context.Background(), &PeerContext{}, Request{Method: "kill_container"}, nil)
	if resp.Errno != EPERM {
		t.Fatalf("errno = %v, want EPERM", resp.Errno)
	}
	if resp.Message != "not authorized" {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestDispatchWrapsUntypedErrorAsEIO(t *testing.T) {
	r := NewRegistry()
	r.Register("pull_image", func(ctx context.Context, peer *PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
		return nil, nil, errOops
	})

	resp, _ := r.Dispatch(context.Background(), &PeerContext{}, Request{Method: "pull_image"}, nil)
	if resp.Errno != EIO {
		t.Fatalf("errno = %v, want EIO", resp.Errno)
	}
}

func TestDecodeValueRejectsMissingAndMalformed(t *testing.T) {
	var out struct{ Name string }
	if err := DecodeValue(nil, &out); err == nil {
		t.Fatalf("expected error on missing value")
	}
	if err := DecodeValue(json.RawMessage(`{not json`), &out); err == nil {
		t.Fatalf("expected error on malformed value")
	}
	if err := DecodeValue(json.RawMessage(`{"Name":"c1"}`), &out); err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if out.Name != "c1" {
		t.Fatalf("Name = %q, want c1", out.Name)
	}
}

func TestPeerContextLink(t *testing.T) {
	p := &PeerContext{}
	if p.LinkedContainer() != "" {
		t.Fatalf("expected no linked container initially")
	}
	p.Link("c1")
	if p.LinkedContainer() != "c1" {
		t.Fatalf("LinkedContainer = %q, want c1", p.LinkedContainer())
	}
}

var errOops = &plainError{"boom"}

type plainError struct{ msg string }

func (e *plainError) Error() string { return e.msg }
