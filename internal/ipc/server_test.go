package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/banksean/xc/internal/framing"
)

func TestServeRoundTripsRequestAndResponse(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "xc.sock")

	reg := NewRegistry()
	reg.Register("info", func(ctx context.Context, peer *PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
		return map[string]string{"status": "ok"}, nil, nil
	})

	srv := &Server{SocketPath: sockPath, Registry: reg}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	uconn := conn.(*net.UnixConn)

	reqPayload, err := json.Marshal(Request{Method: "info"})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := framing.WriteFrame(uconn, framing.Frame{Payload: reqPayload}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	frame, err := framing.ReadFrame(uconn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Errno != 0 {
		t.Fatalf("errno = %v, want 0: %s", resp.Errno, resp.Message)
	}
	var out map[string]string
	if err := json.Unmarshal(resp.Value, &out); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("value = %v, want status=ok", out)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}

func TestServeTerminatesLinkedContainerOnDisconnect(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "xc.sock")

	reg := NewRegistry()
	reg.Register("link", func(ctx context.Context, peer *PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
		peer.Link("c1")
		return nil, nil, nil
	})

	terminated := make(chan string, 1)
	srv := &Server{
		SocketPath: sockPath,
		Registry:   reg,
		Terminate: func(ctx context.Context, containerID string) error {
			terminated <- containerID
			return nil
		},
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	uconn := conn.(*net.UnixConn)

	reqPayload, _ := json.Marshal(Request{Method: "link"})
	if err := framing.WriteFrame(uconn, framing.Frame{Payload: reqPayload}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := framing.ReadFrame(uconn); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	conn.Close()

	select {
	case containerID := <-terminated:
		if containerID != "c1" {
			t.Fatalf("terminated container = %q, want c1", containerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected linked container to be terminated after disconnect")
	}
}
