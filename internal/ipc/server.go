package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/banksean/xc/internal/framing"
)

// Ucred is the peer credential captured via LOCAL_PEERCRED at accept
// time, used by handlers to authorize privileged operations (volume
// mounts, etc.) per spec §4.13. FreeBSD's xucred carries no pid, only
// uid/gid.
type Ucred struct {
	UID uint32
	GID uint32
}

// Terminator tears down a linked container when its owning connection
// closes. It is injected rather than imported directly so this
// package never depends on internal/server, mirroring how
// internal/server itself takes ensureRootfs/LayerExtractor as
// closures instead of importing their implementations.
type Terminator func(ctx context.Context, containerID string) error

// Server accepts connections on a single listening unix socket and
// dispatches framed requests through a Registry.
type Server struct {
	SocketPath string
	Registry   *Registry
	Terminate  Terminator

	listener *net.UnixListener
}

// Listen removes any stale socket file and binds the listener,
// following the teacher's socket-lifecycle idiom (remove-then-listen)
// from its unix-domain-socket mux server.
func (s *Server) Listen() error {
	_ = os.Remove(s.SocketPath)
	addr, err := net.ResolveUnixAddr("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: resolve socket addr: %w", err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.SocketPath, err)
	}
	s.listener = l
	return nil
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.SocketPath)
	return err
}

// Serve accepts connections until ctx is done or the listener closes,
// handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	cred, err := peerCredential(conn)
	if err != nil {
		slog.ErrorContext(ctx, "ipc: peer credential", "error", err)
		return
	}
	peer := &PeerContext{Credential: cred}

	for {
		frame, err := framing.ReadFrame(conn)
		if err != nil {
			break
		}

		var req Request
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			resp, _ := toResponse(nil, nil, NewError(EINVAL, "ipc: decode request envelope: %v", err))
			_ = writeResponse(conn, resp, nil)
			continue
		}

		resp, outFds := s.Registry.Dispatch(ctx, peer, req, frame.Fds)
		if err := writeResponse(conn, resp, outFds); err != nil {
			slog.ErrorContext(ctx, "ipc: write response", "method", req.Method, "error", err)
			break
		}
	}

	if linked := peer.LinkedContainer(); linked != "" && s.Terminate != nil {
		if err := s.Terminate(context.Background(), linked); err != nil {
			slog.ErrorContext(ctx, "ipc: terminate linked container on disconnect", "container", linked, "error", err)
		}
	}
}

func writeResponse(conn *net.UnixConn, resp Response, fds []int) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("ipc: marshal response: %w", err)
	}
	return framing.WriteFrame(conn, framing.Frame{Payload: payload, Fds: fds})
}

func peerCredential(conn *net.UnixConn) (Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Ucred{}, fmt.Errorf("ipc: syscall conn: %w", err)
	}
	var cred *unix.Xucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	})
	if ctrlErr != nil {
		return Ucred{}, fmt.Errorf("ipc: control: %w", ctrlErr)
	}
	if sockErr != nil {
		return Ucred{}, fmt.Errorf("ipc: getsockopt LOCAL_PEERCRED: %w", sockErr)
	}
	var gid uint32
	if cred.Ngroups > 0 {
		gid = cred.Groups[0]
	}
	return Ucred{UID: cred.Uid, GID: gid}, nil
}
