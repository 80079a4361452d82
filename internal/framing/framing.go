// Package framing implements the length-prefixed packet transport used
// by the IPC surface (spec §4.2): an 8-byte payload length, an 8-byte
// fd count, payload bytes, then out-of-band file descriptors.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MaxFds is the per-message file-descriptor cap.
const MaxFds = 64

const headerLen = 16

var (
	ErrExceededFdLimit   = errors.New("framing: exceeded per-message fd limit")
	ErrTruncated         = errors.New("framing: control message truncated")
	ErrDataLengthMismatch = errors.New("framing: payload length mismatch")
)

// Frame is one packet: a JSON (or other) payload plus fds whose
// ownership transfers to the receiver on success.
type Frame struct {
	Payload []byte
	Fds     []int
}

// WriteFrame sends the 16-byte header in one write, then the payload
// with all fds carried in the control message of that second write.
func WriteFrame(conn *net.UnixConn, f Frame) error {
	if len(f.Fds) > MaxFds {
		return ErrExceededFdLimit
	}

	header := make([]byte, headerLen)
	binary.BigEndian.PutUint64(header[0:8], uint64(len(f.Payload)))
	binary.BigEndian.PutUint64(header[8:16], uint64(len(f.Fds)))

	if _, _, err := conn.WriteMsgUnix(header, nil, nil); err != nil {
		return fmt.Errorf("framing: write header: %w", err)
	}

	var oob []byte
	if len(f.Fds) > 0 {
		oob = unix.UnixRights(f.Fds...)
	}
	if _, _, err := conn.WriteMsgUnix(f.Payload, oob, nil); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads the 16-byte header, then the payload and any fds in
// a single recvmsg, followed by any remaining payload bytes.
func ReadFrame(conn *net.UnixConn) (Frame, error) {
	header := make([]byte, headerLen)
	if _, err := readFull(conn, header); err != nil {
		return Frame{}, fmt.Errorf("framing: read header: %w", err)
	}
	payloadLen := binary.BigEndian.Uint64(header[0:8])
	fdCount := binary.BigEndian.Uint64(header[8:16])

	payload := make([]byte, payloadLen)
	oob := make([]byte, unix.CmsgSpace(int(fdCount)*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return Frame{}, fmt.Errorf("framing: recvmsg: %w", err)
	}

	var fds []int
	if fdCount > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return Frame{}, fmt.Errorf("framing: parse control message: %w", err)
		}
		if len(cmsgs) == 0 {
			return Frame{}, ErrTruncated
		}
		fds, err = unix.ParseUnixRights(&cmsgs[0])
		if err != nil {
			return Frame{}, fmt.Errorf("framing: parse unix rights: %w", err)
		}
		if len(fds) != int(fdCount) {
			return Frame{}, ErrTruncated
		}
	}

	got := n
	if uint64(got) < payloadLen {
		rest := payload[got:]
		if _, err := readFull(conn, rest); err != nil {
			return Frame{}, fmt.Errorf("framing: read remaining payload: %w", err)
		}
	} else if uint64(got) > payloadLen {
		return Frame{}, ErrDataLengthMismatch
	}

	return Frame{Payload: payload, Fds: fds}, nil
}

func readFull(conn *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
