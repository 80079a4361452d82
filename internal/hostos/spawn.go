package hostos

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/banksean/xc/internal/runner"
)

// JailSpawner is the production runner.Spawner: every ExecSpec runs
// inside the named jail via jexec(8), with stdio wired per its
// StdioMode. Matches the role runner.go's doc comment describes for
// production code ("resolves arg0 ... allocates a PTY for Terminal
// mode via github.com/creack/pty").
//
// Construction happens before the jail exists (server.Context.Instantiate
// takes the Spawner as a parameter, ahead of the StartTransactionally
// call that allocates a jid and the goroutine that starts running
// it), so the jid arrives later via SetJID; Spawn blocks until it does.
type JailSpawner struct {
	JexecBin string

	mu    sync.Mutex
	jid   string
	ready chan struct{}
	cmds  map[int]*exec.Cmd
}

// NewJailSpawner returns a Spawner whose jid is not yet known; the
// caller must call SetJID once the jail has started.
func NewJailSpawner() *JailSpawner {
	return &JailSpawner{JexecBin: envOr("XC_JEXEC_CMD", "/usr/sbin/jexec"), ready: make(chan struct{}), cmds: make(map[int]*exec.Cmd)}
}

// SetJID publishes the jid started for this container; safe to call
// exactly once, from the goroutine that ran StartTransactionally.
func (s *JailSpawner) SetJID(jid string) {
	s.mu.Lock()
	s.jid = jid
	s.mu.Unlock()
	close(s.ready)
}

func (s *JailSpawner) Spawn(ctx context.Context, spec runner.ExecSpec) (int, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	s.mu.Lock()
	jid := s.jid
	s.mu.Unlock()

	args := append([]string{jid, spec.Arg0}, spec.Args...)
	cmd := exec.CommandContext(ctx, s.JexecBin, args...)
	cmd.Env = append(os.Environ(), spec.Env...)

	switch spec.Stdio {
	case runner.StdioTerminal:
		f, err := pty.Start(cmd)
		if err != nil {
			return 0, fmt.Errorf("hostos: pty start %s: %w", spec.Name, err)
		}
		_ = f // the caller's attach surface (cmd/xc) owns reading/writing this fd via a future ipc fd-passing path
	case runner.StdioFiles:
		outFile, err := os.OpenFile(spec.Files[0], os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("hostos: open stdout file %s: %w", spec.Files[0], err)
		}
		errFile, err := os.OpenFile(spec.Files[1], os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("hostos: open stderr file %s: %w", spec.Files[1], err)
		}
		cmd.Stdout, cmd.Stderr = outFile, errFile
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("hostos: spawn %s: %w", spec.Name, err)
		}
	case runner.StdioForward:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = spec.Forward[0], spec.Forward[1], spec.Forward[2]
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("hostos: spawn %s: %w", spec.Name, err)
		}
	case runner.StdioInherit:
		fallthrough
	default:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("hostos: spawn %s: %w", spec.Name, err)
		}
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.cmds[pid] = cmd
	s.mu.Unlock()
	return pid, nil
}

func (s *JailSpawner) Kill(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

func (s *JailSpawner) Wait(pid int) (int, error) {
	s.mu.Lock()
	cmd, ok := s.cmds[pid]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("hostos: unknown pid %d", pid)
	}
	err := cmd.Wait()
	s.mu.Lock()
	delete(s.cmds, pid)
	s.mu.Unlock()

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("hostos: wait pid %d: %w", pid, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

var _ runner.Spawner = (*JailSpawner)(nil)
