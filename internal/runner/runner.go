// Package runner implements the per-container process supervisor of
// spec §4.10: a single-threaded, cooperative event loop driving two
// FIFO phase queues (inits, deinits) and ad-hoc execs, observing
// process lifecycle via FreeBSD kqueue. Grounded on
// original_source/xc/src/container/runner.rs, translated from its
// tokio/kevent_ts loop into a goroutine pumping golang.org/x/sys/unix
// Kevent calls, and its SyncProcesses phase queue into Go's phaseQueue.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/banksean/xc/internal/watch"
)

// StdioMode selects how a spawned process's stdio is wired, per §4.10.
type StdioMode int

const (
	StdioTerminal StdioMode = iota
	StdioFiles
	StdioInherit
	StdioForward
)

// ExecSpec names one process to launch within a phase or ad-hoc exec.
type ExecSpec struct {
	Name    string
	Arg0    string
	Args    []string
	Env     []string
	Stdio   StdioMode
	Files   [2]string // stdout, stderr paths, for StdioFiles
	Forward [3]*os.File
}

// NamedStat tracks the lifecycle of one named process.
type NamedStat struct {
	Name      string
	PID       int
	Exited    bool
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
	TreeDone  bool // descendant set empty
}

// Phase is one FIFO queue of exec specs — inits or deinits.
type phaseQueue struct {
	name      string
	pending   []ExecSpec
	lastSpawn string
	activated bool
}

func newPhaseQueue(name string, specs []ExecSpec, activated bool) *phaseQueue {
	return &phaseQueue{name: name, pending: append([]ExecSpec{}, specs...), activated: activated}
}

func (q *phaseQueue) isEmpty() bool { return len(q.pending) == 0 }

func (q *phaseQueue) popFront() (ExecSpec, bool) {
	if len(q.pending) == 0 {
		return ExecSpec{}, false
	}
	spec := q.pending[0]
	q.pending = q.pending[1:]
	q.lastSpawn = spec.Name
	return spec, true
}

// activate arms the queue so tryDrain starts acting on its exits.
// deinits stay inactive until main's descendant tree is empty, so a
// stray exit before then can't be mistaken for a deinit step.
func (q *phaseQueue) activate() { q.activated = true }

// tryDrain reports what to do about exitedID, the name of a process
// that just exited, mirroring the original's try_drain_proc_queue: if
// the queue isn't activated, or exitedID isn't the step this queue
// last spawned, the exit isn't this queue's concern (drained=false,
// spawn=false). If it is the last spawned step and more steps remain,
// the next one is popped and returned for the caller to spawn
// (spawn=true); the phase is drained only once its last step exits
// with nothing left pending.
func (q *phaseQueue) tryDrain(exitedID string) (next ExecSpec, spawn, drained bool) {
	if !q.activated || q.lastSpawn != exitedID {
		return ExecSpec{}, false, false
	}
	if q.isEmpty() {
		return ExecSpec{}, false, true
	}
	spec, _ := q.popFront()
	return spec, true, false
}

// State is the runner's externally observable snapshot, published via
// internal/watch so callers never lock the runner's internal tables.
type State struct {
	Phase     string // "init", "main", "deinit", "destroyed"
	Named     map[string]NamedStat
	StartedAt time.Time
	EndedAt   time.Time
	Destroyed bool
}

// Spawner performs the actual OS-level process launch; production
// code wires a concrete implementation that resolves arg0 against the
// image's PATH/root per §4.10, brands Linux ELF binaries, and
// allocates a PTY for Terminal mode via github.com/creack/pty.
type Spawner interface {
	Spawn(ctx context.Context, spec ExecSpec) (pid int, err error)
	Kill(pid int, sig unix.Signal) error
	Wait(pid int) (exitCode int, err error)
}

// Runner is one container's process supervisor.
type Runner struct {
	containerID string
	spawner     Spawner
	main        *ExecSpec
	mainNoRun   bool
	deinitNoRun bool
	persist     bool

	kq int

	inits   *phaseQueue
	deinits *phaseQueue

	mu          sync.Mutex
	ancestor    map[int]int // pid -> ancestor pid
	descendants map[int]map[int]bool
	named       map[string]*NamedStat
	pidToName   map[int]string

	state *watch.Value[State]

	controlCh chan controlRequest
	killCh    chan struct{}
}

type controlRequest struct {
	kind    string // "exec", "start", "run_main", "write_hosts"
	spec    ExecSpec
	hosts   string
	replyCh chan error
}

// New constructs a Runner for one container; inits/deinits are the
// ordered phase command lists from the container's blueprint.
func New(containerID string, spawner Spawner, inits, deinits []ExecSpec, main *ExecSpec, mainNoRun, deinitNoRun, persist bool) (*Runner, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("runner: kqueue: %w", err)
	}
	r := &Runner{
		containerID: containerID,
		spawner:     spawner,
		main:        main,
		mainNoRun:   mainNoRun,
		deinitNoRun: deinitNoRun,
		persist:     persist,
		kq:          kq,
		ancestor:    make(map[int]int),
		descendants: make(map[int]map[int]bool),
		named:       make(map[string]*NamedStat),
		pidToName:   make(map[int]string),
		state:       watch.New(State{Phase: "init", Named: map[string]NamedStat{}}),
		controlCh:   make(chan controlRequest, 16),
		killCh:      make(chan struct{}, 1),
	}
	// inits is armed from construction (there is no init-skip flag to
	// gate it on, unlike deinits below); deinits only arms once main's
	// descendant tree is empty.
	r.inits = newPhaseQueue("init", inits, true)
	r.deinits = newPhaseQueue("deinit", deinits, false)
	return r, nil
}

// State returns the current externally observable runner state.
func (r *Runner) State() (State, uint64) {
	return r.state.Get()
}

// registerPID tracks pid as a new ancestor-rooted process, per §4.10
// "Register the new pid with the kqueue for NOTE_EXIT|NOTE_FORK|NOTE_TRACK".
func (r *Runner) registerPID(pid, ancestorPID int, name string) error {
	r.mu.Lock()
	r.ancestor[pid] = ancestorPID
	if r.descendants[ancestorPID] == nil {
		r.descendants[ancestorPID] = make(map[int]bool)
	}
	r.descendants[ancestorPID][pid] = true
	if name != "" {
		r.pidToName[pid] = name
		r.named[name] = &NamedStat{Name: name, PID: pid, StartedAt: time.Now()}
	}
	r.mu.Unlock()

	kev := unix.Kevent_t{
		Ident:  uint64(pid),
		Filter: unix.EVFILT_PROC,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
		Fflags: unix.NOTE_EXIT | unix.NOTE_FORK | unix.NOTE_TRACK,
	}
	_, err := unix.Kevent(r.kq, []unix.Kevent_t{kev}, nil, nil)
	if err != nil {
		return fmt.Errorf("runner: register pid %d with kqueue: %w", pid, err)
	}
	return nil
}

func (r *Runner) armTimer(seconds int) error {
	kev := unix.Kevent_t{
		Ident:  1,
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		Data:   int64(seconds * 1000), // NOTE_SECONDS not universally available; default unit is ms
	}
	_, err := unix.Kevent(r.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

func (r *Runner) publishNamed() {
	r.mu.Lock()
	snapshot := make(map[string]NamedStat, len(r.named))
	for k, v := range r.named {
		snapshot[k] = *v
	}
	r.mu.Unlock()
	r.state.Update(func(s *State) { s.Named = snapshot })
}

// Close releases the kqueue descriptor.
func (r *Runner) Close() error {
	return unix.Close(r.kq)
}

// Kill requests external termination (§4.10's EVFILT_USER signal).
func (r *Runner) Kill() {
	select {
	case r.killCh <- struct{}{}:
	default:
	}
	kev := unix.Kevent_t{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
		Fflags: unix.NOTE_TRIGGER,
	}
	unix.Kevent(r.kq, []unix.Kevent_t{kev}, nil, nil)
}

// Dispatch submits a control-socket request per §4.10 ("exec", "start",
// "run_main", "write_hosts") and blocks for the loop's reply.
func (r *Runner) Dispatch(kind string, spec ExecSpec, hosts string) error {
	reply := make(chan error, 1)
	r.controlCh <- controlRequest{kind: kind, spec: spec, hosts: hosts, replyCh: reply}
	return <-reply
}

// logf mirrors the teacher's slog.InfoContext call-site style.
func (r *Runner) logf(ctx context.Context, msg string, args ...any) {
	slog.InfoContext(ctx, msg, append([]any{"container_id", r.containerID}, args...)...)
}
