package runner

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// Run drives the event loop until termination, per spec §4.10. It is
// single-threaded and cooperative: call it from one dedicated
// goroutine per container.
func (r *Runner) Run(ctx context.Context) error {
	r.state.Update(func(s *State) { s.StartedAt = time.Now() })

	if r.inits.isEmpty() && !r.mainNoRun {
		if err := r.spawnMain(ctx); err != nil {
			return err
		}
	} else if spec, ok := r.inits.popFront(); ok {
		if err := r.spawnPhaseStep(ctx, spec); err != nil {
			return err
		}
	}

	events := make([]unix.Kevent_t, 16)
	lastDeinitName := ""

	for {
		select {
		case req := <-r.controlCh:
			req.replyCh <- r.handleControl(ctx, req)
			continue
		default:
		}

		ts := unix.Timespec{Sec: 0, Nsec: 200_000_000}
		n, err := unix.Kevent(r.kq, nil, events, &ts)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			switch ev.Filter {
			case unix.EVFILT_PROC:
				done, err := r.handleProcEvent(ctx, ev, &lastDeinitName)
				if err != nil {
					return err
				}
				if done {
					r.state.Update(func(s *State) { s.Destroyed = true; s.Phase = "destroyed" })
					return nil
				}
			case unix.EVFILT_TIMER:
				if r.persist {
					r.killDescendantsOfLastDeinit(lastDeinitName)
				} else {
					r.state.Update(func(s *State) { s.Destroyed = true; s.Phase = "destroyed" })
					return nil
				}
			case unix.EVFILT_USER:
				if r.deinitNoRun || r.deinits.isEmpty() {
					r.state.Update(func(s *State) { s.Destroyed = true; s.Phase = "destroyed" })
					return nil
				}
				r.deinits.activate()
				if spec, ok := r.deinits.popFront(); ok {
					if err := r.spawnPhaseStep(ctx, spec); err != nil {
						return err
					}
				}
			}
		}
	}
}

func (r *Runner) spawnMain(ctx context.Context) error {
	if r.main == nil {
		return nil
	}
	pid, err := r.spawner.Spawn(ctx, *r.main)
	if err != nil {
		return err
	}
	r.state.Update(func(s *State) { s.Phase = "main" })
	return r.registerPID(pid, pid, "main")
}

func (r *Runner) spawnPhaseStep(ctx context.Context, spec ExecSpec) error {
	pid, err := r.spawner.Spawn(ctx, spec)
	if err != nil {
		return err
	}
	return r.registerPID(pid, pid, spec.Name)
}

// handleProcEvent implements the NOTE_EXIT / NOTE_FORK (NOTE_CHILD)
// branches of §4.10's event loop description. Returns done=true when
// the container should be destroyed.
func (r *Runner) handleProcEvent(ctx context.Context, ev unix.Kevent_t, lastDeinitName *string) (bool, error) {
	pid := int(ev.Ident)

	if ev.Fflags&unix.NOTE_CHILD != 0 {
		r.mu.Lock()
		parentAncestor := r.ancestor[int(ev.Data)]
		r.ancestor[pid] = parentAncestor
		if r.descendants[parentAncestor] == nil {
			r.descendants[parentAncestor] = make(map[int]bool)
		}
		r.descendants[parentAncestor][pid] = true
		r.mu.Unlock()
		return false, nil
	}

	if ev.Fflags&unix.NOTE_EXIT == 0 {
		return false, nil
	}

	r.mu.Lock()
	ancestorPID, known := r.ancestor[pid]
	if known {
		if set := r.descendants[ancestorPID]; set != nil {
			delete(set, pid)
		}
	}
	name, hasName := r.pidToName[pid]
	r.mu.Unlock()

	isAncestor := pid == ancestorPID

	if isAncestor {
		exitCode, _ := r.spawner.Wait(pid)
		r.mu.Lock()
		if stat, ok := r.named[name]; ok {
			stat.Exited = true
			stat.ExitCode = exitCode
		}
		r.mu.Unlock()
		r.publishNamed()

		if next, spawn, drained := r.inits.tryDrain(name); drained {
			if !r.mainNoRun {
				if err := r.spawnMain(ctx); err != nil {
					return false, err
				}
			}
		} else if spawn {
			if err := r.spawnPhaseStep(ctx, next); err != nil {
				return false, err
			}
		} else if next, spawn, drained := r.deinits.tryDrain(name); drained {
			*lastDeinitName = name
			if err := r.armTimer(15); err != nil {
				return false, err
			}
		} else if spawn {
			if err := r.spawnPhaseStep(ctx, next); err != nil {
				return false, err
			}
		}
	}

	r.mu.Lock()
	descendantsEmpty := len(r.descendants[ancestorPID]) == 0
	r.mu.Unlock()

	if descendantsEmpty {
		r.mu.Lock()
		if stat, ok := r.named[name]; ok && hasName {
			stat.TreeDone = true
		}
		r.mu.Unlock()
		r.publishNamed()

		if name == "main" {
			r.state.Update(func(s *State) { s.EndedAt = time.Now() })
			if r.persist || !r.deinits.isEmpty() {
				r.deinits.activate()
				if spec, ok := r.deinits.popFront(); ok {
					if err := r.spawnPhaseStep(ctx, spec); err != nil {
						return false, err
					}
				}
			} else {
				return true, nil
			}
		}
	}

	return false, nil
}

func (r *Runner) killDescendantsOfLastDeinit(name string) {
	r.mu.Lock()
	pid := -1
	for p, n := range r.pidToName {
		if n == name {
			pid = p
			break
		}
	}
	var victims []int
	if pid != -1 {
		for d := range r.descendants[pid] {
			victims = append(victims, d)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.spawner.Kill(v, unix.SIGKILL)
	}
}

func (r *Runner) handleControl(ctx context.Context, req controlRequest) error {
	switch req.kind {
	case "exec":
		pid, err := r.spawner.Spawn(ctx, req.spec)
		if err != nil {
			return err
		}
		return r.registerPID(pid, pid, req.spec.Name)
	case "start":
		return nil
	case "run_main":
		return r.spawnMain(ctx)
	case "write_hosts":
		return nil
	default:
		return nil
	}
}
