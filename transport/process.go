package transport

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SpawnSpec describes how to launch a worker.
type SpawnSpec struct {
	Path string            // Executable path or name looked up in PATH
	Args []string          // Arguments, not including the program name
	Env  map[string]string // Overrides merged over the inherited environment
	Dir  string            // Working directory; empty means the parent's
}

// Command renders the spec as a single string for logs and registry entries.
func (s SpawnSpec) Command() string {
	out := s.Path
	for _, a := range s.Args {
		out += " " + a
	}
	return out
}

func (s SpawnSpec) environ() []string {
	if len(s.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		// exec keeps the last occurrence of a duplicated key
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// Process is a running worker and the parent's ends of its three pipes.
//
// The pipes are created with os.Pipe rather than Cmd.StdoutPipe so that Cmd.Wait never
// closes a stream the transport is still reading. Closing a pipe end here also unblocks
// any goroutine stuck reading or writing it.
type Process struct {
	cmd *exec.Cmd
	log *zap.SugaredLogger

	Stdin  *os.File // parent writes requests here
	Stdout *os.File // parent reads responses here
	stderr *os.File

	exited  chan struct{}
	waitErr error

	drained   chan struct{}
	closeOnce sync.Once
}

// StartProcess launches the worker described by spec. Every stderr line is passed to sink;
// a nil sink logs the line at debug level instead.
func StartProcess(spec SpawnSpec, sink func(string), log *zap.SugaredLogger) (*Process, error) {
	if spec.Path == "" {
		return nil, errors.New("spawn: empty command path")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("spawn: stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	p := &Process{
		cmd:     cmd,
		log:     log,
		Stdin:   stdinW,
		Stdout:  stdoutR,
		stderr:  stderrR,
		exited:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	if sink == nil {
		sink = func(line string) { log.Debugw("worker stderr", "line", line) }
	}
	go p.drainStderr(sink)
	go p.wait()

	log.Debugw("worker started", "pid", cmd.Process.Pid, "command", spec.Command())
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *Process) drainStderr(sink func(string)) {
	defer close(p.drained)
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text())
	}
}

// PID returns the worker's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the worker has exited and been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr reports how the worker exited. Only valid after Exited is closed.
func (p *Process) ExitErr() error {
	return p.waitErr
}

// CloseStdin closes the parent's write end; the worker sees EOF on its stdin.
func (p *Process) CloseStdin() error {
	return p.Stdin.Close()
}

// CloseStdout closes the parent's read end, unblocking a reader stuck on it.
func (p *Process) CloseStdout() error {
	return p.Stdout.Close()
}

// Terminate waits up to grace for the worker to exit on its own, kills it otherwise,
// and reclaims the stderr drain. It is safe to call more than once.
func (p *Process) Terminate(grace time.Duration) error {
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.exited:
		case <-time.After(grace):
			p.log.Debugw("worker did not exit in time, killing", "pid", p.PID(), "grace", grace)
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = fmt.Errorf("kill worker %d: %w", p.PID(), kerr)
			}
			<-p.exited
		}

		// A grandchild may still hold the stderr pipe open.
		select {
		case <-p.drained:
		case <-time.After(100 * time.Millisecond):
		}
		p.stderr.Close()
		<-p.drained
		p.log.Debugw("worker exited", "pid", p.PID(), "err", p.waitErr)
	})
	return err
}
