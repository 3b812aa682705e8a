// Package proc is the shared process-launch primitive. It starts an external
// command and hands back a Handle exposing stdin writes, an output chunk
// stream, and an exit notification. Both the agent session manager and the
// run-config supervisor are built on it.
package proc

import (
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"agentdeck/internal/fault"
)

const (
	defaultReadBufSize  = 32 * 1024
	defaultOutputBufCap = 256
)

// Spec describes a process to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// UsePTY runs the process under a pseudo-terminal so stdout and stderr
	// arrive as one interleaved stream. Without it the two pipes are merged
	// into the output channel with best-effort cross-stream ordering.
	UsePTY bool
}

// ExitStatus is delivered exactly once when the process terminates.
type ExitStatus struct {
	Code int
	Err  error
}

// Handle is the caller's grip on a running process. It is owned by exactly
// one session or instance record and released exactly once.
type Handle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	stdin  *stdinWriter
	output chan []byte
	exit   chan ExitStatus
	done   chan struct{}

	readers  sync.WaitGroup
	stopOnce sync.Once
}

// stdinWriter guards the input pipe against writes after close.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fault.New(fault.Validation, "input pipe closed")
	}
	_, err := sw.w.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.w.Close()
		sw.closed = true
	}
}

// Launch starts the process described by spec. The returned Handle's output
// channel is closed once all readers drain; the exit channel delivers exactly
// one status and is then closed.
func Launch(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(spec.Env)...)
	}

	h := &Handle{
		cmd:    cmd,
		output: make(chan []byte, defaultOutputBufCap),
		exit:   make(chan ExitStatus, 1),
		done:   make(chan struct{}),
	}

	if spec.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fault.Wrap(fault.ProcessLaunch, err, "start %s under pty", spec.Command)
		}
		h.ptmx = ptmx
		h.stdin = &stdinWriter{w: ptmx}
		h.readers.Add(1)
		go h.readInto(ptmx)
	} else {
		stdinPipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, fault.Wrap(fault.ProcessLaunch, err, "create stdin pipe")
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			stdinPipe.Close()
			return nil, fault.Wrap(fault.ProcessLaunch, err, "create stdout pipe")
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			stdinPipe.Close()
			return nil, fault.Wrap(fault.ProcessLaunch, err, "create stderr pipe")
		}
		if err := cmd.Start(); err != nil {
			stdinPipe.Close()
			return nil, fault.Wrap(fault.ProcessLaunch, err, "start %s", spec.Command)
		}
		h.stdin = &stdinWriter{w: stdinPipe}
		h.readers.Add(2)
		go h.readInto(stdoutPipe)
		go h.readInto(stderrPipe)
	}

	go h.waitForExit()
	return h, nil
}

// readInto copies raw chunks from one pipe into the shared output channel.
func (h *Handle) readInto(r io.Reader) {
	defer h.readers.Done()
	buf := make([]byte, defaultReadBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

// waitForExit reaps the process and delivers the exit status after the
// output channel drains, so consumers always see all output before the exit.
func (h *Handle) waitForExit() {
	err := h.cmd.Wait()
	h.stdin.Close()
	if h.ptmx != nil {
		h.ptmx.Close()
	}
	h.readers.Wait()
	close(h.output)

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	h.exit <- ExitStatus{Code: code, Err: err}
	close(h.exit)
	close(h.done)
}

// Write sends data to the process input.
func (h *Handle) Write(data []byte) error { return h.stdin.Write(data) }

// Output returns the channel of raw output chunks. Closed on process exit.
func (h *Handle) Output() <-chan []byte { return h.output }

// Exit returns the channel that delivers the exit status exactly once.
func (h *Handle) Exit() <-chan ExitStatus { return h.exit }

// PID returns the OS process id, or 0 before start / after failure.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Signal sends a signal to the process.
func (h *Handle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return fault.New(fault.Validation, "process not started")
	}
	return h.cmd.Process.Signal(sig)
}

// Stop requests graceful termination (SIGTERM), then force-kills after the
// grace period if the process is still alive. Idempotent; the exit channel
// still delivers exactly once.
func (h *Handle) Stop(grace time.Duration) {
	h.stopOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		h.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-h.done:
				// Exited within the grace period.
			case <-timer.C:
				h.cmd.Process.Kill()
			}
		}()
	})
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
