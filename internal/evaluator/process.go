package evaluator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// maxCapturedOutput bounds how much stdout/stderr is kept per process.
const maxCapturedOutput = 64 * 1024

// Process is a running subordinate binary.
type Process interface {
	Pid() int
	// Terminate asks the process (and its group) to exit.
	Terminate() error
	// Kill forces the process (and its group) to exit.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Output returns the captured, possibly truncated, combined output.
	Output() string
}

// Launcher starts subordinate processes.
type Launcher interface {
	Launch(ctx context.Context, binary string, args []string) (Process, error)
}

// boundedBuffer keeps the first max bytes written to it.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ExecLauncher runs the binary with os/exec in its own process group, with
// the parent's environment.
type ExecLauncher struct{}

// Launch starts binary. The context only guards the start itself; stopping
// the process is the caller's job via Terminate/Kill.
func (ExecLauncher) Launch(ctx context.Context, binary string, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(binary, args...)
	out := &boundedBuffer{max: maxCapturedOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	p := &execProcess{cmd: cmd, out: out, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	out  *boundedBuffer
	done chan struct{}
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Output() string        { return p.out.String() }
func (p *execProcess) Terminate() error      { return terminateProcessGroup(p.cmd) }
func (p *execProcess) Kill() error           { return killProcessGroup(p.cmd) }
