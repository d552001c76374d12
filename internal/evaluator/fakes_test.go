package evaluator

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/timeutil"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool
	output     string

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	terms  int
	kills  int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit() {
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Output() string        { return p.output }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terms++
	if !p.ignoreTerm {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	p.exit()
	return nil
}

func (p *fakeProcess) counts() (terms, kills int, exited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms, p.kills, p.closed
}

type fakeLauncher struct {
	mu         sync.Mutex
	err        error
	ignoreTerm bool
	exitEarly  bool
	launched   []*fakeProcess
	args       [][]string
}

func (l *fakeLauncher) Launch(ctx context.Context, binary string, args []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.args = append(l.args, args)
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000 + len(l.launched))
	p.ignoreTerm = l.ignoreTerm
	if l.exitEarly {
		p.output = "bind: address already in use"
		p.exit()
	}
	l.launched = append(l.launched, p)
	return p, nil
}

func (l *fakeLauncher) processes() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.launched...)
}

type probeCall struct {
	target string
	proxy  *url.URL
}

// fakeProber answers with fn and records its calls. When clock is set, every
// probe advances it by latency to simulate time on the wire.
type fakeProber struct {
	mu      sync.Mutex
	fn      func(ctx context.Context) ProbeResult
	clock   *timeutil.MockClock
	latency time.Duration
	calls   []probeCall
}

func (p *fakeProber) Probe(ctx context.Context, target string, proxy *url.URL) ProbeResult {
	p.mu.Lock()
	p.calls = append(p.calls, probeCall{target: target, proxy: proxy})
	fn := p.fn
	p.mu.Unlock()

	if p.clock != nil {
		p.clock.Advance(p.latency)
	}
	if fn == nil {
		return ProbeResult{StatusCode: 200, Attempts: 1}
	}
	return fn(ctx)
}

func (p *fakeProber) targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.target
	}
	return out
}

var errInjected = errors.New("injected")
