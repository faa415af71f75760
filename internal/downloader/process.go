package downloader

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"m3u8-relay/internal/domain"
)

// ErrProcessFinished is returned by Terminate when the process has already exited.
var ErrProcessFinished = errors.New("process already finished")

const (
	stdoutTailBytes = 64 << 10
	stderrMaxBytes  = 1 << 20
)

// ProcessError reports a downloader that exited with a non-zero status.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("downloader exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("downloader exited with code %d: %s", e.ExitCode, msg)
}

// Detail is the text shown to the user: the captured stderr, or the exit status
// when the process wrote nothing to stderr.
func (e *ProcessError) Detail() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	return e.Error()
}

// Process is a running downloader.
type Process interface {
	domain.ProcessHandle
	// Wait blocks until the process exits. A non-zero exit yields *ProcessError.
	Wait() error
	// Output returns the tail of what the process wrote to stdout.
	Output() string
}

// Runner starts downloader processes.
type Runner interface {
	Start(argv []string) (Process, error)
}

// ExecRunner runs argv as a child process of the service.
type ExecRunner struct {
	Dir string
	Env []string
}

func (r ExecRunner) Start(argv []string) (Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	p := &execProcess{
		cmd:    cmd,
		stdout: &boundedBuffer{max: stdoutTailBytes, keepTail: true},
		stderr: &boundedBuffer{max: stderrMaxBytes},
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *boundedBuffer
	stderr *boundedBuffer

	mu     sync.Mutex
	exited bool
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ProcessError{
			ExitCode: exitErr.ExitCode(),
			Stderr:   p.stderr.String(),
		}
	}
	return fmt.Errorf("wait for process %d: %w", p.PID(), err)
}

func (p *execProcess) Terminate() error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return ErrProcessFinished
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessFinished
		}
		return fmt.Errorf("signal process %d: %w", p.PID(), err)
	}
	return nil
}

func (p *execProcess) Output() string {
	return p.stdout.String()
}

// boundedBuffer keeps at most max bytes, either the head or the tail of the stream.
type boundedBuffer struct {
	mu       sync.Mutex
	buf      []byte
	max      int
	keepTail bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.keepTail {
		b.buf = append(b.buf, p...)
		if over := len(b.buf) - b.max; over > 0 {
			b.buf = append(b.buf[:0], b.buf[over:]...)
		}
		return len(p), nil
	}

	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
