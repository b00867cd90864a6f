// Package proc launches and supervises the postgres server process.
//
// The actual spawn/signal/wait operations sit behind the Controller
// interface so the supervision logic stays portable and can be exercised
// with a fake in tests.
package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Controller starts operating-system processes.
type Controller interface {
	// Start launches the named binary with args, wiring its combined
	// output to w. It returns once the process has been spawned.
	Start(name string, args []string, w io.Writer) (Process, error)
}

// Process is a started process.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits and returns its exit error.
	// It must be called exactly once.
	Wait() error
}

// ExecController is the Controller backed by os/exec.
type ExecController struct{}

func (ExecController) Start(name string, args []string, w io.Writer) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// StartError reports that the server binary failed to launch or exited
// before accepting connections. Output carries the captured diagnostics.
type StartError struct {
	Output string
	Err    error
}

func (e *StartError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("failed to start server: %v", e.Err)
	}
	return fmt.Sprintf("failed to start server: %v\nserver output:\n%s", e.Err, e.Output)
}

func (e *StartError) Unwrap() error { return e.Err }

// Spec describes a postgres server process to launch.
type Spec struct {
	// BinDir is the directory containing the postgres binary. Empty means
	// look it up on PATH.
	BinDir string

	// DataDir is the initialized storage directory.
	DataDir string

	// SocketDir receives the server's unix socket. Pointing it at the
	// scratch directory keeps the default /tmp socket path out of play.
	SocketDir string

	// Port is the loopback TCP port to listen on.
	Port int

	// Params holds extra server settings passed as -c name=value.
	Params map[string]string

	// StopGrace is how long Stop waits after the termination signal
	// before force-killing.
	StopGrace time.Duration
}

func (s Spec) binary() string {
	if s.BinDir == "" {
		return "postgres"
	}
	return filepath.Join(s.BinDir, "postgres")
}

func (s Spec) args() []string {
	args := []string{
		"-D", s.DataDir,
		"-p", strconv.Itoa(s.Port),
		"-k", s.SocketDir,
		"-c", "listen_addresses=127.0.0.1",
		// Throwaway data, so durability is traded for startup speed.
		"-c", "fsync=off",
		"-c", "full_page_writes=off",
	}
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, "-c", fmt.Sprintf("%s=%s", name, s.Params[name]))
	}
	return args
}

// Server is a supervised postgres process.
type Server struct {
	proc   Process
	out    *tailBuffer
	grace  time.Duration
	logger *zap.Logger

	done    chan struct{}
	waitErr error // valid once done is closed

	stopOnce sync.Once
	stopErr  error
}

// Start launches the server process described by spec. The returned Server
// is supervising it; readiness is the caller's concern.
func Start(ctl Controller, spec Spec, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := newTailBuffer(64 << 10)
	p, err := ctl.Start(spec.binary(), spec.args(), out)
	if err != nil {
		return nil, &StartError{Err: err}
	}

	s := &Server{
		proc:   p,
		out:    out,
		grace:  spec.StopGrace,
		logger: logger,
		done:   make(chan struct{}),
	}
	logger.Debug("server process started",
		zap.Int("pid", p.PID()),
		zap.Int("port", spec.Port),
		zap.String("data_dir", spec.DataDir))

	go func() {
		s.waitErr = p.Wait()
		close(s.done)
	}()
	return s, nil
}

// PID returns the process identifier of the server.
func (s *Server) PID() int { return s.proc.PID() }

// Done is closed when the server process has exited, for any reason.
func (s *Server) Done() <-chan struct{} { return s.done }

// Exited reports whether the server process has exited.
func (s *Server) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the process's exit error. Only valid after Done.
func (s *Server) ExitErr() error { return s.waitErr }

// Output returns the tail of the server's captured diagnostic output.
func (s *Server) Output() string { return s.out.String() }

// Stop terminates the server: termination signal, wait up to the grace
// period, then force-kill. It is idempotent and tolerates an
// already-exited process.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	if s.Exited() {
		return nil
	}

	// SIGINT requests postgres's fast shutdown.
	if err := s.proc.Signal(os.Interrupt); err != nil {
		// Process already gone between the Exited check and the signal.
		return nil
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	s.logger.Warn("server did not stop gracefully, killing",
		zap.Int("pid", s.proc.PID()),
		zap.Duration("grace", s.grace))
	_ = s.proc.Signal(os.Kill)
	<-s.done
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("graceful stop aborted: %w", err)
	}
	return fmt.Errorf("server pid %d did not exit within %s, killed", s.proc.PID(), s.grace)
}

// tailBuffer is a concurrency-safe writer keeping the last cap bytes.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		b.buf = b.buf[len(b.buf)-b.cap:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
