// Package alloc reserves the operating-system resources a new database
// instance needs before its server process starts: a free loopback TCP
// port and a private scratch directory.
package alloc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// DirPrefix is the name prefix of every scratch directory created by
	// this package. The orphan janitor scans for it.
	DirPrefix = "pgtempdb-"

	// PIDFileName is the marker file inside a scratch directory recording
	// the pid of the process that created it.
	PIDFileName = "pgtempdb.pid"

	// maxPortAttempts bounds the reserve-by-bind retry loop.
	maxPortAttempts = 16
)

// ErrExhausted is returned when no free port could be reserved within the
// bounded number of attempts.
var ErrExhausted = errors.New("alloc: no free port available")

// reservedPorts is process-wide so that two Allocators with different base
// directories still never hand out the same port.
var (
	reservedMu    sync.Mutex
	reservedPorts = make(map[int]struct{})
)

// Allocator reserves ports and scratch directories for new instances.
//
// Port reservation binds a probe listener on 127.0.0.1:0, records the
// kernel-chosen port in a process-wide reserved set, and closes the
// listener so the server process can bind it. The window between close and
// rebind is a known limitation: another process on the host could grab the
// port in between. Within this process the reserved set makes collisions
// impossible.
type Allocator struct {
	baseDir string
}

// New returns an Allocator creating scratch directories under baseDir.
// An empty baseDir means the system temporary directory.
func New(baseDir string) *Allocator {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Allocator{baseDir: baseDir}
}

// Allocate reserves a port and creates a fresh scratch directory.
// A zero port means pick any free one; a non-zero port reserves exactly
// that port, failing if it is taken. Port failures wrap ErrExhausted,
// directory failures wrap the underlying I/O error.
func (a *Allocator) Allocate(port int) (*Allocation, error) {
	var err error
	if port == 0 {
		port, err = reservePort()
	} else {
		err = reserveFixedPort(port)
	}
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(a.baseDir, DirPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		releasePort(port)
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	pidFile := filepath.Join(dir, PIDFileName)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		releasePort(port)
		return nil, fmt.Errorf("failed to write pid marker: %w", err)
	}

	return &Allocation{Port: port, Dir: dir, alloc: a}, nil
}

func reservePort() (int, error) {
	for i := 0; i < maxPortAttempts; i++ {
		l, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			continue
		}
		port := l.Addr().(*net.TCPAddr).Port
		_ = l.Close()

		reservedMu.Lock()
		if _, taken := reservedPorts[port]; !taken {
			reservedPorts[port] = struct{}{}
			reservedMu.Unlock()
			return port, nil
		}
		reservedMu.Unlock()
	}
	return 0, ErrExhausted
}

// reserveFixedPort reserves the caller-chosen port, verifying with a
// probe bind that nothing else holds it.
func reserveFixedPort(port int) error {
	reservedMu.Lock()
	if _, taken := reservedPorts[port]; taken {
		reservedMu.Unlock()
		return fmt.Errorf("port %d is already reserved: %w", port, ErrExhausted)
	}
	reservedPorts[port] = struct{}{}
	reservedMu.Unlock()

	l, err := net.Listen("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		releasePort(port)
		return fmt.Errorf("port %d is unavailable (%v): %w", port, err, ErrExhausted)
	}
	_ = l.Close()
	return nil
}

func releasePort(port int) {
	reservedMu.Lock()
	delete(reservedPorts, port)
	reservedMu.Unlock()
}

// Allocation is a reserved port plus scratch directory, owned by the
// caller until released.
type Allocation struct {
	// Port is the reserved loopback TCP port.
	Port int

	// Dir is the scratch directory. It holds the pid marker, the server's
	// unix socket, and the data directory.
	Dir string

	alloc *Allocator
	once  sync.Once
}

// DataDir returns the path the database storage directory should live at.
// It is not created by Allocate; the initializer materializes it.
func (al *Allocation) DataDir() string {
	return filepath.Join(al.Dir, "data")
}

// Release removes the scratch directory and returns the port to the free
// set. It is idempotent; releasing twice is a no-op.
func (al *Allocation) Release() error {
	var err error
	al.once.Do(func() {
		if e := os.RemoveAll(al.Dir); e != nil {
			err = fmt.Errorf("failed to remove scratch directory: %w", e)
		}
		releasePort(al.Port)
	})
	return err
}

// Keep frees the port but leaves the directory and its data on disk.
// The pid marker is removed so the orphan janitor will not delete the
// directory once this process exits. Shares the release guard with
// Release: whichever runs first wins, the other is a no-op.
func (al *Allocation) Keep() error {
	var err error
	al.once.Do(func() {
		if e := os.Remove(filepath.Join(al.Dir, PIDFileName)); e != nil && !os.IsNotExist(e) {
			err = fmt.Errorf("failed to remove pid marker: %w", e)
		}
		releasePort(al.Port)
	})
	return err
}

// OwnerPID reads the pid marker of a scratch directory. It returns an
// error if dir does not carry a marker, i.e. was not created by Allocate.
func OwnerPID(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, PIDFileName))
	if err != nil {
		return 0, fmt.Errorf("failed to read pid marker: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid marker: %w", err)
	}
	return pid, nil
}
