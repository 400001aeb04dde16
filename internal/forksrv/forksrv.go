// Package forksrv is the parent side of the fork-server protocol: a
// Unix domain socket over which the instrumented target, once primed,
// forks a fresh child per execution instead of paying process-startup
// cost on every run.
package forksrv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// newChildRequest is the literal 4-byte marker sent to ask the fork
// server for a new run. Its value is meaningless beyond being
// distinguishable from the 2-byte shutdown sentinel.
var newChildRequest = [4]byte{8, 8, 8, 8}

// shutdownSentinel is written on Close to tell the fork server's
// runtime loop to exit cleanly instead of waiting on a read that will
// never come.
var shutdownSentinel = [2]byte{0, 0}

// Status classifies the outcome of a single run.
type Status int

const (
	StatusNormal Status = iota
	StatusCrash
	StatusTimeout
	StatusError
	// StatusSkip marks a run the executor chose not to track further —
	// a condition already explored, or one frozen out after repeated
	// timeouts or repeated identical output — distinct from StatusError,
	// which marks an actual fork-server protocol failure.
	StatusSkip
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusCrash:
		return "crash"
	case StatusTimeout:
		return "timeout"
	case StatusSkip:
		return "skip"
	default:
		return "error"
	}
}

// Client is one worker's connection to its target's fork server.
type Client struct {
	conn     net.Conn
	usesASAN bool
	log      *logrus.Entry
}

// Dial accepts the single connection a freshly spawned target makes
// back to listener once it has primed its fork server, and applies
// the configured per-operation read/write deadline derived from the
// target's time limit.
func Dial(listener *net.UnixListener, timeLimit time.Duration, usesASAN bool, log *logrus.Entry) (*Client, error) {
	listener.SetDeadline(time.Now().Add(timeLimit + 5*time.Second))
	conn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("forksrv: accept: %w", err)
	}
	c := &Client{conn: conn, usesASAN: usesASAN, log: log}
	c.setDeadline(timeLimit)
	return c, nil
}

func (c *Client) setDeadline(timeLimit time.Duration) {
	if timeLimit <= 0 {
		timeLimit = 5 * time.Second
	}
	c.conn.SetDeadline(time.Now().Add(timeLimit))
}

// Run asks the fork server for one execution and classifies the
// outcome. timeLimit refreshes the socket deadline for this round.
func (c *Client) Run(timeLimit time.Duration) Status {
	c.setDeadline(timeLimit)

	if _, err := c.conn.Write(newChildRequest[:]); err != nil {
		c.log.WithError(err).Warn("forksrv: failed to write request marker")
		return StatusError
	}

	var pidBuf [4]byte
	if _, err := readFull(c.conn, pidBuf[:]); err != nil {
		c.log.WithError(err).Warn("forksrv: failed to read child pid")
		return StatusError
	}
	pid := int32(binary.LittleEndian.Uint32(pidBuf[:]))
	if pid <= 0 {
		c.log.Warnf("forksrv: fork server reported invalid pid %d", pid)
		return StatusError
	}

	var statusBuf [4]byte
	if _, err := readFull(c.conn, statusBuf[:]); err != nil {
		if isTimeout(err) {
			c.killAndDrain(pid)
			return StatusTimeout
		}
		c.log.WithError(err).Warn("forksrv: failed to read wait status")
		return StatusError
	}

	waitStatus := syscall.WaitStatus(binary.LittleEndian.Uint32(statusBuf[:]))
	if waitStatus.Signaled() || (c.usesASAN && waitStatus.ExitStatus() == msanErrorCode) {
		return StatusCrash
	}
	return StatusNormal
}

// killAndDrain is invoked on a status-read timeout: it kills the
// straggling child and drains whatever residual bytes eventually
// arrive so the socket is clean for the next Run.
func (c *Client) killAndDrain(pid int32) {
	_ = syscall.Kill(int(pid), syscall.SIGKILL)
	drain := make([]byte, 16)
	for i := 0; i < 3; i++ {
		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := c.conn.Read(drain); err == nil {
			return
		}
	}
}

// Close tells the fork server's runtime loop to exit and releases the
// connection. It does not remove the listening socket file; the
// caller (which owns the listener) is responsible for that.
func (c *Client) Close() error {
	_, _ = c.conn.Write(shutdownSentinel[:])
	return c.conn.Close()
}

const msanErrorCode = 86

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Listen binds the Unix domain socket the target's fork server will
// connect back to, removing any stale socket file left by a prior
// crashed worker first.
func Listen(socketPath string) (*net.UnixListener, error) {
	_ = os.Remove(socketPath)
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("forksrv: resolve socket path: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("forksrv: bind: %w", err)
	}
	return listener, nil
}
