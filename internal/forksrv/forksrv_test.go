package forksrv

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// fakeTarget mimics the child side of the protocol closely enough to
// drive Client.Run through each status classification.
func fakeTarget(t *testing.T, socketPath string, respond func(conn net.Conn)) {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		t.Fatalf("resolve addr: %v", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go respond(conn)
}

func newTestListener(t *testing.T) (*net.UnixListener, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forksrv_socket")
	l, err := Listen(path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestRunClassifiesNormalExit(t *testing.T) {
	listener, path := newTestListener(t)
	fakeTarget(t, path, func(conn net.Conn) {
		defer conn.Close()
		var req [4]byte
		conn.Read(req[:])
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], 1234)
		conn.Write(pidBuf[:])
		var statusBuf [4]byte
		binary.LittleEndian.PutUint32(statusBuf[:], 0) // exited 0, no signal
		conn.Write(statusBuf[:])
	})

	client, err := Dial(listener, time.Second, false, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if got := client.Run(time.Second); got != StatusNormal {
		t.Fatalf("expected StatusNormal, got %v", got)
	}
}

func TestRunClassifiesSignalledAsCrash(t *testing.T) {
	listener, path := newTestListener(t)
	fakeTarget(t, path, func(conn net.Conn) {
		defer conn.Close()
		var req [4]byte
		conn.Read(req[:])
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], 1234)
		conn.Write(pidBuf[:])
		var statusBuf [4]byte
		// encode WIFSIGNALED(status) == true: low 7 bits nonzero and != 0x7f
		binary.LittleEndian.PutUint32(statusBuf[:], 11) // SIGSEGV, no core dump bit
		conn.Write(statusBuf[:])
	})

	client, err := Dial(listener, time.Second, false, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if got := client.Run(time.Second); got != StatusCrash {
		t.Fatalf("expected StatusCrash, got %v", got)
	}
}

func TestRunClassifiesInvalidPidAsError(t *testing.T) {
	listener, path := newTestListener(t)
	fakeTarget(t, path, func(conn net.Conn) {
		defer conn.Close()
		var req [4]byte
		conn.Read(req[:])
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], 0) // invalid pid signals error
		conn.Write(pidBuf[:])
	})

	client, err := Dial(listener, time.Second, false, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if got := client.Run(time.Second); got != StatusError {
		t.Fatalf("expected StatusError for non-positive pid, got %v", got)
	}
}

func TestRunClassifiesReadTimeoutAsTimeout(t *testing.T) {
	listener, path := newTestListener(t)
	fakeTarget(t, path, func(conn net.Conn) {
		defer conn.Close()
		var req [4]byte
		conn.Read(req[:])
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], 999999) // never a real pid, kill is a no-op
		conn.Write(pidBuf[:])
		// never write the wait-status frame: forces the client's read to time out.
		time.Sleep(500 * time.Millisecond)
	})

	client, err := Dial(listener, 50*time.Millisecond, false, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if got := client.Run(50 * time.Millisecond); got != StatusTimeout {
		t.Fatalf("expected StatusTimeout, got %v", got)
	}
}
