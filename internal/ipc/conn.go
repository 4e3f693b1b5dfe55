package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
)

const (
	headerSize = 5

	// DefaultMaxBody bounds a single message body
	DefaultMaxBody = 1 << 20

	// MaxICCProfile bounds an embedded color profile. Encoded as base64 it
	// still fits a DefaultMaxBody message.
	MaxICCProfile = 512 << 10

	// maxFds is the most descriptors any message may carry; room for one
	// extra so oversupply is detected instead of silently truncated
	maxFds = 2
)

// ErrPeerClosed is returned when the other end of the channel is gone
var ErrPeerClosed = errors.New("peer closed the channel")

// Conn is one end of a message channel. Reads and writes may happen
// concurrently, but each direction is serialized.
type Conn struct {
	uc      *net.UnixConn
	maxBody int

	rmu  sync.Mutex
	rbuf []byte
	oob  []byte

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Pair creates a connected channel. The host keeps the Conn; the returned
// file is the worker end and is meant to become the worker's stdin.
func Pair(maxBody int) (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	host := os.NewFile(uintptr(fds[0]), "imgjail-host")
	worker := os.NewFile(uintptr(fds[1]), "imgjail-worker")

	conn, err := FromFile(host, maxBody)
	host.Close()
	if err != nil {
		worker.Close()
		return nil, nil, err
	}
	return conn, worker, nil
}

// FromFile wraps an inherited socket descriptor. The file may be closed
// by the caller afterwards; the Conn holds its own duplicate.
func FromFile(f *os.File, maxBody int) (*Conn, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}

	fc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap channel: %w", err)
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		fc.Close()
		return nil, fmt.Errorf("channel is %T, not a unix socket", fc)
	}

	return &Conn{
		uc:      uc,
		maxBody: maxBody,
		rbuf:    make([]byte, headerSize+maxBody+1),
		oob:     make([]byte, unix.CmsgSpace(4*maxFds)),
	}, nil
}

// Send writes one message, attaching files as SCM_RIGHTS. The files stay
// owned by the caller.
func (c *Conn) Send(msg Message, files ...*os.File) error {
	if want := msg.Type().fdCount(); len(files) != want {
		return fmt.Errorf("%s carries %d descriptors, got %d", msg.Type(), want, len(files))
	}

	body, err := encodeBody(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	if len(body) > c.maxBody {
		return fmt.Errorf("%s body of %d bytes exceeds limit %d", msg.Type(), len(body), c.maxBody)
	}

	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	buf[4] = byte(msg.Type())
	copy(buf[headerSize:], body)

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, oobn, err := c.uc.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
			return ErrPeerClosed
		}
		return err
	}
	if n != len(buf) || oobn != len(oob) {
		return fmt.Errorf("short write of %s: %d/%d bytes", msg.Type(), n, len(buf))
	}
	return nil
}

// Recv reads one message. Any protocol violation is reported as an
// errs.KindProtocolViolation error, and every received descriptor is
// closed before returning it. On success the caller owns the files.
func (c *Conn) Recv() (Message, []*os.File, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	n, oobn, flags, _, err := c.uc.ReadMsgUnix(c.rbuf, c.oob)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
			return nil, nil, ErrPeerClosed
		}
		return nil, nil, err
	}

	files, err := parseRights(c.oob[:oobn])
	if err != nil {
		return nil, nil, violation("%v", err)
	}

	msg, err := c.parse(c.rbuf[:n], flags, len(files))
	if err != nil {
		closeAll(files)
		return nil, nil, err
	}
	return msg, files, nil
}

func (c *Conn) parse(buf []byte, flags int, nfiles int) (Message, error) {
	if len(buf) == 0 && nfiles == 0 {
		return nil, ErrPeerClosed
	}
	if flags&unix.MSG_TRUNC != 0 {
		return nil, violation("message exceeds %d bytes", c.maxBody)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return nil, violation("control data truncated")
	}
	if len(buf) < headerSize {
		return nil, violation("short header: %d bytes", len(buf))
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if uint64(length) > uint64(c.maxBody) {
		return nil, violation("declared length %d exceeds limit %d", length, c.maxBody)
	}
	if int(length) != len(buf)-headerSize {
		return nil, violation("declared length %d, received %d", length, len(buf)-headerSize)
	}

	t := Type(buf[4])
	msg, err := decodeBody(t, buf[headerSize:])
	if err != nil {
		return nil, violation("%v", err)
	}
	if want := t.fdCount(); nfiles != want {
		return nil, violation("%s carries %d descriptors, expected %d", t, nfiles, want)
	}
	return msg, nil
}

// SetReadDeadline bounds the next Recv
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.uc.SetReadDeadline(t)
}

// SetWriteDeadline bounds the next Send
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.uc.SetWriteDeadline(t)
}

// Interrupt unblocks a pending Send or Recv
func (c *Conn) Interrupt() {
	_ = c.uc.SetDeadline(time.Unix(1, 0))
}

// ClearDeadlines removes any read or write deadline
func (c *Conn) ClearDeadlines() error {
	return c.uc.SetDeadline(time.Time{})
}

// Close closes the channel. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.uc.Close()
	})
	return c.closeErr
}

// IsTimeout reports whether err came from an expired read deadline
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control data: %w", err)
	}

	var files []*os.File
	var bad error
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			bad = fmt.Errorf("unexpected control message: %w", err)
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "imgjail-received"))
		}
	}
	if bad != nil {
		closeAll(files)
		return nil, bad
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func violation(format string, args ...any) error {
	return errs.Newf(errs.KindProtocolViolation, "recv", format, args...)
}
