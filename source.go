package imgjail

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/imgjail/internal/registry"
)

const pumpBuffer = 32 << 10

// Source is the input of a Loader
type Source interface {
	open() (*input, error)
}

// input is a source prepared for one load
type input struct {
	file    *os.File
	head    []byte
	name    string
	baseDir string

	// stream feeds writer once the worker holds the read end of the pipe
	stream io.Reader
	writer *os.File
}

// start begins copying a stream source into its pipe. The returned
// function stops the copy; a Read already blocked in the caller's reader
// keeps the goroutine until it returns, but no further Read is issued.
func (in *input) start() (stop func()) {
	if in.writer == nil {
		return func() {}
	}
	w, head, r := in.writer, in.head, in.stream
	in.writer = nil

	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(done)
			w.Close()
		})
	}

	go func() {
		defer stop()
		if _, err := w.Write(head); err != nil {
			return
		}
		buf := make([]byte, pumpBuffer)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := r.Read(buf)
			if n > 0 {
				// fails with EPIPE once the worker is gone
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return stop
}

func (in *input) close() {
	if in.file != nil {
		in.file.Close()
		in.file = nil
	}
	if in.writer != nil {
		in.writer.Close()
		in.writer = nil
	}
}

type fileSource struct {
	f *os.File
}

// FileSource decodes an already opened file. The file stays owned by the
// caller. Regular files are reopened so the decoder gets its own offset and
// the caller's is never moved; files that cannot be reopened by path, such
// as sockets, are duplicated and share the caller's offset.
func FileSource(f *os.File) Source {
	return fileSource{f: f}
}

func (s fileSource) open() (*input, error) {
	if s.f == nil {
		return nil, errors.New("nil file")
	}
	file, err := reopen(s.f)
	if err != nil {
		return nil, err
	}

	in := &input{file: file, name: s.f.Name()}
	if in.head, err = readHead(in.file); err != nil {
		in.close()
		return nil, err
	}
	if filepath.IsAbs(in.name) {
		in.baseDir = filepath.Dir(in.name)
	}
	return in, nil
}

// reopen opens a new read-only description of f through /proc, falling
// back to a duplicate of the descriptor
func reopen(f *os.File) (*os.File, error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}

	var (
		fd    int
		opErr error
	)
	if err := raw.Control(func(orig uintptr) {
		fd, opErr = unix.Open(fmt.Sprintf("/proc/self/fd/%d", orig), unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if opErr != nil {
			fd, opErr = unix.FcntlInt(orig, unix.F_DUPFD_CLOEXEC, 0)
		}
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, fmt.Errorf("reopen input: %w", opErr)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

type pathSource struct {
	path string
}

// PathSource decodes the file at path, opened by the host
func PathSource(path string) Source {
	return pathSource{path: path}
}

func (s pathSource) open() (*input, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}

	in := &input{file: f, name: s.path}
	if in.head, err = readHead(f); err != nil {
		in.close()
		return nil, err
	}
	if abs, err := filepath.Abs(s.path); err == nil {
		in.baseDir = filepath.Dir(abs)
	}
	return in, nil
}

type readerSource struct {
	r    io.Reader
	name string
}

// ReaderSource decodes a stream. The name, which may be empty, only
// serves as a format hint. The stream is read on a separate goroutine
// while the worker decodes and is not read again once the Image is
// closed. A Read that never returns pins that goroutine until it does.
func ReaderSource(r io.Reader, name string) Source {
	return readerSource{r: r, name: name}
}

func (s readerSource) open() (*input, error) {
	if s.r == nil {
		return nil, errors.New("nil reader")
	}

	head := make([]byte, registry.SniffLen)
	n, err := io.ReadFull(s.r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read input: %w", err)
	}
	head = head[:n]

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	return &input{
		file:   pr,
		head:   head,
		name:   s.name,
		stream: s.r,
		writer: pw,
	}, nil
}

// readHead reads the sniffing window without moving the file offset
func readHead(f *os.File) ([]byte, error) {
	head := make([]byte, registry.SniffLen)
	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		// pipes and sockets cannot be read positionally
		if errors.Is(err, unix.ESPIPE) {
			return nil, nil
		}
		return nil, fmt.Errorf("read input: %w", err)
	}
	return head[:n], nil
}
