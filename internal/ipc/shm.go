package ipc

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
)

const (
	requiredSeals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL

	sealAttempts = 50
	sealBackoff  = 2 * time.Millisecond
)

// SharedMemory is a writable memfd region filled by a worker and handed
// to the host by descriptor.
type SharedMemory struct {
	file *os.File
	data []byte
}

// NewSharedMemory creates a sealable memfd of the given size and maps it
// read-write.
func NewSharedMemory(name string, size int) (*SharedMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shared memory size must be positive, got %d", size)
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), name)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("ftruncate memfd: %w", err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap memfd: %w", err)
	}

	return &SharedMemory{file: file, data: data}, nil
}

// Bytes returns the writable mapping
func (m *SharedMemory) Bytes() []byte {
	return m.data
}

// Len returns the size of the region
func (m *SharedMemory) Len() int {
	return len(m.data)
}

// Detach unmaps the region and returns its descriptor for sending. The
// mapping must be gone before the host can seal against writes.
func (m *SharedMemory) Detach() (*os.File, error) {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return nil, fmt.Errorf("munmap memfd: %w", err)
		}
		m.data = nil
	}
	f := m.file
	m.file = nil
	if f == nil {
		return nil, errors.New("shared memory already detached")
	}
	return f, nil
}

// Close releases the mapping and descriptor if they are still held
func (m *SharedMemory) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); err == nil {
			err = cerr
		}
		m.file = nil
	}
	return err
}

// Mapping is a sealed, read-only view of a region received from a worker
type Mapping struct {
	mu   sync.RWMutex
	data []byte
}

// MapSealed seals a received memfd against any further change and maps it
// read-only. The file is consumed. Anything that is not a sealable
// regular file within maxSize is a protocol violation.
func MapSealed(f *os.File, maxSize uint64) (*Mapping, error) {
	defer f.Close()
	fd := int(f.Fd())

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, mapViolation("fstat: %v", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, mapViolation("buffer is not a regular file (mode %o)", st.Mode)
	}

	if err := seal(fd); err != nil {
		return nil, err
	}

	// size can no longer change; take it again after sealing
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, mapViolation("fstat: %v", err)
	}
	if st.Size <= 0 {
		return nil, mapViolation("buffer is empty")
	}
	if uint64(st.Size) > maxSize {
		return nil, mapViolation("buffer of %d bytes exceeds limit %d", st.Size, maxSize)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap frame buffer: %w", err)
	}
	return &Mapping{data: data}, nil
}

func seal(fd int) error {
	var err error
	for attempt := 0; attempt < sealAttempts; attempt++ {
		_, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, requiredSeals)
		if !errors.Is(err, unix.EBUSY) {
			break
		}
		// the worker still holds a writable mapping
		time.Sleep(sealBackoff)
	}
	if err != nil && !errors.Is(err, unix.EPERM) {
		return mapViolation("seal buffer: %v", err)
	}

	// EPERM means F_SEAL_SEAL is already set; accept only if every seal we
	// need is present
	seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return mapViolation("read seals: %v", err)
	}
	if seals&requiredSeals != requiredSeals {
		return mapViolation("buffer seals %#x missing %#x", seals, requiredSeals&^seals)
	}
	return nil
}

// Bytes returns the mapped region, or nil once closed
func (m *Mapping) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// Len returns the mapped size
func (m *Mapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close unmaps the region. Slices previously returned by Bytes must not
// be used afterwards.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func mapViolation(format string, args ...any) error {
	return errs.Newf(errs.KindProtocolViolation, "map frame", format, args...)
}
