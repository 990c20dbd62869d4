package ttypcm

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	// DefaultShmDir is where POSIX shared memory objects live on Linux.
	DefaultShmDir = "/dev/shm"
	// RegionSize is the size of a mode-flag region, one control page.
	RegionSize = 4096
)

// ModeSignal reports whether the line currently carries voice payload.
type ModeSignal interface {
	Active() bool
}

// ModeSwitch is the writer side of a ModeSignal, held by the relay daemon.
type ModeSwitch interface {
	ModeSignal
	Set(active bool) error
}

// RegionName returns the shared memory name for a device. Every process
// derives the same name from the device numbers, with no further handshake.
func RegionName(id DeviceID) string {
	return "tty-pcm:" + id.String()
}

// ModeFlag is the one-byte voice-mode flag shared between the relay daemon
// (single writer) and the stream engines (readers). The byte is not guarded:
// a reader may observe a value that is about to change.
type ModeFlag struct {
	path     string
	mem      []byte
	writable bool
	detached bool
}

// CreateModeFlag creates (or opens) the region for id under dir read-write.
func CreateModeFlag(dir string, id DeviceID) (*ModeFlag, error) {
	path := filepath.Join(dir, RegionName(id))
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("create mode flag %s: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, RegionSize); err != nil {
		return nil, fmt.Errorf("size mode flag %s: %w", path, err)
	}
	mem, err := unix.Mmap(fd, 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map mode flag %s: %w", path, err)
	}
	return &ModeFlag{path: path, mem: mem, writable: true}, nil
}

// OpenModeFlag maps the existing region for id under dir read-only.
func OpenModeFlag(dir string, id DeviceID) (*ModeFlag, error) {
	path := filepath.Join(dir, RegionName(id))
	mem, err := mapReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &ModeFlag{path: path, mem: mem}, nil
}

// DetachedModeFlag returns a read-only flag for a region that does not exist
// yet. It reads inactive and attaches on the first Active call after the
// daemon has created the region.
func DetachedModeFlag(dir string, id DeviceID) *ModeFlag {
	return &ModeFlag{path: filepath.Join(dir, RegionName(id)), detached: true}
}

func mapReadOnly(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open mode flag %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat mode flag %s: %w", path, err)
	}
	if st.Size < 1 {
		// Created but not sized yet; touching the mapping would fault.
		return nil, fmt.Errorf("open mode flag %s: %w", path, fs.ErrNotExist)
	}
	mem, err := unix.Mmap(fd, 0, RegionSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map mode flag %s: %w", path, err)
	}
	return mem, nil
}

// Path returns the file backing the region.
func (f *ModeFlag) Path() string {
	return f.path
}

// Active reports whether voice mode is on.
func (f *ModeFlag) Active() bool {
	if f == nil {
		return false
	}
	if f.mem == nil && f.detached {
		if mem, err := mapReadOnly(f.path); err == nil {
			f.mem, f.detached = mem, false
		}
	}
	if f.mem == nil {
		return false
	}
	return f.mem[0] != 0
}

// Set switches voice mode on or off. Only the creating side may call it.
func (f *ModeFlag) Set(active bool) error {
	if !f.writable {
		return ErrReadOnlyFlag
	}
	if f.mem == nil {
		return fmt.Errorf("mode flag %s: %w", f.path, fs.ErrClosed)
	}
	if active {
		f.mem[0] = 1
	} else {
		f.mem[0] = 0
	}
	return nil
}

// Close unmaps the region. The backing object is left in place so that other
// processes keep agreeing on it.
func (f *ModeFlag) Close() error {
	if f.mem == nil {
		f.detached = false
		return nil
	}
	mem := f.mem
	f.mem, f.detached = nil, false
	return unix.Munmap(mem)
}
