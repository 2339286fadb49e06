package blockdevice

import "fmt"

// SlicingBlockDevice exposes the range [start, start+size) of an underlying
// device as a device of its own. Init and Deinit are forwarded, so the
// underlying device must tolerate repeated Init calls.
type SlicingBlockDevice struct {
	parent BlockDevice
	start  int64
	size   int64
}

// NewSlicingBlockDevice validates that the slice lies on erase boundaries of parent.
func NewSlicingBlockDevice(parent BlockDevice, start, size int64) (*SlicingBlockDevice, error) {
	if start < 0 || size <= 0 || start+size > parent.Size() {
		return nil, fmt.Errorf("slice [%d, %d) outside %d byte device: %w", start, start+size, parent.Size(), ErrOutOfRange)
	}
	if start%parent.EraseSize() != 0 || size%parent.EraseSize() != 0 {
		return nil, fmt.Errorf("slice [%d, %d) not on erase boundaries of %d: %w", start, start+size, parent.EraseSize(), ErrMisaligned)
	}
	return &SlicingBlockDevice{parent: parent, start: start, size: size}, nil
}

func (s *SlicingBlockDevice) Init() error   { return s.parent.Init() }
func (s *SlicingBlockDevice) Deinit() error { return s.parent.Deinit() }

func (s *SlicingBlockDevice) Erase(addr, size int64) error {
	if addr < 0 || size < 0 || addr+size > s.size {
		return fmt.Errorf("erase(addr=%d, size=%d) on %d byte slice: %w", addr, size, s.size, ErrOutOfRange)
	}
	return s.parent.Erase(s.start+addr, size)
}

func (s *SlicingBlockDevice) Program(buf []byte, addr int64) error {
	if addr < 0 || addr+int64(len(buf)) > s.size {
		return fmt.Errorf("program(addr=%d, size=%d) on %d byte slice: %w", addr, len(buf), s.size, ErrOutOfRange)
	}
	return s.parent.Program(buf, s.start+addr)
}

func (s *SlicingBlockDevice) Read(buf []byte, addr int64) error {
	if addr < 0 || addr+int64(len(buf)) > s.size {
		return fmt.Errorf("read(addr=%d, size=%d) on %d byte slice: %w", addr, len(buf), s.size, ErrOutOfRange)
	}
	return s.parent.Read(buf, s.start+addr)
}

func (s *SlicingBlockDevice) ProgramSize() int64 { return s.parent.ProgramSize() }
func (s *SlicingBlockDevice) ReadSize() int64    { return s.parent.ReadSize() }
func (s *SlicingBlockDevice) EraseSize() int64   { return s.parent.EraseSize() }
func (s *SlicingBlockDevice) Size() int64        { return s.size }
