package blockdevice

import (
	"fmt"
)

// DefaultReadBlockSize is the preferred read block for read-modify-write and
// read-back. It is raised to the device read unit when that is larger.
const DefaultReadBlockSize = 1024

// AlignedWriter programs arbitrary byte ranges into a BlockDevice. Ranges that
// do not start or end on a program unit boundary are merged with the current
// flash content through read-modify-write of the edge units; whole units in
// between are programmed directly.
//
// An AlignedWriter owns two scratch buffers and must not be used concurrently.
type AlignedWriter struct {
	dev       BlockDevice
	progUnit  []byte
	readBlock []byte
}

// NewAlignedWriter sizes the scratch buffers for dev. readBlockSize is a hint;
// the effective size is at least the read unit and a multiple of both the read
// unit and the program unit.
func NewAlignedWriter(dev BlockDevice, readBlockSize int64) (*AlignedWriter, error) {
	progSize := dev.ProgramSize()
	readSize := dev.ReadSize()
	if progSize <= 0 || readSize <= 0 {
		return nil, fmt.Errorf("invalid unit sizes: program=%d read=%d", progSize, readSize)
	}

	return &AlignedWriter{
		dev:       dev,
		progUnit:  make([]byte, progSize),
		readBlock: make([]byte, EffectiveReadBlockSize(dev, readBlockSize)),
	}, nil
}

// EffectiveReadBlockSize computes the read block used for dev given a hint.
func EffectiveReadBlockSize(dev BlockDevice, hint int64) int64 {
	if hint <= 0 {
		hint = DefaultReadBlockSize
	}
	if hint < dev.ReadSize() {
		hint = dev.ReadSize()
	}
	return AlignUp(hint, lcm(dev.ReadSize(), dev.ProgramSize()))
}

// ReadBlock exposes the read scratch buffer so the digest pass can reuse it
// instead of allocating a second one.
func (w *AlignedWriter) ReadBlock() []byte {
	return w.readBlock
}

// WriteAt implements io.WriterAt.
func (w *AlignedWriter) WriteAt(p []byte, off int64) (int, error) {
	unit := int64(len(w.progUnit))
	data := p
	offset := off
	remaining := int64(len(p))

	// Leading partial unit.
	todo := AlignUp(offset, unit) - offset
	if todo > remaining {
		todo = remaining
	}
	if todo > 0 {
		if err := w.writePartialUnit(data[:todo], offset); err != nil {
			return len(p) - int(remaining), err
		}
		data = data[todo:]
		offset += todo
		remaining -= todo
	}

	// Whole units, no read-back.
	todo = AlignDown(remaining, unit)
	if todo > 0 {
		if err := w.dev.Program(data[:todo], offset); err != nil {
			return len(p) - int(remaining), fmt.Errorf("program(addr=%d, size=%d): %w", offset, todo, err)
		}
		data = data[todo:]
		offset += todo
		remaining -= todo
	}

	// Trailing partial unit.
	if remaining > 0 {
		if err := w.writePartialUnit(data, offset); err != nil {
			return len(p) - int(remaining), err
		}
		remaining = 0
	}

	return len(p), nil
}

// writePartialUnit overlays data (which must fit inside one program unit) onto
// the unit containing offset and programs the whole unit back.
func (w *AlignedWriter) writePartialUnit(data []byte, offset int64) error {
	unit := int64(len(w.progUnit))
	unitStart := AlignDown(offset, unit)
	if offset+int64(len(data)) > unitStart+unit {
		return fmt.Errorf("partial write of %d bytes at %d crosses unit boundary", len(data), offset)
	}

	if err := w.readProgramUnit(unitStart); err != nil {
		return err
	}
	copy(w.progUnit[offset-unitStart:], data)

	if err := w.dev.Program(w.progUnit, unitStart); err != nil {
		return fmt.Errorf("program(addr=%d, size=%d): %w", unitStart, unit, err)
	}
	return nil
}

// readProgramUnit fills progUnit with the unit at unitStart. The device may
// only read whole read units, so the enclosing read block is read and the unit
// sliced out of it.
func (w *AlignedWriter) readProgramUnit(unitStart int64) error {
	block := int64(len(w.readBlock))
	blockStart := AlignDown(unitStart, block)

	n := block
	if blockStart+n > w.dev.Size() {
		n = w.dev.Size() - blockStart
	}
	if err := w.dev.Read(w.readBlock[:n], blockStart); err != nil {
		return fmt.Errorf("read(addr=%d, size=%d): %w", blockStart, n, err)
	}

	copy(w.progUnit, w.readBlock[unitStart-blockStart:])
	return nil
}

// Release zeroes and drops the scratch buffers.
func (w *AlignedWriter) Release() {
	clear(w.progUnit)
	clear(w.readBlock)
	w.progUnit = nil
	w.readBlock = nil
}
