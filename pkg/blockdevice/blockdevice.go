// Package blockdevice abstracts the flash regions the firmware stager writes to.
//
// Every device exposes three granularities: the program unit (smallest
// writable block), the read unit and the erase unit. Callers are expected to
// honor them; misaligned requests fail instead of being silently widened.
package blockdevice

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized = errors.New("block device not initialized")
	ErrMisaligned     = errors.New("block device request not aligned")
	ErrOutOfRange     = errors.New("block device request out of range")
	ErrNotErased      = errors.New("block device program would set cleared bits")
)

// BlockDevice is the raw flash facade consumed by the stager.
type BlockDevice interface {
	Init() error
	Deinit() error
	Erase(addr, size int64) error
	Program(buf []byte, addr int64) error
	Read(buf []byte, addr int64) error
	ProgramSize() int64
	ReadSize() int64
	EraseSize() int64
	Size() int64
}

// Geometry describes the unit sizes of a device.
type Geometry struct {
	ProgramSize int64
	ReadSize    int64
	EraseSize   int64
	Size        int64
}

// Validate checks that every unit is positive and that the device size is a
// whole number of erase units.
func (g Geometry) Validate() error {
	if g.ProgramSize <= 0 || g.ReadSize <= 0 || g.EraseSize <= 0 {
		return fmt.Errorf("invalid geometry: program=%d read=%d erase=%d", g.ProgramSize, g.ReadSize, g.EraseSize)
	}
	if g.Size <= 0 || g.Size%g.EraseSize != 0 {
		return fmt.Errorf("device size %d is not a positive multiple of erase size %d", g.Size, g.EraseSize)
	}
	if g.EraseSize%g.ProgramSize != 0 || g.EraseSize%g.ReadSize != 0 {
		return fmt.Errorf("erase size %d is not a multiple of program size %d and read size %d", g.EraseSize, g.ProgramSize, g.ReadSize)
	}
	return nil
}

// checkRequest validates an addr/size pair against a unit and the device bounds.
func checkRequest(op string, addr, size, unit, total int64) error {
	if addr < 0 || size < 0 || addr+size > total {
		return fmt.Errorf("%s(addr=%d, size=%d) on %d byte device: %w", op, addr, size, total, ErrOutOfRange)
	}
	if addr%unit != 0 || size%unit != 0 {
		return fmt.Errorf("%s(addr=%d, size=%d) with unit %d: %w", op, addr, size, unit, ErrMisaligned)
	}
	return nil
}

// AlignDown rounds v down to a multiple of unit.
func AlignDown(v, unit int64) int64 {
	return (v / unit) * unit
}

// AlignUp rounds v up to a multiple of unit.
func AlignUp(v, unit int64) int64 {
	return ((v + unit - 1) / unit) * unit
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// lcm returns the least common multiple of two positive unit sizes.
func lcm(a, b int64) int64 {
	return a / gcd(a, b) * b
}
