package blockdevice

import (
	"fmt"
	"sync"
)

// ErasedValue is the byte value read back from erased flash.
const ErasedValue = 0xFF

// HeapBlockDevice keeps the whole device in RAM. It is used by tests and by
// dry runs of the stager.
type HeapBlockDevice struct {
	geometry Geometry
	mu       sync.Mutex
	data     []byte
	refs     int
	strict   bool
}

// NewHeapBlockDevice allocates a RAM device in the erased state.
func NewHeapBlockDevice(g Geometry) (*HeapBlockDevice, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	data := make([]byte, g.Size)
	for i := range data {
		data[i] = ErasedValue
	}
	return &HeapBlockDevice{geometry: g, data: data}, nil
}

// SetStrictProgram makes Program behave like NOR flash: a program may only
// clear bits, so writing a 1 over a 0 fails with ErrNotErased until the erase
// unit is erased again. Reprogramming a unit with the bits it already holds,
// plus bits cleared from erased bytes, is allowed.
func (h *HeapBlockDevice) SetStrictProgram(strict bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strict = strict
}

func (h *HeapBlockDevice) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs++
	return nil
}

func (h *HeapBlockDevice) Deinit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	return nil
}

func (h *HeapBlockDevice) Erase(addr, size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return ErrNotInitialized
	}
	if err := checkRequest("erase", addr, size, h.geometry.EraseSize, h.geometry.Size); err != nil {
		return err
	}
	for i := addr; i < addr+size; i++ {
		h.data[i] = ErasedValue
	}
	return nil
}

func (h *HeapBlockDevice) Program(buf []byte, addr int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return ErrNotInitialized
	}
	if err := checkRequest("program", addr, int64(len(buf)), h.geometry.ProgramSize, h.geometry.Size); err != nil {
		return err
	}
	if h.strict {
		for i, b := range buf {
			if b&^h.data[addr+int64(i)] != 0 {
				return fmt.Errorf("program(addr=%d): byte 0x%02x over 0x%02x: %w", addr+int64(i), b, h.data[addr+int64(i)], ErrNotErased)
			}
		}
	}
	copy(h.data[addr:], buf)
	return nil
}

func (h *HeapBlockDevice) Read(buf []byte, addr int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return ErrNotInitialized
	}
	if err := checkRequest("read", addr, int64(len(buf)), h.geometry.ReadSize, h.geometry.Size); err != nil {
		return err
	}
	copy(buf, h.data[addr:])
	return nil
}

func (h *HeapBlockDevice) ProgramSize() int64 { return h.geometry.ProgramSize }
func (h *HeapBlockDevice) ReadSize() int64    { return h.geometry.ReadSize }
func (h *HeapBlockDevice) EraseSize() int64   { return h.geometry.EraseSize }
func (h *HeapBlockDevice) Size() int64        { return h.geometry.Size }

// Bytes returns a copy of the device contents regardless of init state.
func (h *HeapBlockDevice) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.data))
	copy(out, h.data)
	return out
}
