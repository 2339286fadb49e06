package blockdevice

import (
	"fmt"
	"os"
	"sync"
)

// FileBlockDevice emulates a flash part on top of a host file. The file is
// created (and filled with erased bytes) on first Init when it does not exist.
// Init and Deinit are reference counted so several slices can share one file.
type FileBlockDevice struct {
	path     string
	geometry Geometry
	mu       sync.Mutex
	file     *os.File
	refs     int
}

// NewFileBlockDevice returns a device backed by path. Nothing is opened until Init.
func NewFileBlockDevice(path string, g Geometry) (*FileBlockDevice, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &FileBlockDevice{path: path, geometry: g}, nil
}

func (f *FileBlockDevice) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		f.refs++
		return nil
	}

	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open flash image %s: %w", f.path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat flash image %s: %w", f.path, err)
	}

	// Grow a short or new file with erased bytes so reads never hit EOF.
	if info.Size() < f.geometry.Size {
		pad := make([]byte, f.geometry.Size-info.Size())
		for i := range pad {
			pad[i] = ErasedValue
		}
		if _, err := file.WriteAt(pad, info.Size()); err != nil {
			file.Close()
			return fmt.Errorf("failed to size flash image %s: %w", f.path, err)
		}
	}

	f.file = file
	f.refs = 1
	return nil
}

func (f *FileBlockDevice) Deinit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *FileBlockDevice) Erase(addr, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return ErrNotInitialized
	}
	if err := checkRequest("erase", addr, size, f.geometry.EraseSize, f.geometry.Size); err != nil {
		return err
	}

	block := make([]byte, f.geometry.EraseSize)
	for i := range block {
		block[i] = ErasedValue
	}
	for off := addr; off < addr+size; off += f.geometry.EraseSize {
		if _, err := f.file.WriteAt(block, off); err != nil {
			return fmt.Errorf("erase at %d: %w", off, err)
		}
	}
	return f.file.Sync()
}

func (f *FileBlockDevice) Program(buf []byte, addr int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return ErrNotInitialized
	}
	if err := checkRequest("program", addr, int64(len(buf)), f.geometry.ProgramSize, f.geometry.Size); err != nil {
		return err
	}
	if _, err := f.file.WriteAt(buf, addr); err != nil {
		return fmt.Errorf("program at %d: %w", addr, err)
	}
	return nil
}

func (f *FileBlockDevice) Read(buf []byte, addr int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return ErrNotInitialized
	}
	if err := checkRequest("read", addr, int64(len(buf)), f.geometry.ReadSize, f.geometry.Size); err != nil {
		return err
	}
	if _, err := f.file.ReadAt(buf, addr); err != nil {
		return fmt.Errorf("read at %d: %w", addr, err)
	}
	return nil
}

func (f *FileBlockDevice) ProgramSize() int64 { return f.geometry.ProgramSize }
func (f *FileBlockDevice) ReadSize() int64    { return f.geometry.ReadSize }
func (f *FileBlockDevice) EraseSize() int64   { return f.geometry.EraseSize }
func (f *FileBlockDevice) Size() int64        { return f.geometry.Size }
