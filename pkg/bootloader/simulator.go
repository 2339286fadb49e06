package bootloader

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/pkg/blockdevice"
	"github.com/benmeehan/iot-ota/pkg/kvstore"
)

// SwapStateKey is the state store key of the simulator's trailer state.
const SwapStateKey = "mcuboot_swap_state"

type swapType string

const (
	swapNone      swapType = "none"
	swapTest      swapType = "test"
	swapPermanent swapType = "permanent"
)

// swapState stands in for the image trailers MCUboot keeps at the end of each slot.
type swapState struct {
	Pending swapType `json:"pending"`
	// ImageOK is the image-ok flag of the primary slot.
	ImageOK bool `json:"image_ok"`
	// Swapped is set after a test swap until the image is confirmed or reverted.
	Swapped bool `json:"swapped"`
}

// BootOutcome describes what Boot did.
type BootOutcome string

const (
	BootNormal   BootOutcome = "normal"
	BootTestSwap BootOutcome = "test_swap"
	BootPermSwap BootOutcome = "permanent_swap"
	BootReverted BootOutcome = "reverted"
	BootNoImage  BootOutcome = "no_image"
)

// Simulator runs MCUboot's swap-using-scratch decisions on two host block
// devices. It lets the agent be exercised end to end without a board.
type Simulator struct {
	primary   blockdevice.BlockDevice
	secondary blockdevice.BlockDevice
	store     kvstore.Store
	logger    zerolog.Logger
	mu        sync.Mutex
}

// NewSimulator returns a simulator over two equally sized slots.
func NewSimulator(primary, secondary blockdevice.BlockDevice, store kvstore.Store, logger zerolog.Logger) (*Simulator, error) {
	if primary.Size() != secondary.Size() {
		return nil, fmt.Errorf("slot sizes differ: primary %d, secondary %d", primary.Size(), secondary.Size())
	}
	if primary.EraseSize() != secondary.EraseSize() {
		return nil, fmt.Errorf("slot erase sizes differ: primary %d, secondary %d", primary.EraseSize(), secondary.EraseSize())
	}
	return &Simulator{
		primary:   primary,
		secondary: secondary,
		store:     store,
		logger:    logger,
	}, nil
}

func (s *Simulator) loadState() (swapState, error) {
	st := swapState{Pending: swapNone}
	raw, err := s.store.Get(SwapStateKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read swap state: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("failed to decode swap state: %w", err)
	}
	return st, nil
}

func (s *Simulator) saveState(st swapState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.store.Set(SwapStateKey, raw); err != nil {
		return fmt.Errorf("failed to write swap state: %w", err)
	}
	return nil
}

// readHeader reads the image header at the start of dev.
func readHeader(dev blockdevice.BlockDevice) (ImageHeader, error) {
	if err := dev.Init(); err != nil {
		return ImageHeader{}, err
	}
	defer dev.Deinit()

	buf := make([]byte, blockdevice.AlignUp(ImageHeaderSize, dev.ReadSize()))
	if err := dev.Read(buf, 0); err != nil {
		return ImageHeader{}, fmt.Errorf("failed to read image header: %w", err)
	}
	return ParseImageHeader(buf)
}

func (s *Simulator) ActiveImageHeader() (ImageHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := readHeader(s.primary)
	if err != nil {
		return h, err
	}
	if !h.Valid() {
		return h, fmt.Errorf("primary slot magic 0x%08x: %w", h.Magic, ErrNoValidImage)
	}
	return h, nil
}

func (s *Simulator) MarkPending(permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := readHeader(s.secondary)
	if err != nil {
		return err
	}
	if !h.Valid() {
		return fmt.Errorf("secondary slot magic 0x%08x: %w", h.Magic, ErrNoValidImage)
	}

	st, err := s.loadState()
	if err != nil {
		return err
	}
	st.Pending = swapTest
	if permanent {
		st.Pending = swapPermanent
	}
	s.logger.Info().Str("swap", string(st.Pending)).Str("version", h.Version.String()).Msg("Secondary image marked pending")
	return s.saveState(st)
}

func (s *Simulator) ForceConfirmActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return err
	}
	st.ImageOK = true
	st.Swapped = false
	return s.saveState(st)
}

func (s *Simulator) ActiveImageOK() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	return st.ImageOK, err
}

// Provision writes a first image into the primary slot and confirms it, as a
// factory flash would.
func (s *Simulator) Provision(image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := ParseImageHeader(image)
	if err != nil {
		return err
	}
	if !h.Valid() {
		return fmt.Errorf("provisioning image magic 0x%08x: %w", h.Magic, ErrNoValidImage)
	}
	if int64(len(image)) > s.primary.Size() {
		return fmt.Errorf("image of %d bytes does not fit %d byte slot", len(image), s.primary.Size())
	}

	if err := s.primary.Init(); err != nil {
		return err
	}
	defer s.primary.Deinit()

	if err := s.primary.Erase(0, s.primary.Size()); err != nil {
		return err
	}
	w, err := blockdevice.NewAlignedWriter(s.primary, 0)
	if err != nil {
		return err
	}
	defer w.Release()
	if _, err := w.WriteAt(image, 0); err != nil {
		return err
	}

	return s.saveState(swapState{Pending: swapNone, ImageOK: true})
}

// Boot performs the decision MCUboot makes at reset: swap in a pending image,
// revert an unconfirmed test image, or boot the primary slot as is.
func (s *Simulator) Boot() (BootOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return "", err
	}

	var outcome BootOutcome
	switch {
	case st.Pending == swapTest || st.Pending == swapPermanent:
		if err := s.swapSlots(); err != nil {
			return "", err
		}
		outcome = BootTestSwap
		st.ImageOK = false
		st.Swapped = true
		if st.Pending == swapPermanent {
			outcome = BootPermSwap
			st.ImageOK = true
			st.Swapped = false
		}
		st.Pending = swapNone
	case st.Swapped && !st.ImageOK:
		if err := s.swapSlots(); err != nil {
			return "", err
		}
		outcome = BootReverted
		// The image swapped back was running confirmed before the test swap.
		st.ImageOK = true
		st.Swapped = false
	default:
		outcome = BootNormal
	}

	if err := s.saveState(st); err != nil {
		return "", err
	}

	h, err := readHeader(s.primary)
	if err != nil {
		return "", err
	}
	if !h.Valid() {
		outcome = BootNoImage
	}

	s.logger.Info().
		Str("outcome", string(outcome)).
		Str("version", h.Version.String()).
		Bool("image_ok", st.ImageOK).
		Msg("Bootloader finished")
	return outcome, nil
}

// swapSlots exchanges the slot contents one erase unit at a time.
func (s *Simulator) swapSlots() error {
	if err := s.primary.Init(); err != nil {
		return err
	}
	defer s.primary.Deinit()
	if err := s.secondary.Init(); err != nil {
		return err
	}
	defer s.secondary.Deinit()

	unit := s.primary.EraseSize()
	a := make([]byte, unit)
	b := make([]byte, unit)
	for off := int64(0); off < s.primary.Size(); off += unit {
		if err := s.primary.Read(a, off); err != nil {
			return err
		}
		if err := s.secondary.Read(b, off); err != nil {
			return err
		}
		if err := s.primary.Erase(off, unit); err != nil {
			return err
		}
		if err := s.secondary.Erase(off, unit); err != nil {
			return err
		}
		if err := s.primary.Program(b, off); err != nil {
			return err
		}
		if err := s.secondary.Program(a, off); err != nil {
			return err
		}
	}
	return nil
}
