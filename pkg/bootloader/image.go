package bootloader

import (
	"encoding/binary"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ImageMagic identifies an MCUboot image header.
const ImageMagic uint32 = 0x96f3b83d

// ImageHeaderSize is the encoded size of an MCUboot image header.
const ImageHeaderSize = 32

// ImageVersionSize is the encoded size of an ImageVersion.
const ImageVersionSize = 8

// ImageVersion is the major.minor.revision+build version carried in an image header.
type ImageVersion struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

func (v ImageVersion) String() string {
	return fmt.Sprintf("%d.%d.%d+%d", v.Major, v.Minor, v.Revision, v.Build)
}

// Semver converts the version for ordering. The build number is carried as
// metadata and ignored by comparisons, as it is by the bootloader.
func (v ImageVersion) Semver() *semver.Version {
	return semver.New(uint64(v.Major), uint64(v.Minor), uint64(v.Revision), "", fmt.Sprintf("%d", v.Build))
}

// Encode writes the little endian wire form into b, which must hold ImageVersionSize bytes.
func (v ImageVersion) Encode(b []byte) {
	b[0] = v.Major
	b[1] = v.Minor
	binary.LittleEndian.PutUint16(b[2:4], v.Revision)
	binary.LittleEndian.PutUint32(b[4:8], v.Build)
}

// DecodeImageVersion reads the little endian wire form.
func DecodeImageVersion(b []byte) ImageVersion {
	return ImageVersion{
		Major:    b[0],
		Minor:    b[1],
		Revision: binary.LittleEndian.Uint16(b[2:4]),
		Build:    binary.LittleEndian.Uint32(b[4:8]),
	}
}

// ImageHeader mirrors struct image_header of MCUboot.
type ImageHeader struct {
	Magic          uint32
	LoadAddr       uint32
	HeaderSize     uint16
	ProtectTLVSize uint16
	ImageSize      uint32
	Flags          uint32
	Version        ImageVersion
	Pad            uint32
}

// ParseImageHeader decodes the first ImageHeaderSize bytes of b. The magic is
// not checked; use Valid.
func ParseImageHeader(b []byte) (ImageHeader, error) {
	if len(b) < ImageHeaderSize {
		return ImageHeader{}, fmt.Errorf("image header needs %d bytes, got %d", ImageHeaderSize, len(b))
	}
	return ImageHeader{
		Magic:          binary.LittleEndian.Uint32(b[0:4]),
		LoadAddr:       binary.LittleEndian.Uint32(b[4:8]),
		HeaderSize:     binary.LittleEndian.Uint16(b[8:10]),
		ProtectTLVSize: binary.LittleEndian.Uint16(b[10:12]),
		ImageSize:      binary.LittleEndian.Uint32(b[12:16]),
		Flags:          binary.LittleEndian.Uint32(b[16:20]),
		Version:        DecodeImageVersion(b[20:28]),
		Pad:            binary.LittleEndian.Uint32(b[28:32]),
	}, nil
}

// Bytes encodes the header.
func (h ImageHeader) Bytes() []byte {
	b := make([]byte, ImageHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.LoadAddr)
	binary.LittleEndian.PutUint16(b[8:10], h.HeaderSize)
	binary.LittleEndian.PutUint16(b[10:12], h.ProtectTLVSize)
	binary.LittleEndian.PutUint32(b[12:16], h.ImageSize)
	binary.LittleEndian.PutUint32(b[16:20], h.Flags)
	h.Version.Encode(b[20:28])
	binary.LittleEndian.PutUint32(b[28:32], h.Pad)
	return b
}

// Valid reports whether the header carries the MCUboot magic.
func (h ImageHeader) Valid() bool {
	return h.Magic == ImageMagic
}
