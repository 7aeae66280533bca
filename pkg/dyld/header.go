package dyld

import (
	"strings"

	"github.com/apex/log"
	machotypes "github.com/blacktop/go-macho/types"
)

// Architecture is the CPU architecture encoded in the cache magic suffix.
type Architecture uint8

const (
	ArchUnknown Architecture = iota
	ArchARM64
	ArchARM64E
	ArchARM64_32
	ArchX86_64
	ArchX86_64h
	ArchI386
)

var architectureNames = map[Architecture]string{
	ArchUnknown:  "unknown",
	ArchARM64:    "arm64",
	ArchARM64E:   "arm64e",
	ArchARM64_32: "arm64_32",
	ArchX86_64:   "x86_64",
	ArchX86_64h:  "x86_64h",
	ArchI386:     "i386",
}

func (a Architecture) String() string {
	if s, ok := architectureNames[a]; ok {
		return s
	}
	return "unknown"
}

// Is64Bit reports whether the architecture uses 8-byte pointers.
func (a Architecture) Is64Bit() bool {
	switch a {
	case ArchARM64, ArchARM64E, ArchX86_64, ArchX86_64h:
		return true
	default:
		return false
	}
}

// UsesPAC reports whether this architecture authenticates pointer values.
func (a Architecture) UsesPAC() bool { return a == ArchARM64E }

var magicToArch = map[string]Architecture{
	"arm64":    ArchARM64,
	"arm64e":   ArchARM64E,
	"arm64_32": ArchARM64_32,
	"x86_64":   ArchX86_64,
	"x86_64h":  ArchX86_64h,
	"i386":     ArchI386,
}

// detectArchitecture parses the 16-byte cache magic, requiring the "dyld_v"
// prefix, and maps its trimmed architecture suffix to a closed enum.
func detectArchitecture(magic [16]byte) (Architecture, error) {
	s := string(magic[:])
	if !strings.HasPrefix(s, "dyld_v") {
		return ArchUnknown, newError(ErrInvalidMagic, nil, "magic %q missing dyld_v prefix", trimNuls(s))
	}
	rest := s[len("dyld_v"):]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	suffix := strings.TrimSpace(trimNuls(rest[i:]))
	arch, ok := magicToArch[suffix]
	if !ok {
		return ArchUnknown, newError(ErrInvalidMagic, nil, "magic %q names unrecognised architecture %q", trimNuls(s), suffix)
	}
	return arch, nil
}

func trimNuls(s string) string {
	if idx := strings.IndexByte(s, 0); idx >= 0 {
		return s[:idx]
	}
	return s
}

// CacheType distinguishes the purpose a cache file was built for.
type CacheType uint64

const (
	CacheTypeDevelopment CacheType = 0
	CacheTypeProduction  CacheType = 1
	CacheTypeMulti       CacheType = 2
)

func (t CacheType) String() string {
	switch t {
	case CacheTypeProduction:
		return "production"
	case CacheTypeMulti:
		return "multi"
	default:
		return "development"
	}
}

// HeaderFlags is the header's bitfield: the low 8 bits hold the format
// version, higher bits name individual feature toggles.
type HeaderFlags uint32

const (
	flagDylibsExpectedOnDisk  HeaderFlags = 1 << 8
	flagSimulator             HeaderFlags = 1 << 9
	flagLocallyBuiltCache     HeaderFlags = 1 << 10
	flagBuiltFromChainedFixups HeaderFlags = 1 << 11
	flagNewFormatTLVs         HeaderFlags = 1 << 12
)

func (f HeaderFlags) FormatVersion() uint8            { return uint8(f & 0xFF) }
func (f HeaderFlags) DylibsExpectedOnDisk() bool       { return f&flagDylibsExpectedOnDisk != 0 }
func (f HeaderFlags) Simulator() bool                  { return f&flagSimulator != 0 }
func (f HeaderFlags) LocallyBuiltCache() bool          { return f&flagLocallyBuiltCache != 0 }
func (f HeaderFlags) BuiltFromChainedFixups() bool     { return f&flagBuiltFromChainedFixups != 0 }
func (f HeaderFlags) NewFormatTLVs() bool              { return f&flagNewFormatTLVs != 0 }

func (f HeaderFlags) String() string {
	var names []string
	if f.DylibsExpectedOnDisk() {
		names = append(names, "DylibsExpectedOnDisk")
	}
	if f.Simulator() {
		names = append(names, "Simulator")
	}
	if f.LocallyBuiltCache() {
		names = append(names, "LocallyBuiltCache")
	}
	if f.BuiltFromChainedFixups() {
		names = append(names, "BuiltFromChainedFixups")
	}
	if f.NewFormatTLVs() {
		names = append(names, "NewFormatTLVs")
	}
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, "|")
}

// tableRef is an (offset, count) pair naming one of the header's tables.
type tableRef struct {
	Offset uint64
	Count  uint64
}

// minHeaderWindow is the smallest prefix (in bytes) DecodeCacheHeader will
// accept: everything through dylibsTrieSize, per §4.3/§8.
const minHeaderWindow = 0x118

// CacheHeader is the decoded form of a dyld shared cache's fixed leading
// header. Fields through offset 0x118 are required. The later fields this
// type exposes (the mapping-with-slide table, OS version, the subcache table,
// the symbols-file UUID, the newer images table and TPRO mappings) are read
// best-effort and default to zero when the supplied window ends early; the
// objc opts, atlas and dynamic data fields are not decoded.
type CacheHeader struct {
	Magic        [16]byte
	Architecture Architecture

	UUID          machotypes.UUID
	SymbolsUUID   machotypes.UUID
	Platform      machotypes.Platform
	CacheType     CacheType
	Flags         HeaderFlags

	SharedRegionStart uint64
	SharedRegionSize  uint64
	MaxSlide          uint64

	OSVersion machotypes.Version

	Mappings         tableRef
	MappingsWithSlide tableRef
	Images           tableRef
	ImagesText       tableRef
	SubCaches        tableRef

	LocalSymbolsOffset uint64
	LocalSymbolsSize   uint64

	TPROMappings tableRef
}

// Is64Bit reports whether this cache uses 8-byte pointers, per its detected
// architecture.
func (h *CacheHeader) Is64Bit() bool { return h.Architecture.Is64Bit() }

// DecodeCacheHeader parses a cache header from a byte window. The window
// must be at least minHeaderWindow bytes; shorter input is headerTooSmall.
func DecodeCacheHeader(data []byte) (*CacheHeader, error) {
	if len(data) < minHeaderWindow {
		return nil, newError(ErrHeaderTooSmall, nil, "header window is %d bytes, need at least %#x", len(data), minHeaderWindow)
	}
	c := NewParseCursor(data)

	h := &CacheHeader{}

	magicBytes, err := c.FixedBytes(16)
	if err != nil {
		return nil, err
	}
	copy(h.Magic[:], magicBytes)
	h.Architecture, err = detectArchitecture(h.Magic)
	if err != nil {
		return nil, err
	}

	mappingOffset, err := c.U32()
	if err != nil {
		return nil, err
	}
	mappingCount, err := c.U32()
	if err != nil {
		return nil, err
	}
	h.Mappings = tableRef{Offset: uint64(mappingOffset), Count: uint64(mappingCount)}

	imagesOffsetOld, err := c.U32()
	if err != nil {
		return nil, err
	}
	imagesCountOld, err := c.U32()
	if err != nil {
		return nil, err
	}
	h.Images = tableRef{Offset: uint64(imagesOffsetOld), Count: uint64(imagesCountOld)}

	if err := c.Seek(0x048); err != nil {
		return nil, err
	}
	h.LocalSymbolsOffset, err = c.U64()
	if err != nil {
		return nil, err
	}
	h.LocalSymbolsSize, err = c.U64()
	if err != nil {
		return nil, err
	}

	uuidBytes, err := c.UUIDBytes()
	if err != nil {
		return nil, err
	}
	h.UUID = machotypes.UUID(uuidBytes)

	rawCacheType, err := c.U64()
	if err != nil {
		return nil, err
	}
	switch CacheType(rawCacheType) {
	case CacheTypeProduction:
		h.CacheType = CacheTypeProduction
	case CacheTypeMulti:
		h.CacheType = CacheTypeMulti
	default:
		h.CacheType = CacheTypeDevelopment
	}

	if err := c.Seek(0x088); err != nil {
		return nil, err
	}
	imagesTextOffset, err := c.U64()
	if err != nil {
		return nil, err
	}
	imagesTextCount, err := c.U64()
	if err != nil {
		return nil, err
	}
	h.ImagesText = tableRef{Offset: imagesTextOffset, Count: imagesTextCount}

	if err := c.Seek(0x0D8); err != nil {
		return nil, err
	}
	rawPlatform, err := c.U32()
	if err != nil {
		return nil, err
	}
	h.Platform = machotypes.Platform(rawPlatform)

	rawFlags, err := c.U32()
	if err != nil {
		return nil, err
	}
	h.Flags = HeaderFlags(rawFlags)

	h.SharedRegionStart, err = c.U64()
	if err != nil {
		return nil, err
	}
	h.SharedRegionSize, err = c.U64()
	if err != nil {
		return nil, err
	}
	h.MaxSlide, err = c.U64()
	if err != nil {
		return nil, err
	}

	// The fields read above end at offset 0x0F8; the required window runs to
	// 0x118. Everything below is best-effort against whatever remains of data.
	decodeLateFields(h, data)

	return h, nil
}

// decodeLateFields reads the fields added to the format after its initial
// release. Any field that falls (even partially) past the end of data keeps
// its zero value instead of failing the whole decode.
func decodeLateFields(h *CacheHeader, data []byte) {
	c := NewParseCursor(data)

	readLateU32 := func(offset int) uint32 {
		if err := c.Seek(offset); err != nil {
			return 0
		}
		v, err := c.U32()
		if err != nil {
			log.WithField("offset", offset).Debug("dyld: late header field truncated, defaulting to zero")
			return 0
		}
		return v
	}
	mappingWithSlideOffset := readLateU32(0x138)
	mappingWithSlideCount := readLateU32(0x13C)
	h.MappingsWithSlide = tableRef{Offset: uint64(mappingWithSlideOffset), Count: uint64(mappingWithSlideCount)}

	osVersion := readLateU32(0x16C)
	h.OSVersion = machotypes.Version(osVersion)

	subCacheArrayOffset := readLateU32(0x188)
	subCacheArrayCount := readLateU32(0x18C)
	h.SubCaches = tableRef{Offset: uint64(subCacheArrayOffset), Count: uint64(subCacheArrayCount)}

	if err := c.Seek(0x190); err == nil {
		if uuidBytes, err := c.UUIDBytes(); err == nil {
			h.SymbolsUUID = machotypes.UUID(uuidBytes)
		}
	}

	newImagesOffset := readLateU32(0x1C0)
	newImagesCount := readLateU32(0x1C4)
	if newImagesOffset != 0 && newImagesCount != 0 {
		h.Images = tableRef{Offset: uint64(newImagesOffset), Count: uint64(newImagesCount)}
	}

	tproMappingsOffset := readLateU32(0x200)
	tproMappingsCount := readLateU32(0x204)
	h.TPROMappings = tableRef{Offset: uint64(tproMappingsOffset), Count: uint64(tproMappingsCount)}
}
