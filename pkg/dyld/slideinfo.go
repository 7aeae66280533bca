package dyld

// maxPageStarts bounds the materialised pageStarts array for slide-info
// versions that carry one (v3, v5). A cache claiming more than this many
// page starts is malformed, not merely large.
const maxPageStarts = 1_000_000

// SlideInfoVersion names the leading version u32 every slide-info header
// begins with.
type SlideInfoVersion uint32

const (
	SlideInfoV1 SlideInfoVersion = 1
	SlideInfoV2 SlideInfoVersion = 2
	SlideInfoV3 SlideInfoVersion = 3
	SlideInfoV4 SlideInfoVersion = 4
	SlideInfoV5 SlideInfoVersion = 5
)

// SlideInfo is the tagged variant over the five on-wire slide-info shapes.
// Exactly one of the typed fields is non-nil, selected by Version.
type SlideInfo struct {
	Version SlideInfoVersion

	V1 *SlideInfoV1Header
	V2 *SlideInfoV2Header
	V3 *SlideInfoV3Header
	V4 *SlideInfoV4Header
	V5 *SlideInfoV5Header
}

// SlideInfoV1Header is the oldest slide-info shape: a table-of-contents plus
// a fixed-size entries array. Per §9's open question, only the header is
// decoded here; the toc/entries arrays are not materialised.
type SlideInfoV1Header struct {
	TOCOffset     uint32
	TOCCount      uint32
	EntriesOffset uint32
	EntriesCount  uint32
	EntriesSize   uint32
}

// SlideInfoV2Header is the page-starts/page-extras shape introduced for
// x86_64 caches. Per §9's open question, the page-starts/page-extras arrays
// beyond this header are not materialised here.
type SlideInfoV2Header struct {
	PageSize         uint32
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64
	ValueAdd         uint64
}

// SlideInfoV3Header is the arm64e pointer-authentication shape. PageStarts
// is materialised in full (bounded by maxPageStarts).
type SlideInfoV3Header struct {
	PageSize       uint32
	PageStartsCount uint32
	AuthValueAdd   uint64
	PageStarts     []uint16
}

// SlideInfoV4Header has the same header fields as V2. Per §9's
// open question, the page-starts/page-extras arrays are not materialised.
type SlideInfoV4Header struct {
	PageSize         uint32
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64
	ValueAdd         uint64
}

// SlideInfoV5Header is the newest pointer-authentication shape. PageStarts
// is materialised in full (bounded by maxPageStarts).
type SlideInfoV5Header struct {
	PageSize        uint32
	PageStartsCount uint32
	ValueAdd        uint64
	PageStarts      []uint16
}

// pageStartsNoRebase marks a page with nothing to rebase, in both v3 and v5.
const pageStartsNoRebase = 0xFFFF

// DecodeSlideInfo dispatches on the version u32 peeked from the first four
// bytes of data and decodes the matching header shape. Slide-info versions
// never share decoding state with one another.
func DecodeSlideInfo(data []byte) (*SlideInfo, error) {
	if len(data) < 4 {
		return nil, newError(ErrSlideInfoParseError, nil, "slide info shorter than the version field")
	}
	c := NewParseCursor(data)
	rawVersion, err := c.U32()
	if err != nil {
		return nil, err
	}
	version := SlideInfoVersion(rawVersion)

	switch version {
	case SlideInfoV1:
		h, err := decodeSlideInfoV1(c)
		if err != nil {
			return nil, err
		}
		return &SlideInfo{Version: version, V1: h}, nil
	case SlideInfoV2:
		h, err := decodeSlideInfoV2(c)
		if err != nil {
			return nil, err
		}
		return &SlideInfo{Version: version, V2: h}, nil
	case SlideInfoV3:
		h, err := decodeSlideInfoV3(c)
		if err != nil {
			return nil, err
		}
		return &SlideInfo{Version: version, V3: h}, nil
	case SlideInfoV4:
		h, err := decodeSlideInfoV4(c)
		if err != nil {
			return nil, err
		}
		return &SlideInfo{Version: version, V4: h}, nil
	case SlideInfoV5:
		h, err := decodeSlideInfoV5(c)
		if err != nil {
			return nil, err
		}
		return &SlideInfo{Version: version, V5: h}, nil
	default:
		return nil, newError(ErrUnknownSlideInfoVersion, nil, "unknown slide info version %d", rawVersion)
	}
}

func decodeSlideInfoV1(c *ParseCursor) (*SlideInfoV1Header, error) {
	h := &SlideInfoV1Header{}
	var err error
	if h.TOCOffset, err = c.U32(); err != nil {
		return nil, err
	}
	if h.TOCCount, err = c.U32(); err != nil {
		return nil, err
	}
	if h.EntriesOffset, err = c.U32(); err != nil {
		return nil, err
	}
	if h.EntriesCount, err = c.U32(); err != nil {
		return nil, err
	}
	if h.EntriesSize, err = c.U32(); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeSlideInfoV2(c *ParseCursor) (*SlideInfoV2Header, error) {
	h := &SlideInfoV2Header{}
	var err error
	if h.PageSize, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageStartsOffset, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageStartsCount, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageExtrasOffset, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageExtrasCount, err = c.U32(); err != nil {
		return nil, err
	}
	if h.DeltaMask, err = c.U64(); err != nil {
		return nil, err
	}
	if h.ValueAdd, err = c.U64(); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeSlideInfoV3(c *ParseCursor) (*SlideInfoV3Header, error) {
	h := &SlideInfoV3Header{}
	var err error
	if h.PageSize, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageStartsCount, err = c.U32(); err != nil {
		return nil, err
	}
	if h.AuthValueAdd, err = c.U64(); err != nil {
		return nil, err
	}
	if h.PageStartsCount > maxPageStarts {
		return nil, newError(ErrSlideInfoParseError, nil, "slide v3 pageStartsCount %d exceeds cap %d", h.PageStartsCount, maxPageStarts)
	}
	h.PageStarts = make([]uint16, 0, h.PageStartsCount)
	for i := uint32(0); i < h.PageStartsCount; i++ {
		v, err := c.U16()
		if err != nil {
			return nil, err
		}
		h.PageStarts = append(h.PageStarts, v)
	}
	return h, nil
}

func decodeSlideInfoV4(c *ParseCursor) (*SlideInfoV4Header, error) {
	h := &SlideInfoV4Header{}
	var err error
	if h.PageSize, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageStartsOffset, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageStartsCount, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageExtrasOffset, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageExtrasCount, err = c.U32(); err != nil {
		return nil, err
	}
	if h.DeltaMask, err = c.U64(); err != nil {
		return nil, err
	}
	if h.ValueAdd, err = c.U64(); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeSlideInfoV5(c *ParseCursor) (*SlideInfoV5Header, error) {
	h := &SlideInfoV5Header{}
	var err error
	if h.PageSize, err = c.U32(); err != nil {
		return nil, err
	}
	if h.PageStartsCount, err = c.U32(); err != nil {
		return nil, err
	}
	if h.ValueAdd, err = c.U64(); err != nil {
		return nil, err
	}
	if h.PageStartsCount > maxPageStarts {
		return nil, newError(ErrSlideInfoParseError, nil, "slide v5 pageStartsCount %d exceeds cap %d", h.PageStartsCount, maxPageStarts)
	}
	h.PageStarts = make([]uint16, 0, h.PageStartsCount)
	for i := uint32(0); i < h.PageStartsCount; i++ {
		v, err := c.U16()
		if err != nil {
			return nil, err
		}
		h.PageStarts = append(h.PageStarts, v)
	}
	return h, nil
}

// SlidePointer3 decodes one arm64e (version-3) on-page pointer slot. Whether
// it is in authenticated form is a property of the owning mapping's Auth
// flag (MappingSlideFlag), not of the pointer bits themselves.
type SlidePointer3 struct {
	Raw  uint64
	Auth bool
}

// OffsetToNextPointer is the delta (in 4-byte units) to the next pointer in
// this page's rebase chain; zero ends the chain.
func (p SlidePointer3) OffsetToNextPointer() uint64 { return (p.Raw >> 51) & 0x7FF }

// PlainValue returns the rebased pointer's low 51 bits when !Auth.
func (p SlidePointer3) PlainValue() uint64 { return p.Raw & ((uint64(1) << 51) - 1) }

// DiversityData, HasAddressDiversity and Key decode the authenticated-form
// pointer-authentication metadata when Auth is true.
func (p SlidePointer3) DiversityData() uint16       { return uint16((p.Raw >> 32) & 0xFFFF) }
func (p SlidePointer3) HasAddressDiversity() bool    { return (p.Raw>>48)&1 != 0 }
func (p SlidePointer3) Key() uint8                   { return uint8((p.Raw >> 49) & 0x3) }
func (p SlidePointer3) RuntimeOffset() uint64        { return p.Raw & 0xFFFFFFFF }

// SlidePointer5 decodes one newer pointer-authentication pointer slot.
type SlidePointer5 struct {
	Raw  uint64
	Auth bool
}

func (p SlidePointer5) OffsetToNextPointer() uint64 { return (p.Raw >> 34) & 0x3FFF }
func (p SlidePointer5) RuntimeOffset() uint64        { return p.Raw & 0x3FFFFFFFF }
func (p SlidePointer5) DiversityData() uint16        { return uint16((p.Raw >> 32) & 0xFFFF) }
func (p SlidePointer5) Key() uint8                   { return uint8((p.Raw >> 48) & 0x3) }
