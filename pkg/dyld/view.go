package dyld

// headerWindowSize is the fixed prefix read to decode a cache header, per
// §4.4 step 1: min(fileSize, 4096).
const headerWindowSize = 4096

// SingleCacheView is the parsed metadata for one cache file: its header plus
// every metadata table it names, and a VMAddressResolver built over
// whichever mapping table carries the richest information.
type SingleCacheView struct {
	Header *CacheHeader

	Mappings          []MappingInfo
	MappingsWithSlide []MappingAndSlideInfo
	Images            []ImageInfo
	ImagesText        []ImageTextInfo
	SubCaches         []SubCacheEntry

	Resolver *VMAddressResolver
}

// tableByteRange computes (offset, offset+count*entrySize) with overflow and
// source-size checks, per §4.4's invariant.
func tableByteRange(ref tableRef, entrySize uint64, sourceSize int64) (start, end int64, count uint64, err error) {
	if ref.Offset == 0 || ref.Count == 0 {
		return 0, 0, 0, nil
	}
	byteLen := ref.Count * entrySize
	if entrySize != 0 && byteLen/entrySize != ref.Count {
		return 0, 0, 0, newError(ErrInvalidMachO, nil, "unreasonable table: count %d * entrySize %d overflows", ref.Count, entrySize)
	}
	end64 := ref.Offset + byteLen
	if end64 < ref.Offset {
		return 0, 0, 0, newError(ErrInvalidMachO, nil, "unreasonable table: offset %d + length %d overflows", ref.Offset, byteLen)
	}
	if int64(end64) < 0 || int64(end64) > sourceSize {
		return 0, 0, 0, newError(ErrInvalidMachO, nil, "unreasonable table: [%d,%d) exceeds source size %d", ref.Offset, end64, sourceSize)
	}
	return int64(ref.Offset), int64(end64), ref.Count, nil
}

// NewSingleCacheView parses src per §4.4: a header-window read and decode,
// then a sequential decode of every metadata table it names.
func NewSingleCacheView(src ByteSource) (*SingleCacheView, error) {
	windowLen := headerWindowSize
	if src.Size() < int64(windowLen) {
		windowLen = int(src.Size())
	}
	window, err := src.Read(0, windowLen)
	if err != nil {
		return nil, err
	}
	header, err := DecodeCacheHeader(window)
	if err != nil {
		return nil, err
	}

	view := &SingleCacheView{Header: header}

	if view.Mappings, err = decodeMappingTable(src, header.Mappings); err != nil {
		return nil, err
	}
	if view.MappingsWithSlide, err = decodeMappingSlideTable(src, header.MappingsWithSlide); err != nil {
		return nil, err
	}
	if view.Images, err = decodeImageTable(src, header.Images); err != nil {
		return nil, err
	}
	if view.ImagesText, err = decodeImageTextTable(src, header.ImagesText); err != nil {
		return nil, err
	}
	if view.SubCaches, err = decodeSubCacheTable(src, header.SubCaches, header.Mappings.Offset); err != nil {
		return nil, err
	}

	if len(view.MappingsWithSlide) > 0 {
		view.Resolver = NewVMAddressResolverFromSlideMappings(view.MappingsWithSlide)
	} else {
		view.Resolver = NewVMAddressResolver(view.Mappings)
	}
	return view, nil
}

func decodeMappingTable(src ByteSource, ref tableRef) ([]MappingInfo, error) {
	start, end, count, err := tableByteRange(ref, mappingInfoSize, src.Size())
	if err != nil || count == 0 {
		return nil, err
	}
	data, err := src.Read(start, int(end-start))
	if err != nil {
		return nil, err
	}
	c := NewParseCursor(data)
	out := make([]MappingInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		m, err := decodeMappingInfo(c)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeMappingSlideTable(src ByteSource, ref tableRef) ([]MappingAndSlideInfo, error) {
	start, end, count, err := tableByteRange(ref, mappingAndSlideInfoSize, src.Size())
	if err != nil || count == 0 {
		return nil, err
	}
	data, err := src.Read(start, int(end-start))
	if err != nil {
		return nil, err
	}
	c := NewParseCursor(data)
	out := make([]MappingAndSlideInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		m, err := decodeMappingAndSlideInfo(c)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeImageTable(src ByteSource, ref tableRef) ([]ImageInfo, error) {
	start, end, count, err := tableByteRange(ref, imageInfoSize, src.Size())
	if err != nil || count == 0 {
		return nil, err
	}
	data, err := src.Read(start, int(end-start))
	if err != nil {
		return nil, err
	}
	c := NewParseCursor(data)
	out := make([]ImageInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		img, err := decodeImageInfo(c)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

func decodeImageTextTable(src ByteSource, ref tableRef) ([]ImageTextInfo, error) {
	start, end, count, err := tableByteRange(ref, imageTextInfoSize, src.Size())
	if err != nil || count == 0 {
		return nil, err
	}
	data, err := src.Read(start, int(end-start))
	if err != nil {
		return nil, err
	}
	c := NewParseCursor(data)
	out := make([]ImageTextInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		img, err := decodeImageTextInfo(c)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// NewSharedContext builds a SharedContext over this view's local-symbols
// region. uses64BitDylibOffsets defaults to the header's own pointer width
// (the correct choice for every real cache) but can be overridden, per §9's
// open-question resolution.
func (v *SingleCacheView) NewSharedContext(src ByteSource, uses64BitDylibOffsets ...bool) (*SharedContext, error) {
	if v.Header.LocalSymbolsOffset == 0 || v.Header.LocalSymbolsSize == 0 {
		return nil, nil
	}
	use64 := v.Header.Is64Bit()
	if len(uses64BitDylibOffsets) > 0 {
		use64 = uses64BitDylibOffsets[0]
	}
	return NewSharedContext(src, int64(v.Header.LocalSymbolsOffset), int64(v.Header.LocalSymbolsSize), use64)
}

// decodeSubCacheTable decodes the subcache-entry table at ref. mappingOffset
// is the main header's Mappings.Offset, which (per §3) selects the v1/v2
// on-wire shape for every entry — a property of the whole cache format
// version, not of the subcache table's own location.
func decodeSubCacheTable(src ByteSource, ref tableRef, mappingOffset uint64) ([]SubCacheEntry, error) {
	if ref.Offset == 0 || ref.Count == 0 {
		return nil, nil
	}
	entrySize := uint64(subCacheEntrySize(mappingOffset))
	start, end, count, err := tableByteRange(ref, entrySize, src.Size())
	if err != nil || count == 0 {
		return nil, err
	}
	data, err := src.Read(start, int(end-start))
	if err != nil {
		return nil, err
	}
	return decodeSubCacheEntries(NewParseCursor(data), mappingOffset, count)
}
