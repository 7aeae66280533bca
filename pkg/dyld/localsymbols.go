package dyld

import (
	"os"

	"github.com/apex/log"
	"golang.org/x/sys/unix"
)

// stringPoolChunkSize is the streaming chunk size LazyStringPool uses when
// copying the string table into its backing temp file.
const stringPoolChunkSize = 4 * 1024 * 1024

// LazyStringPool is a memory-mapped copy of a cache's local-symbols string
// table. Construction streams the table into a fresh temp file and mmaps it;
// Close (the destructor, in this GC'd language) unmaps and deletes the temp
// file best-effort. A pool with no backing temp file (totalSize == 0) is a
// valid, permanently-empty pool.
type LazyStringPool struct {
	mapped   []byte
	tempFile *os.File
}

// NewLazyStringPool streams totalSize bytes from src starting at baseOffset,
// in stringPoolChunkSize pieces, into a fresh temp file, then memory-maps
// it. Any error during streaming or mapping closes and deletes the partial
// temp file before propagating.
func NewLazyStringPool(src ByteSource, baseOffset int64, totalSize int64) (*LazyStringPool, error) {
	if totalSize <= 0 {
		return &LazyStringPool{}, nil
	}

	tmp, err := os.CreateTemp("", "dyld-local-symbols-strings-*")
	if err != nil {
		return nil, newError(ErrFileReadError, wrapf(err, "creating string pool temp file"), "allocating string pool backing store")
	}
	cleanup := func() {
		tmp.Close()
		if rmErr := os.Remove(tmp.Name()); rmErr != nil {
			log.WithError(rmErr).Debug("dyld: removing partial string pool temp file failed")
		}
	}

	var written int64
	for written < totalSize {
		chunkLen := stringPoolChunkSize
		if remaining := totalSize - written; int64(chunkLen) > remaining {
			chunkLen = int(remaining)
		}
		chunk, err := src.Read(baseOffset+written, chunkLen)
		if err != nil {
			cleanup()
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := tmp.Write(chunk); err != nil {
			cleanup()
			return nil, newError(ErrFileReadError, wrapf(err, "writing string pool temp file"), "streaming string pool")
		}
		written += int64(len(chunk))
	}
	if written == 0 {
		cleanup()
		return &LazyStringPool{}, nil
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, newError(ErrFileReadError, wrapf(err, "syncing string pool temp file"), "streaming string pool")
	}

	mapped, err := unix.Mmap(int(tmp.Fd()), 0, int(written), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, newError(ErrFileReadError, wrapf(err, "mmap string pool"), "mapping string pool")
	}
	return &LazyStringPool{mapped: mapped, tempFile: tmp}, nil
}

// Close unmaps the pool and deletes its backing temp file. Deletion failures
// are logged and ignored, per §5's "best-effort" resource-scoping rule.
func (p *LazyStringPool) Close() error {
	if p == nil || p.tempFile == nil {
		return nil
	}
	if p.mapped != nil {
		if err := unix.Munmap(p.mapped); err != nil {
			log.WithError(err).Debug("dyld: unmap string pool failed")
		}
		p.mapped = nil
	}
	path := p.tempFile.Name()
	closeErr := p.tempFile.Close()
	if err := os.Remove(path); err != nil {
		log.WithError(err).Debug("dyld: removing string pool temp file failed")
	}
	return closeErr
}

// String scans forward from atPoolOffset to the first zero byte and decodes
// the span as UTF-8. An out-of-bounds offset yields the empty string rather
// than an error.
func (p *LazyStringPool) String(atPoolOffset uint32) string {
	if p == nil || int(atPoolOffset) >= len(p.mapped) {
		return ""
	}
	data := p.mapped
	end := int(atPoolOffset)
	for end < len(data) && data[end] != 0 {
		end++
	}
	return toUTF8(data[atPoolOffset:end])
}

// localSymbolsInfoSize is the on-wire size of a LocalSymbolsInfo record.
const localSymbolsInfoSize = 24

// LocalSymbolsInfo is the six-u32 header describing a cache's centrally
// stored local-symbol tables. Every offset is relative to the header's
// LocalSymbolsOffset.
type LocalSymbolsInfo struct {
	NlistOffset   uint32
	NlistCount    uint32
	StringsOffset uint32
	StringsSize   uint32
	EntriesOffset uint32
	EntriesCount  uint32
}

func decodeLocalSymbolsInfo(data []byte) (*LocalSymbolsInfo, error) {
	c := NewParseCursor(data)
	info := &LocalSymbolsInfo{}
	var err error
	if info.NlistOffset, err = c.U32(); err != nil {
		return nil, newError(ErrInvalidLocalSymbolsInfo, err, "decoding local symbols info")
	}
	if info.NlistCount, err = c.U32(); err != nil {
		return nil, newError(ErrInvalidLocalSymbolsInfo, err, "decoding local symbols info")
	}
	if info.StringsOffset, err = c.U32(); err != nil {
		return nil, newError(ErrInvalidLocalSymbolsInfo, err, "decoding local symbols info")
	}
	if info.StringsSize, err = c.U32(); err != nil {
		return nil, newError(ErrInvalidLocalSymbolsInfo, err, "decoding local symbols info")
	}
	if info.EntriesOffset, err = c.U32(); err != nil {
		return nil, newError(ErrInvalidLocalSymbolsInfo, err, "decoding local symbols info")
	}
	if info.EntriesCount, err = c.U32(); err != nil {
		return nil, newError(ErrInvalidLocalSymbolsInfo, err, "decoding local symbols info")
	}
	return info, nil
}

// localSymbolsEntry32Size and localSymbolsEntry64Size are the two on-wire
// sizes a LocalSymbolsEntry can take, per the caller-selected dylib-offset
// width (§9's open-question resolution).
const (
	localSymbolsEntry32Size = 12
	localSymbolsEntry64Size = 16
)

// LocalSymbolsEntry is one per-image descriptor into the shared nlist array.
// DylibOffset is read as either 32 or 64 bits depending on the caller's
// uses64BitDylibOffsets selection; the format itself does not self-describe
// the choice.
type LocalSymbolsEntry struct {
	DylibOffset     uint64
	NlistStartIndex uint32
	NlistCount      uint32
}

func decodeLocalSymbolsEntry(c *ParseCursor, uses64BitDylibOffsets bool) (LocalSymbolsEntry, error) {
	var e LocalSymbolsEntry
	if uses64BitDylibOffsets {
		v, err := c.U64()
		if err != nil {
			return e, err
		}
		e.DylibOffset = v
	} else {
		v, err := c.U32()
		if err != nil {
			return e, err
		}
		e.DylibOffset = uint64(v)
	}
	var err error
	if e.NlistStartIndex, err = c.U32(); err != nil {
		return e, err
	}
	if e.NlistCount, err = c.U32(); err != nil {
		return e, err
	}
	return e, nil
}

// nlistRecordSize is the fixed wire size of a local-symbols nlist record:
// stringIndex(4) + type(1) + section(1) + desc(2) + value(8).
const nlistRecordSize = 16

// NListTypeMask bits decompose NList.Type, per §3.
const (
	NListStabMask        uint8 = 0xE0
	NListPrivateExternal uint8 = 0x10
	NListTypeFieldMask   uint8 = 0x0E
	NListExternalFlag    uint8 = 0x01
)

const (
	NListTypeUndef    uint8 = 0x00
	NListTypeAbsolute uint8 = 0x02
	NListTypeIndirect uint8 = 0x0A
	NListTypePrebound uint8 = 0x0C
	NListTypeSection  uint8 = 0x0E
)

// NList is one fixed-size symbol-table record from a cache's shared nlist
// array.
type NList struct {
	StringIndex uint32
	Type        uint8
	Section     uint8
	Desc        uint16
	Value       uint64
}

func (n NList) IsStab() bool            { return n.Type&NListStabMask != 0 }
func (n NList) IsPrivateExternal() bool { return n.Type&NListPrivateExternal != 0 }
func (n NList) TypeField() uint8        { return n.Type & NListTypeFieldMask }
func (n NList) IsExternal() bool        { return n.Type&NListExternalFlag != 0 }

func decodeNList(c *ParseCursor) (NList, error) {
	var n NList
	var err error
	if n.StringIndex, err = c.U32(); err != nil {
		return n, err
	}
	if n.Type, err = c.U8(); err != nil {
		return n, err
	}
	if n.Section, err = c.U8(); err != nil {
		return n, err
	}
	if n.Desc, err = c.U16(); err != nil {
		return n, err
	}
	if n.Value, err = c.U64(); err != nil {
		return n, err
	}
	return n, nil
}

// LocalSymbol is one resolved local symbol: its raw nlist record plus its
// name, already looked up through the shared string pool.
type LocalSymbol struct {
	NList
	Name string
}

// SharedContext is the long-lived, reusable state behind local-symbol
// resolution for many images against one cache: the parsed
// LocalSymbolsInfo, the absolute offsets derived from it, and the memory
// mapped string pool. Callers that symbolicate many images should build one
// SharedContext and reuse it (§9).
type SharedContext struct {
	Info        *LocalSymbolsInfo
	baseOffset  int64
	entriesOff  int64
	nlistOff    int64
	pool        *LazyStringPool
	uses64Dylib bool
}

// NewSharedContext builds a SharedContext over the local-symbols region of
// src starting at baseOffset. It validates that the string table lies
// within src before constructing the (expensive) string pool.
func NewSharedContext(src ByteSource, baseOffset int64, localSymbolsSize int64, uses64BitDylibOffsets bool) (*SharedContext, error) {
	headerBytes, err := src.Read(baseOffset, localSymbolsInfoSize)
	if err != nil {
		return nil, err
	}
	if len(headerBytes) < localSymbolsInfoSize {
		return nil, newError(ErrInvalidLocalSymbolsInfo, nil, "local symbols info truncated at offset %d", baseOffset)
	}
	info, err := decodeLocalSymbolsInfo(headerBytes)
	if err != nil {
		return nil, err
	}

	stringsEnd := int64(info.StringsOffset) + int64(info.StringsSize)
	if stringsEnd < int64(info.StringsOffset) || baseOffset+stringsEnd > src.Size() {
		return nil, newError(ErrInvalidLocalSymbolsInfo, nil, "string table [%d,%d) escapes source of size %d", baseOffset+int64(info.StringsOffset), baseOffset+stringsEnd, src.Size())
	}

	pool, err := NewLazyStringPool(src, baseOffset+int64(info.StringsOffset), int64(info.StringsSize))
	if err != nil {
		return nil, err
	}

	return &SharedContext{
		Info:        info,
		baseOffset:  baseOffset,
		entriesOff:  baseOffset + int64(info.EntriesOffset),
		nlistOff:    baseOffset + int64(info.NlistOffset),
		pool:        pool,
		uses64Dylib: uses64BitDylibOffsets,
	}, nil
}

// Close releases the shared string pool.
func (s *SharedContext) Close() error {
	if s == nil {
		return nil
	}
	return s.pool.Close()
}

// ResolveImage returns the local symbols for entries[index], in on-disk
// order, dropping any record whose name resolves to empty (§4.8 step 4).
func (s *SharedContext) ResolveImage(src ByteSource, index int) ([]LocalSymbol, error) {
	if index < 0 || uint32(index) >= s.Info.EntriesCount {
		return nil, newError(ErrImageIndexOutOfBounds, nil, "local symbols entry index %d outside [0,%d)", index, s.Info.EntriesCount)
	}
	entrySize := localSymbolsEntry32Size
	if s.uses64Dylib {
		entrySize = localSymbolsEntry64Size
	}
	entryOffset := s.entriesOff + int64(index)*int64(entrySize)
	entryBytes, err := src.Read(entryOffset, entrySize)
	if err != nil {
		return nil, err
	}
	if len(entryBytes) < entrySize {
		return nil, newError(ErrInvalidLocalSymbolsInfo, nil, "local symbols entry %d truncated", index)
	}
	entry, err := decodeLocalSymbolsEntry(NewParseCursor(entryBytes), s.uses64Dylib)
	if err != nil {
		return nil, err
	}

	nlistBytes, err := src.Read(s.nlistOff+int64(entry.NlistStartIndex)*nlistRecordSize, int(entry.NlistCount)*nlistRecordSize)
	if err != nil {
		return nil, err
	}
	cur := NewParseCursor(nlistBytes)
	out := make([]LocalSymbol, 0, entry.NlistCount)
	for i := uint32(0); i < entry.NlistCount; i++ {
		if cur.Remaining() < nlistRecordSize {
			break // short read from the underlying source: stop, don't fault
		}
		n, err := decodeNList(cur)
		if err != nil {
			return nil, err
		}
		name := s.pool.String(n.StringIndex)
		if name == "" {
			continue
		}
		out = append(out, LocalSymbol{NList: n, Name: name})
	}
	return out, nil
}
