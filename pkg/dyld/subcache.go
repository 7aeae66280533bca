package dyld

import (
	"fmt"

	machotypes "github.com/blacktop/go-macho/types"
)

// subCacheEntryV1Size and subCacheEntryV2Size are the two on-wire shapes a
// SubCacheEntry can take, selected by the main header's mapping offset.
const (
	subCacheEntryV1Size = 24
	subCacheEntryV2Size = 56
	subCacheV1Threshold = 0x200
	subCacheSuffixLen   = 32
)

// SubCacheEntry describes one auxiliary cache file belonging to the main
// cache. FileSuffix is either decoded from the v2 wire shape or synthesised
// (".<1-based index>", per §9's open-question resolution) for the older v1
// shape, which carries no suffix field at all.
type SubCacheEntry struct {
	UUID          machotypes.UUID
	CacheVMOffset uint64
	FileSuffix    string
}

// subcacheFileSuffix synthesises the suffix for a v1 subcache entry using
// the 1-based index convention mandated by §9's open-question resolution:
// no zero-padding, e.g. index 1 -> ".1", index 12 -> ".12".
func subcacheFileSuffix(oneBasedIndex int) string {
	return fmt.Sprintf(".%d", oneBasedIndex)
}

// decodeSubCacheEntries picks the v1 or v2 wire shape from mappingOffset and
// decodes count entries starting at the cursor's current position.
func decodeSubCacheEntries(c *ParseCursor, mappingOffset uint64, count uint64) ([]SubCacheEntry, error) {
	entries := make([]SubCacheEntry, 0, count)
	isV1 := mappingOffset < subCacheV1Threshold
	for i := uint64(0); i < count; i++ {
		var entry SubCacheEntry
		uuidBytes, err := c.UUIDBytes()
		if err != nil {
			return nil, err
		}
		entry.UUID = machotypes.UUID(uuidBytes)
		entry.CacheVMOffset, err = c.U64()
		if err != nil {
			return nil, err
		}
		if isV1 {
			entry.FileSuffix = subcacheFileSuffix(int(i) + 1)
		} else {
			suffixBytes, err := c.FixedBytes(subCacheSuffixLen)
			if err != nil {
				return nil, err
			}
			entry.FileSuffix = trimNuls(string(suffixBytes))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// subCacheEntrySize returns the on-wire record size selected for mappingOffset.
func subCacheEntrySize(mappingOffset uint64) int {
	if mappingOffset < subCacheV1Threshold {
		return subCacheEntryV1Size
	}
	return subCacheEntryV2Size
}
