package dyld

import machotypes "github.com/blacktop/go-macho/types"

// imageInfoSize is the on-wire size of an ImageInfo record.
const imageInfoSize = 32

// ImageInfo is one entry in the cache's legacy per-image metadata array: a
// modification-time/inode pair plus the file offset of its install-name
// path string. 32 bytes on the wire (the trailing 4 bytes are padding).
type ImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
}

func decodeImageInfo(c *ParseCursor) (ImageInfo, error) {
	var img ImageInfo
	var err error
	if img.Address, err = c.U64(); err != nil {
		return img, err
	}
	if img.ModTime, err = c.U64(); err != nil {
		return img, err
	}
	if img.Inode, err = c.U64(); err != nil {
		return img, err
	}
	if img.PathFileOffset, err = c.U32(); err != nil {
		return img, err
	}
	if _, err = c.U32(); err != nil { // pad
		return img, err
	}
	return img, nil
}

// imageTextInfoSize is the on-wire size of an ImageTextInfo record.
const imageTextInfoSize = 32

// ImageTextInfo is one entry in the newer imagesText array: the image's
// UUID, its unslid load address, the size of its __TEXT segment, and the
// file offset of its install-name path. One per image; when both ImageInfo
// and ImageTextInfo tables are present they run in parallel order.
type ImageTextInfo struct {
	UUID            machotypes.UUID
	LoadAddress     uint64
	TextSegmentSize uint32
	PathOffset      uint32
}

func decodeImageTextInfo(c *ParseCursor) (ImageTextInfo, error) {
	var img ImageTextInfo
	uuidBytes, err := c.UUIDBytes()
	if err != nil {
		return img, err
	}
	img.UUID = machotypes.UUID(uuidBytes)
	if img.LoadAddress, err = c.U64(); err != nil {
		return img, err
	}
	if img.TextSegmentSize, err = c.U32(); err != nil {
		return img, err
	}
	if img.PathOffset, err = c.U32(); err != nil {
		return img, err
	}
	return img, nil
}
