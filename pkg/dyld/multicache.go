package dyld

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/apex/log"
	machotypes "github.com/blacktop/go-macho/types"
	"golang.org/x/sync/errgroup"
)

// subCacheFanOutLimit bounds concurrent subcache opens and the whole-cache
// export-symbol sweep, per §5/§11's "bounded errgroup.Group, never a
// goroutine-per-item loop" rule.
const subCacheFanOutLimit = 8

// maxExportTrieHeaderProbe bounds the initial read used to discover a Mach-O
// image's sizeofcmds before re-reading the full load-command window.
const maxExportTrieHeaderProbe = 4096

// loadedFile pairs a parsed view with the ByteSource and path it came from.
type loadedFile struct {
	path string
	src  ByteSource
	view *SingleCacheView
}

// MultiCacheCoordinator joins a main cache file with its ordered subcaches
// and optional symbols sidecar under the UUID-consistency rules in §3/§4.9.
type MultiCacheCoordinator struct {
	main loadedFile

	subCaches   map[machotypes.UUID]loadedFile
	subCacheOrd []machotypes.UUID // preserves header-declared order, for readBytes

	symbols *loadedFile

	requireAllSubCaches bool
}

// NewMultiCacheReader opens mainPath through opener, parses it, then opens
// and parses every subcache entry and the optional symbols sidecar it names.
// Subcache opens are independent and are fanned out concurrently, bounded by
// subCacheFanOutLimit, cancelling remaining opens on the first hard error.
func NewMultiCacheReader(ctx context.Context, mainPath string, opener Opener, requireAllSubCaches, requireSymbolsFile bool) (*MultiCacheCoordinator, error) {
	mainSrc, err := opener(mainPath)
	if err != nil {
		return nil, err
	}
	if mainSrc == nil {
		return nil, newError(ErrSubCacheNotFound, nil, "main cache file not found: %s", mainPath)
	}
	mainView, err := NewSingleCacheView(mainSrc)
	if err != nil {
		return nil, err
	}

	coord := &MultiCacheCoordinator{
		main:                loadedFile{path: mainPath, src: mainSrc, view: mainView},
		subCaches:           make(map[machotypes.UUID]loadedFile, len(mainView.SubCaches)),
		requireAllSubCaches: requireAllSubCaches,
	}

	if len(mainView.SubCaches) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(subCacheFanOutLimit)
		results := make([]*loadedFile, len(mainView.SubCaches))
		for i, entry := range mainView.SubCaches {
			i, entry := i, entry
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				lf, err := openSubCache(mainPath, opener, entry, requireAllSubCaches)
				if err != nil {
					return err
				}
				results[i] = lf
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for i, entry := range mainView.SubCaches {
			if results[i] == nil {
				log.WithField("suffix", entry.FileSuffix).Debug("dyld: subcache skipped (not found, not required)")
				continue
			}
			coord.subCaches[entry.UUID] = *results[i]
			coord.subCacheOrd = append(coord.subCacheOrd, entry.UUID)
		}
	}

	if mainView.Header.SymbolsUUID != (machotypes.UUID{}) {
		symPath := mainPath + ".symbols"
		symSrc, err := opener(symPath)
		if err != nil {
			return nil, err
		}
		if symSrc == nil {
			if requireSymbolsFile {
				return nil, newError(ErrSymbolsFileNotFound, nil, "symbols file not found: %s", symPath)
			}
			log.WithField("path", symPath).Debug("dyld: symbols sidecar not found, not required")
		} else {
			symView, err := NewSingleCacheView(symSrc)
			if err != nil {
				return nil, err
			}
			if symView.Header.UUID != mainView.Header.SymbolsUUID {
				return nil, newErrorWith(ErrSubCacheUUIDMismatch, nil, map[string]any{
					"expected": mainView.Header.SymbolsUUID, "actual": symView.Header.UUID,
				}, "symbols file %s UUID mismatch", symPath)
			}
			coord.symbols = &loadedFile{path: symPath, src: symSrc, view: symView}
		}
	}

	return coord, nil
}

func openSubCache(mainPath string, opener Opener, entry SubCacheEntry, required bool) (*loadedFile, error) {
	path := mainPath + entry.FileSuffix
	src, err := opener(path)
	if err != nil {
		return nil, err
	}
	if src == nil {
		if required {
			return nil, newError(ErrSubCacheNotFound, nil, "required subcache not found: %s", path)
		}
		return nil, nil
	}
	view, err := NewSingleCacheView(src)
	if err != nil {
		return nil, err
	}
	if view.Header.UUID != entry.UUID {
		return nil, newErrorWith(ErrSubCacheUUIDMismatch, nil, map[string]any{
			"expected": entry.UUID, "actual": view.Header.UUID,
		}, "subcache %s UUID mismatch", path)
	}
	return &loadedFile{path: path, src: src, view: view}, nil
}

// files returns every loaded file (main then subcaches, in header order),
// the set readBytes and symbol lookups search across.
func (co *MultiCacheCoordinator) files() []loadedFile {
	out := make([]loadedFile, 0, 1+len(co.subCacheOrd))
	out = append(out, co.main)
	for _, uuid := range co.subCacheOrd {
		out = append(out, co.subCaches[uuid])
	}
	return out
}

// ReadBytes reads size bytes starting at a virtual address, crossing file
// boundaries as needed. Every byte of the virtual address range must be
// mapped by some loaded file.
func (co *MultiCacheCoordinator) ReadBytes(vmAddress uint64, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	addr := vmAddress
	remaining := size
	files := co.files()

	for remaining > 0 {
		var (
			found    bool
			mapping  vmMapping
			fileData ByteSource
		)
		for _, f := range files {
			if m, ok := f.view.Resolver.MappingForVM(addr); ok {
				found, mapping, fileData = true, m, f.src
				break
			}
		}
		if !found {
			return nil, newError(ErrVMAddressNotMapped, nil, "virtual address 0x%x is not mapped by any loaded file", addr)
		}

		mappingEnd := mapping.Address + mapping.Size
		avail := mappingEnd - addr
		want := uint64(remaining)
		if want > avail {
			want = avail
		}
		fileOffset := (addr - mapping.Address) + mapping.FileOffset
		chunk, err := fileData.Read(int64(fileOffset), int(want))
		if err != nil {
			return nil, err
		}
		if uint64(len(chunk)) < want {
			return nil, newError(ErrRangeOutOfBounds, nil, "short read at vm 0x%x: wanted %d got %d", addr, want, len(chunk))
		}
		out = append(out, chunk...)
		addr += want
		remaining -= int(want)
	}
	return out, nil
}

// imageTextByUUID returns the ImageTextInfo and its index for uuid, if any.
func (co *MultiCacheCoordinator) imageTextByUUID(uuid machotypes.UUID) (ImageTextInfo, int, bool) {
	for i, it := range co.main.view.ImagesText {
		if it.UUID == uuid {
			return it, i, true
		}
	}
	return ImageTextInfo{}, -1, false
}

// AllImagePaths returns every image's cache-relative install-name path, in
// on-disk order, via a pure metadata walk (§4.9a) — no Mach-O or trie work.
func (co *MultiCacheCoordinator) AllImagePaths() ([]string, error) {
	paths := make([]string, 0, len(co.main.view.Images))
	for _, img := range co.main.view.Images {
		p, err := readNulTerminatedString(co.main.src, int64(img.PathFileOffset), 0, 0)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// locateImageExportsTrie reads enough of the image's Mach-O header to find
// sizeofcmds, re-reads header+load-commands, and resolves its exports
// trie's location, per §4.9's "exported-symbols-for-image" algorithm.
func (co *MultiCacheCoordinator) locateImageExportsTrie(loadAddress uint64) (*ExportsTrieLocation, error) {
	probe, err := co.ReadBytes(loadAddress, maxExportTrieHeaderProbe)
	if err != nil {
		return nil, err
	}
	headerSize := machHeaderSize64
	if binary.LittleEndian.Uint32(probe[0:4]) == machMagic32 {
		headerSize = machHeaderSize32
	}
	total := int64(headerSize) + int64(binary.LittleEndian.Uint32(probe[20:24]))
	if total > maxLoadCommandsWindow {
		return nil, newError(ErrInvalidMachO, nil, "load command window %d exceeds limit %d", total, maxLoadCommandsWindow)
	}
	full, err := co.ReadBytes(loadAddress, int(total))
	if err != nil {
		return nil, err
	}
	loc := &MachOTrieLocator{}
	if parseErr := loc.parse(full); parseErr != nil {
		return nil, parseErr
	}
	return loc.resolve()
}

// ExportedSymbolsForImage resolves and enumerates (best-effort) the exported
// symbols of the image identified by uuid.
func (co *MultiCacheCoordinator) ExportedSymbolsForImage(uuid machotypes.UUID) ([]ExportSymbol, error) {
	imgText, _, ok := co.imageTextByUUID(uuid)
	if !ok {
		return nil, newError(ErrImageIndexOutOfBounds, nil, "no image with uuid %s", uuid)
	}
	trieLoc, err := co.locateImageExportsTrie(imgText.LoadAddress)
	if err != nil {
		return nil, err
	}
	if trieLoc == nil || trieLoc.Size == 0 {
		return nil, nil
	}
	trieBytes, err := co.ReadBytes(trieLoc.VMAddress, int(trieLoc.Size))
	if err != nil {
		return nil, err
	}
	return NewExportTrie(trieBytes).AllSymbolsBestEffort(), nil
}

// ImageExportResult is one image's best-effort export enumeration result,
// produced by ExportedSymbolsForAllImages.
type ImageExportResult struct {
	UUID    machotypes.UUID
	Path    string
	Symbols []ExportSymbol
	Err     error
}

// ExportedSymbolsForAllImages fans ExportedSymbolsForImage out across every
// image in imagesText, bounded by subCacheFanOutLimit and cancellable via
// ctx. A failure on one image is recorded on its result and does not abort
// the sweep of the others (§4.9a).
func (co *MultiCacheCoordinator) ExportedSymbolsForAllImages(ctx context.Context) ([]ImageExportResult, error) {
	images := co.main.view.ImagesText
	results := make([]ImageExportResult, len(images))

	paths, err := co.AllImagePaths()
	hasPaths := err == nil && len(paths) == len(co.main.view.Images)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(subCacheFanOutLimit)
	for i, it := range images {
		i, it := i, it
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := ImageExportResult{UUID: it.UUID}
			if hasPaths && i < len(paths) {
				res.Path = paths[i]
			}
			syms, err := co.ExportedSymbolsForImage(it.UUID)
			if err != nil {
				res.Err = err
				log.WithError(err).WithField("uuid", it.UUID).Debug("dyld: export enumeration failed for image")
			} else {
				res.Symbols = syms
			}
			results[i] = res
			return nil
		})
	}
	// Per-image failures are recorded on the result, not propagated: the
	// errgroup itself never fails from ExportedSymbolsForImage errors.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SymbolEntry is one (offset, name) pair in the sorted table PC
// symbolication binary-searches over.
type SymbolEntry struct {
	Offset uint64
	Name   string
}

// SymbolicationResult is the outcome of resolving a program-counter value
// against an image's symbol table.
type SymbolicationResult struct {
	Name        string
	PCOffset    uint64
	MatchOffset uint64
	Addend      uint64
}

// symbolicateOptions controls PC symbolication's source preference, per
// §4.9 step 3.
type symbolicateOptions struct {
	preferLocalSymbols bool
	sharedContext      *SharedContext
	imageIndex         int
}

// Symbolicate resolves pc against the image identified by uuid. When
// preferLocalSymbols is true and sharedContext/imageIndex can supply local
// symbols, those are used; otherwise the image's export trie is consulted.
// Local-symbol records are read from the symbols sidecar when one is
// attached, else from the main cache file.
func (co *MultiCacheCoordinator) Symbolicate(uuid machotypes.UUID, pc uint64, preferLocalSymbols bool, sharedContext *SharedContext, imageIndex int) (*SymbolicationResult, error) {
	imgText, _, ok := co.imageTextByUUID(uuid)
	if !ok {
		return nil, newError(ErrImageIndexOutOfBounds, nil, "no image with uuid %s", uuid)
	}
	if pc < imgText.LoadAddress {
		return nil, newError(ErrVMAddressNotMapped, nil, "pc 0x%x precedes image load address 0x%x", pc, imgText.LoadAddress)
	}
	pcOffset := pc - imgText.LoadAddress

	entries, err := co.buildSymbolTable(imgText, symbolicateOptions{
		preferLocalSymbols: preferLocalSymbols,
		sharedContext:      sharedContext,
		imageIndex:         imageIndex,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, newError(ErrSymbolNotFound, nil, "no symbol table available for image %s", uuid)
	}

	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Offset > pcOffset }) - 1
	if idx < 0 {
		return nil, newError(ErrSymbolNotFound, nil, "no symbol at or before pc offset 0x%x", pcOffset)
	}
	match := entries[idx]
	return &SymbolicationResult{
		Name:        match.Name,
		PCOffset:    pcOffset,
		MatchOffset: match.Offset,
		Addend:      pcOffset - match.Offset,
	}, nil
}

func (co *MultiCacheCoordinator) buildSymbolTable(imgText ImageTextInfo, opts symbolicateOptions) ([]SymbolEntry, error) {
	unslidBase := imgText.LoadAddress

	if opts.preferLocalSymbols && opts.sharedContext != nil {
		localSrc := co.main.src
		if co.symbols != nil {
			localSrc = co.symbols.src
		}
		locals, err := opts.sharedContext.ResolveImage(localSrc, opts.imageIndex)
		if err == nil && len(locals) > 0 {
			entries := make([]SymbolEntry, 0, len(locals))
			for _, sym := range locals {
				if sym.Value < unslidBase {
					continue
				}
				entries = append(entries, SymbolEntry{Offset: sym.Value - unslidBase, Name: sym.Name})
			}
			sortSymbolEntries(entries)
			return entries, nil
		}
	}

	exported, err := co.ExportedSymbolsForImage(imgText.UUID)
	if err != nil {
		return nil, err
	}
	entries := make([]SymbolEntry, 0, len(exported))
	for _, sym := range exported {
		if sym.Flags.IsAbsolute() {
			if sym.Offset < unslidBase {
				continue
			}
			entries = append(entries, SymbolEntry{Offset: sym.Offset - unslidBase, Name: sym.Name})
		} else {
			entries = append(entries, SymbolEntry{Offset: sym.Offset, Name: sym.Name})
		}
	}
	sortSymbolEntries(entries)
	return entries, nil
}

func sortSymbolEntries(entries []SymbolEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
}

// Close releases every resource the coordinator opened: the symbol pool, if
// any shared context was cached, is the caller's own responsibility.
func (co *MultiCacheCoordinator) Close() error {
	var mu sync.Mutex
	var firstErr error
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	if closer, ok := co.main.src.(interface{ Close() error }); ok {
		record(closer.Close())
	}
	for _, lf := range co.subCaches {
		if closer, ok := lf.src.(interface{ Close() error }); ok {
			record(closer.Close())
		}
	}
	if co.symbols != nil {
		if closer, ok := co.symbols.src.(interface{ Close() error }); ok {
			record(closer.Close())
		}
	}
	return firstErr
}
