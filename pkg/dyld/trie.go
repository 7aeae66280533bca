package dyld

// maxSymbolNameLength bounds every name an ExportTrie will ever produce or
// accept, and doubles as the recursion/stack-depth cap mandated by §4.6/§9
// for rejecting pathological (non-tree-shaped) input.
const maxSymbolNameLength = 4096

// ExportFlags is the ULEB128-encoded flags field at the head of every export
// trie terminal payload.
type ExportFlags uint64

const (
	exportKindMask ExportFlags = 0x3

	ExportKindRegular     ExportFlags = 0
	ExportKindThreadLocal ExportFlags = 1
	ExportKindAbsolute    ExportFlags = 2

	ExportFlagWeakDefinition  ExportFlags = 0x04
	ExportFlagReExport        ExportFlags = 0x08
	ExportFlagStubAndResolver ExportFlags = 0x10
	ExportFlagStaticResolver  ExportFlags = 0x20
	ExportFlagFunctionVariant ExportFlags = 0x40
)

// Kind returns the low 2 bits of the flags: regular, threadLocal, or absolute.
func (f ExportFlags) Kind() ExportFlags { return f & exportKindMask }

func (f ExportFlags) IsRegular() bool     { return f.Kind() == ExportKindRegular }
func (f ExportFlags) IsThreadLocal() bool { return f.Kind() == ExportKindThreadLocal }
func (f ExportFlags) IsAbsolute() bool    { return f.Kind() == ExportKindAbsolute }

func (f ExportFlags) IsWeakDefinition() bool  { return f&ExportFlagWeakDefinition != 0 }
func (f ExportFlags) IsReExport() bool        { return f&ExportFlagReExport != 0 }
func (f ExportFlags) IsStubAndResolver() bool { return f&ExportFlagStubAndResolver != 0 }
func (f ExportFlags) IsStaticResolver() bool  { return f&ExportFlagStaticResolver != 0 }
func (f ExportFlags) IsFunctionVariant() bool { return f&ExportFlagFunctionVariant != 0 }

func (f ExportFlags) String() string {
	kind := "regular"
	switch f.Kind() {
	case ExportKindThreadLocal:
		kind = "threadLocal"
	case ExportKindAbsolute:
		kind = "absolute"
	}
	s := kind
	if f.IsWeakDefinition() {
		s += "|weakDef"
	}
	if f.IsReExport() {
		s += "|reExport"
	}
	if f.IsStubAndResolver() {
		s += "|stubAndResolver"
	}
	if f.IsStaticResolver() {
		s += "|staticResolver"
	}
	if f.IsFunctionVariant() {
		s += "|functionVariant"
	}
	return s
}

// ExportSymbol is one resolved terminal of an export trie: a name plus its
// flags and whichever of the kind-dependent fields apply.
type ExportSymbol struct {
	Name  string
	Flags ExportFlags

	// Offset is valid for regular/threadLocal/absolute terminals.
	Offset uint64

	// ReExportDylibOrdinal/ReExportImportedName are valid when IsReExport.
	// An empty ReExportImportedName means the format omitted it, which
	// conventionally means "re-exported under its original name."
	ReExportDylibOrdinal uint64
	ReExportImportedName string

	// StubOffset/ResolverOffset are valid when IsStubAndResolver.
	StubOffset     uint64
	ResolverOffset uint64
}

// trieNode is one decoded node: its terminal payload (if any) and its child
// edges, each labelled with a NUL-terminated byte string.
type trieNode struct {
	Offset      int
	HasTerminal bool
	Terminal    []byte
	Children    []trieChildRef
	End         int // offset immediately after this node's own encoding
}

type trieChildRef struct {
	Label  string
	Offset int
}

// ExportTrie walks the prefix-tree export format described in §4.6: each
// node is [ULEB128 terminalSize][terminalSize bytes of payload][u8
// childCount][childCount x (NUL-term label, ULEB128 childNodeOffset)].
type ExportTrie struct {
	data []byte
}

// NewExportTrie wraps the raw trie bytes (e.g. as read from a cache via
// MachOTrieLocator) without copying them.
func NewExportTrie(data []byte) *ExportTrie {
	return &ExportTrie{data: data}
}

func (t *ExportTrie) decodeNode(offset int) (*trieNode, error) {
	if offset < 0 || offset >= len(t.data) {
		return nil, newError(ErrUnexpectedEndOfTrie, nil, "node offset %d outside trie of %d bytes", offset, len(t.data))
	}
	c := NewParseCursor(t.data)
	if err := c.Seek(offset); err != nil {
		return nil, newError(ErrUnexpectedEndOfTrie, err, "seeking to node offset %d", offset)
	}
	terminalSize, err := c.ULEB128()
	if err != nil {
		return nil, err
	}
	node := &trieNode{Offset: offset}
	if terminalSize > 0 {
		if terminalSize > uint64(maxSymbolNameLength)*4 {
			return nil, newError(ErrInvalidExportTrieFormat, nil, "implausible terminal size %d at offset %d", terminalSize, offset)
		}
		payload, err := c.Bytes(int(terminalSize))
		if err != nil {
			return nil, newError(ErrUnexpectedEndOfTrie, err, "reading %d-byte terminal at offset %d", terminalSize, offset)
		}
		node.HasTerminal = true
		node.Terminal = append([]byte(nil), payload...)
	}
	childCount, err := c.U8()
	if err != nil {
		return nil, err
	}
	node.Children = make([]trieChildRef, 0, childCount)
	for i := 0; i < int(childCount); i++ {
		label, err := c.NulTerminatedString(maxSymbolNameLength + 1)
		if err != nil {
			return nil, err
		}
		if len(label) > maxSymbolNameLength {
			return nil, newError(ErrInvalidExportTrieFormat, nil, "edge label exceeds %d bytes at offset %d", maxSymbolNameLength, offset)
		}
		childOffset, err := c.ULEB128()
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, trieChildRef{Label: label, Offset: int(childOffset)})
	}
	node.End = c.Pos()
	return node, nil
}

func parseTerminalPayload(payload []byte, name string) (*ExportSymbol, error) {
	c := NewParseCursor(payload)
	rawFlags, err := c.ULEB128()
	if err != nil {
		return nil, err
	}
	sym := &ExportSymbol{Name: name, Flags: ExportFlags(rawFlags)}
	switch {
	case sym.Flags.IsReExport():
		ordinal, err := c.ULEB128()
		if err != nil {
			return nil, err
		}
		sym.ReExportDylibOrdinal = ordinal
		if c.Remaining() > 0 {
			imported, err := c.NulTerminatedString(maxSymbolNameLength + 1)
			if err != nil {
				return nil, err
			}
			sym.ReExportImportedName = imported
		}
	case sym.Flags.IsStubAndResolver():
		stub, err := c.ULEB128()
		if err != nil {
			return nil, err
		}
		resolver, err := c.ULEB128()
		if err != nil {
			return nil, err
		}
		sym.StubOffset = stub
		sym.ResolverOffset = resolver
	default:
		offset, err := c.ULEB128()
		if err != nil {
			return nil, err
		}
		sym.Offset = offset
	}
	return sym, nil
}

// Lookup descends the tree matching each edge label as a prefix of the
// remaining name, returning the terminal payload once the concatenated
// prefixes equal name exactly. Returns a symbolNotFound error (not the
// ambient not-found-is-not-an-error pattern of ByteSource) because an
// absent export is meaningfully different from "name not examined yet."
func (t *ExportTrie) Lookup(name string) (*ExportSymbol, error) {
	if len(name) > maxSymbolNameLength {
		return nil, newError(ErrInvalidExportTrieFormat, nil, "symbol name length %d exceeds cap %d", len(name), maxSymbolNameLength)
	}
	offset := 0
	remaining := name
	maxSteps := maxSymbolNameLength + len(t.data)
	for step := 0; ; step++ {
		if step > maxSteps {
			return nil, newError(ErrInvalidExportTrieFormat, nil, "trie walk for %q exceeded bound %d, likely cyclic input", name, maxSteps)
		}
		node, err := t.decodeNode(offset)
		if err != nil {
			return nil, err
		}
		if remaining == "" {
			if node.HasTerminal {
				return parseTerminalPayload(node.Terminal, name)
			}
			return nil, newError(ErrSymbolNotFound, nil, "%q not in export trie", name)
		}
		matched := false
		for _, child := range node.Children {
			if len(child.Label) <= len(remaining) && remaining[:len(child.Label)] == child.Label {
				offset = child.Offset
				remaining = remaining[len(child.Label):]
				matched = true
				break
			}
		}
		if !matched {
			return nil, newError(ErrSymbolNotFound, nil, "%q not in export trie", name)
		}
	}
}

// stackFrame is one level of the explicit-stack DFS used by both AllSymbols
// and the lazy Iterator, so that traversal never recurses into Go's call
// stack on adversarial (deeply nested) input.
type stackFrame struct {
	node      *trieNode
	prefix    string
	childIdx  int
}

// AllSymbols performs a full depth-first traversal, collecting every
// terminal. It is all-or-nothing: the first decode error aborts the walk.
func (t *ExportTrie) AllSymbols() ([]ExportSymbol, error) {
	return t.walkAll(false)
}

// AllSymbolsBestEffort behaves like AllSymbols but swallows the first decode
// error and returns whatever terminals were gathered before it.
func (t *ExportTrie) AllSymbolsBestEffort() []ExportSymbol {
	syms, _ := t.walkAll(true)
	return syms
}

func (t *ExportTrie) walkAll(bestEffort bool) ([]ExportSymbol, error) {
	var out []ExportSymbol
	it := t.Iterate()
	for {
		sym, err := it.Next()
		if err != nil {
			if bestEffort {
				return out, nil
			}
			return out, err
		}
		if sym == nil {
			return out, nil
		}
		out = append(out, *sym)
	}
}

// ExportTrieIterator is a lazy, restartable-per-instance traversal over one
// ExportTrie. It owns a mutable explicit stack of (node, prefix, childIndex)
// frames and is not safe for concurrent use; each goroutine/thread that
// wants to iterate must call Iterate() to get its own instance.
type ExportTrieIterator struct {
	trie    *ExportTrie
	stack   []stackFrame
	started bool
	err     error
}

// Iterate returns a fresh lazy iterator positioned at the root.
func (t *ExportTrie) Iterate() *ExportTrieIterator {
	return &ExportTrieIterator{trie: t}
}

// Next returns the next terminal in depth-first order, or (nil, nil) once
// the traversal is exhausted, or (nil, err) on a decode error (after which
// further calls keep returning the same error).
func (it *ExportTrieIterator) Next() (*ExportSymbol, error) {
	if it.err != nil {
		return nil, it.err
	}
	if !it.started {
		it.started = true
		root, err := it.trie.decodeNode(0)
		if err != nil {
			it.err = err
			return nil, err
		}
		it.stack = append(it.stack, stackFrame{node: root, prefix: ""})
	}
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]

		if top.childIdx == 0 && top.node.HasTerminal {
			// Emit this node's terminal exactly once, the first time we
			// visit it, before walking into any children.
			top.childIdx = -1
			name := top.prefix
			if len(name) > maxSymbolNameLength {
				it.err = newError(ErrInvalidExportTrieFormat, nil, "symbol name length %d exceeds cap %d", len(name), maxSymbolNameLength)
				return nil, it.err
			}
			sym, err := parseTerminalPayload(top.node.Terminal, name)
			if err != nil {
				it.err = err
				return nil, err
			}
			return sym, nil
		}
		if top.childIdx == -1 {
			top.childIdx = 0
		}
		if top.childIdx >= len(top.node.Children) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		child := top.node.Children[top.childIdx]
		top.childIdx++
		childPrefix := top.prefix + child.Label
		if len(childPrefix) > maxSymbolNameLength {
			it.err = newError(ErrInvalidExportTrieFormat, nil, "symbol name length exceeds cap %d while descending into child at offset %d", maxSymbolNameLength, child.Offset)
			return nil, it.err
		}
		if len(it.stack) > maxSymbolNameLength+len(it.trie.data) {
			it.err = newError(ErrInvalidExportTrieFormat, nil, "trie depth exceeded bound, likely cyclic input")
			return nil, it.err
		}
		childNode, err := it.trie.decodeNode(child.Offset)
		if err != nil {
			it.err = err
			return nil, err
		}
		it.stack = append(it.stack, stackFrame{node: childNode, prefix: childPrefix})
	}
	return nil, nil
}
