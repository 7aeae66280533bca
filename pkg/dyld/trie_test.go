package dyld

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportTrieLookupSingleSymbol(t *testing.T) {
	data := []byte{
		0x00,                               // root: no terminal
		0x01,                               // root: 1 child
		'_', 'm', 'a', 'i', 'n', 0x00, 0x09, // edge "_main" -> offset 9
		0x02, 0x00, 0x10, // node@9: terminal size 2, flags=regular, offset=0x10
		0x00, // node@9: 0 children
	}
	trie := NewExportTrie(data)
	sym, err := trie.Lookup("_main")
	require.NoError(t, err)
	assert.True(t, sym.Flags.IsRegular())
	assert.EqualValues(t, 0x10, sym.Offset)
}

func TestExportTrieLookupMissingNameFails(t *testing.T) {
	data := []byte{
		0x00,
		0x01,
		'_', 'm', 'a', 'i', 'n', 0x00, 0x09,
		0x02, 0x00, 0x10,
		0x00,
	}
	trie := NewExportTrie(data)
	_, err := trie.Lookup("_missing")
	assert.ErrorIs(t, err, &Error{Kind: ErrSymbolNotFound})
}

func TestExportTrieReExportTerminal(t *testing.T) {
	payload := append([]byte{0x08, 0x02}, append([]byte("_imported"), 0x00)...)
	sym, err := parseTerminalPayload(payload, "_reexp")
	require.NoError(t, err)
	assert.True(t, sym.Flags.IsReExport())
	assert.EqualValues(t, 2, sym.ReExportDylibOrdinal)
	assert.Equal(t, "_imported", sym.ReExportImportedName)
}

func TestExportTrieReExportWithoutImportedName(t *testing.T) {
	payload := []byte{0x08, 0x03}
	sym, err := parseTerminalPayload(payload, "_reexp2")
	require.NoError(t, err)
	assert.True(t, sym.Flags.IsReExport())
	assert.EqualValues(t, 3, sym.ReExportDylibOrdinal)
	assert.Equal(t, "", sym.ReExportImportedName)
}

func TestExportTrieAllSymbolsMatchesLazyIterator(t *testing.T) {
	data := []byte{
		0x00,
		0x02,
		'_', 'm', 'a', 'i', 'n', 0x00, 0x11, // edge "_main" -> offset 17
		'_', 's', 't', 'a', 'r', 't', 0x00, 0x15, // edge "_start" -> offset 21
		0x02, 0x00, 0x10, // node@17 ("_main"): terminal, offset 0x10
		0x00,
		0x02, 0x00, 0x20, // node@21 ("_start"): terminal, offset 0x20
		0x00,
	}
	trie := NewExportTrie(data)

	all, err := trie.AllSymbols()
	require.NoError(t, err)

	it := trie.Iterate()
	var lazy []ExportSymbol
	for {
		sym, err := it.Next()
		require.NoError(t, err)
		if sym == nil {
			break
		}
		lazy = append(lazy, *sym)
	}

	byName := func(syms []ExportSymbol) map[string]ExportSymbol {
		m := make(map[string]ExportSymbol, len(syms))
		for _, s := range syms {
			m[s.Name] = s
		}
		return m
	}
	allByName, lazyByName := byName(all), byName(lazy)
	require.Len(t, allByName, 2)
	assert.Equal(t, allByName, lazyByName)

	for name := range allByName {
		found, err := trie.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, allByName[name], *found)
	}
}

func TestExportTrieAllSymbolsBestEffortSwallowsTrailingCorruption(t *testing.T) {
	data := []byte{
		0x00,
		0x02,
		'_', 'g', 'o', 'o', 'd', 0x00, 0x0F, // edge "_good" -> offset 15
		'_', 'b', 'a', 'd', 0x00, 0xFF, // edge "_bad" -> ULEB128 FF 02 = offset 383, past end of data (the 02 is also node@15's first byte)
		0x02, 0x00, 0x30, // node@15 ("_good"): terminal, offset 0x30
		0x00,
	}
	trie := NewExportTrie(data)
	syms := trie.AllSymbolsBestEffort()
	require.Len(t, syms, 1)
	assert.Equal(t, "_good", syms[0].Name)

	_, err := trie.AllSymbols()
	assert.Error(t, err)
}

func TestExportTrieLookupRejectsOversizedName(t *testing.T) {
	trie := NewExportTrie([]byte{0x00, 0x00})
	oversized := make([]byte, maxSymbolNameLength+1)
	for i := range oversized {
		oversized[i] = 'a'
	}
	_, err := trie.Lookup(string(oversized))
	assert.ErrorIs(t, err, &Error{Kind: ErrInvalidExportTrieFormat})
}

func TestExportFlagsStringCombinesNames(t *testing.T) {
	f := ExportFlagWeakDefinition | ExportFlagReExport
	s := f.String()
	assert.Contains(t, s, "regular")
	assert.Contains(t, s, "weakDef")
	assert.Contains(t, s, "reExport")
}
