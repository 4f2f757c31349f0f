package htmlstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rari-build/rari/internal/rsc/wireformat"
)

func TestConvert_InitialShellRendersDivWithText(t *testing.T) {
	rows := map[uint32]wireformat.RscElement{
		0: {Kind: wireformat.KindComponent, Tag: "div", Props: map[string]interface{}{"children": "Hi"}},
	}
	c := New("", "")
	out, err := c.Convert(Chunk{RowID: 0, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)
	assert.Contains(t, out, "<!DOCTYPE html>")
	assert.Contains(t, out, "<div>Hi</div>")
	assert.Contains(t, out, `<div id="root">`)
}

func TestConvert_ShellOnlyEmittedOnce(t *testing.T) {
	rows := map[uint32]wireformat.RscElement{
		0: {Kind: wireformat.KindText, Text: "a"},
		1: {Kind: wireformat.KindText, Text: "b"},
	}
	c := New("", "")
	first, err := c.Convert(Chunk{RowID: 0, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)
	second, err := c.Convert(Chunk{RowID: 1, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)
	assert.Contains(t, first, "<!DOCTYPE html>")
	assert.NotContains(t, second, "<!DOCTYPE html>")
}

func TestConvert_ClassNameAndHtmlForMapped(t *testing.T) {
	rows := map[uint32]wireformat.RscElement{
		0: {Kind: wireformat.KindComponent, Tag: "label", Props: map[string]interface{}{"className": "field", "htmlFor": "name", "children": "Name"}},
	}
	c := New("", "")
	out, err := c.Convert(Chunk{RowID: 0, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)
	assert.Contains(t, out, `class="field"`)
	assert.Contains(t, out, `for="name"`)
}

func TestConvert_RowReferenceResolvedFromCache(t *testing.T) {
	rows := map[uint32]wireformat.RscElement{
		0: {Kind: wireformat.KindComponent, Tag: "span", Props: map[string]interface{}{"children": "leaf"}},
		1: {Kind: wireformat.KindComponent, Tag: "div", Props: map[string]interface{}{"children": "$L0"}},
	}
	c := New("", "")
	out, err := c.Convert(Chunk{RowID: 1, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)
	assert.Contains(t, out, "<span>leaf</span>")
}

func TestConvert_UnknownRowReferenceYieldsEmptyString(t *testing.T) {
	rows := map[uint32]wireformat.RscElement{
		0: {Kind: wireformat.KindComponent, Tag: "div", Props: map[string]interface{}{"children": "$L99"}},
	}
	c := New("", "")
	out, err := c.Convert(Chunk{RowID: 0, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)
	assert.Contains(t, out, "<div></div>")
}

func TestConvert_SuspenseEmitsTemplateMarkerOnce(t *testing.T) {
	rows := map[uint32]wireformat.RscElement{
		0: {Kind: wireformat.KindText, Text: "loading"},
		1: {Kind: wireformat.KindSuspense, FallbackRef: "$L0", ChildrenRef: "$L2", BoundaryID: "b1"},
	}
	c := New("", "")
	out, err := c.Convert(Chunk{RowID: 1, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)
	assert.Contains(t, out, `<template id="B:0">`)
	assert.Contains(t, out, "loading")

	again, err := c.RenderRow(rows, 1)
	require.NoError(t, err)
	assert.Equal(t, "", again)
}

func TestConvert_BoundaryUpdateEmitsPatchScript(t *testing.T) {
	rows := map[uint32]wireformat.RscElement{
		0: {Kind: wireformat.KindText, Text: "loading"},
		1: {Kind: wireformat.KindSuspense, FallbackRef: "$L0", ChildrenRef: "$L2", BoundaryID: "b1"},
		2: {Kind: wireformat.KindComponent, Tag: "p", Props: map[string]interface{}{"children": "ready"}},
	}
	c := New("", "")
	_, err := c.Convert(Chunk{RowID: 1, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)

	out, err := c.Convert(Chunk{Type: ChunkBoundaryUpdate, Data: []byte(`{"boundary_id":"b1","content":"$L2"}`)}, rows)
	require.NoError(t, err)
	assert.Contains(t, out, `id="S:0"`)
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, `$RC("B:0","S:0")`)
}

func TestConvert_BoundaryErrorEmitsErrorCard(t *testing.T) {
	c := New("", "")
	rows := map[uint32]wireformat.RscElement{
		0: {Kind: wireformat.KindSuspense, BoundaryID: "b1"},
	}
	_, err := c.Convert(Chunk{RowID: 0, Type: ChunkInitialShell}, rows)
	require.NoError(t, err)

	out, err := c.Convert(Chunk{Type: ChunkBoundaryError, Data: []byte(`{"boundary_id":"b1","error":"boom"}`)}, rows)
	require.NoError(t, err)
	assert.Contains(t, out, "rari-error-boundary")
	assert.Contains(t, out, "boom")
}

func TestConvert_StreamCompleteClosesDocumentAndEscapesScriptTags(t *testing.T) {
	c := New("", "")
	out, err := c.Convert(Chunk{Type: ChunkStreamComplete, Data: []byte(`{"payload":"\"</script><script>alert(1)</script>\""}`)}, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "</div>")
	assert.Contains(t, out, "__RARI_RSC_PAYLOAD__")
	assert.NotContains(t, out, "</script><script>alert(1)")
	assert.Contains(t, out, "streamComplete=true")
}
