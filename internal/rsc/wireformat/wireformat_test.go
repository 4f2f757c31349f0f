package wireformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SimpleComponentRow(t *testing.T) {
	rows, err := Parse(`0:["$","div",null,{"children":"Hi"}]`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, KindComponent, rows[0].Payload.Kind)
	assert.Equal(t, "div", rows[0].Payload.Tag)
	assert.Equal(t, "Hi", rows[0].Payload.Props["children"])
}

func TestParse_DateMarker(t *testing.T) {
	// E5: parse 0:"$D2025-12-09T18:00:00.000Z" -> Text("Date(...)")
	rows, err := Parse(`0:"$D2025-12-09T18:00:00.000Z"`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, KindText, rows[0].Payload.Kind)
	assert.Equal(t, "Date(2025-12-09T18:00:00.000Z)", rows[0].Payload.Text)
}

func TestParse_UndefinedMarker(t *testing.T) {
	rows, err := Parse(`0:"$undefined"`)
	require.NoError(t, err)
	assert.Equal(t, "", rows[0].Payload.Text)
}

func TestParse_SpecialScalars(t *testing.T) {
	cases := map[string]string{
		`0:"$NaN"`:       "NaN",
		`0:"$Infinity"`:  "Infinity",
		`0:"$-Infinity"`: "-Infinity",
		`0:"$-0"`:        "-0",
	}
	for line, want := range cases {
		rows, err := Parse(line)
		require.NoError(t, err)
		assert.Equal(t, want, rows[0].Payload.Text, line)
	}
}

func TestParse_BigIntMarker(t *testing.T) {
	rows, err := Parse(`0:"$n12345678901234567890"`)
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890n", rows[0].Payload.Text)
}

func TestParse_ReferenceMarkers(t *testing.T) {
	for _, marker := range []string{"$L3", "$Q1", "$W1", "$K1", "$@1", "$F1", "$T1", "$S1", "$Y1", "$i1", "$B1"} {
		rows, err := Parse("0:" + `"` + marker + `"`)
		require.NoError(t, err)
		assert.Equal(t, KindReference, rows[0].Payload.Kind, marker)
		assert.Equal(t, marker, rows[0].Payload.Text)
	}
}

func TestParse_ImportDescriptorYieldsEmptyText(t *testing.T) {
	rows, err := Parse(`0:I{"moduleId":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, KindText, rows[0].Payload.Kind)
	assert.Equal(t, "", rows[0].Payload.Text)
}

func TestParse_SuspenseElement(t *testing.T) {
	rows, err := Parse(`1:["$","Suspense",null,{"fallback":"$L2","children":"$L3","__boundary_id":"b1"}]`)
	require.NoError(t, err)
	el := rows[0].Payload
	assert.Equal(t, KindSuspense, el.Kind)
	assert.Equal(t, "$L2", el.FallbackRef)
	assert.Equal(t, "$L3", el.ChildrenRef)
	assert.Equal(t, "b1", el.BoundaryID)
}

func TestLinkPromisesToBoundaries(t *testing.T) {
	rows, err := Parse(`1:["$","Suspense",null,{"fallback":"$L2","children":"$L3","__boundary_id":"b1"}]` + "\n" + `3:["$","Promise",null,{"id":"p1"}]`)
	require.NoError(t, err)

	boundaries := FindSuspenseBoundaries(rows)
	promises := FindPromises(rows)
	boundaries, promises = LinkPromisesToBoundaries(boundaries, promises)

	require.Len(t, boundaries, 1)
	assert.True(t, boundaries[0].HasPromise)
	assert.Equal(t, []string{"p1"}, boundaries[0].PromiseIDs)
	require.Len(t, promises, 1)
	assert.Equal(t, "b1", promises[0].BoundaryID)
}

func TestRoundTrip_ParseSerializeParse(t *testing.T) {
	original := []RscRow{
		{RowID: 0, Payload: RscElement{Kind: KindComponent, Tag: "div", Props: map[string]interface{}{"children": "Hi"}}},
		{RowID: 1, Payload: RscElement{Kind: KindReference, Text: "$L2"}},
		{RowID: 2, Payload: RscElement{Kind: KindText, Text: "leaf"}},
	}

	serialized, err := Serialize(original)
	require.NoError(t, err)

	reparsed, err := Parse(serialized)
	require.NoError(t, err)

	require.Len(t, reparsed, len(original))
	for i := range original {
		assert.Equal(t, original[i].RowID, reparsed[i].RowID)
		assert.Equal(t, original[i].Payload.Kind, reparsed[i].Payload.Kind)
	}
}

func TestParse_MissingColonIsSerializationError(t *testing.T) {
	_, err := Parse(`garbage line`)
	require.Error(t, err)
}

func TestParse_EmptyLinesIgnored(t *testing.T) {
	rows, err := Parse("\n0:\"hi\"\n\n")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
