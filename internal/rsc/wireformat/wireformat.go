// Package wireformat implements the Wire-Format Codec (C5): the
// line-oriented RSC row grammar, its typed-value string markers, and the
// Suspense-boundary/Promise linking pass. The parser and its marker table
// are ported directly from original_source's
// rsc/wire_format/parser.rs; the serializer is new (the source material
// never needed to re-emit rows it had not itself produced in-engine).
package wireformat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
)

// ElementKind tags the variant of an RscElement (spec §3's RscElement).
type ElementKind string

const (
	KindText      ElementKind = "Text"
	KindReference ElementKind = "Reference"
	KindComponent ElementKind = "Component"
	KindSuspense  ElementKind = "Suspense"
	KindPromise   ElementKind = "Promise"
)

// RscElement is a tagged union over the five row-payload shapes spec §3
// names. Only the fields relevant to Kind are populated.
type RscElement struct {
	Kind ElementKind

	// Text / Reference
	Text string

	// Component
	Tag   string
	Key   *string
	Props map[string]interface{}

	// Suspense
	FallbackRef string
	ChildrenRef string
	BoundaryID  string

	// Promise
	PromiseID string
}

// RscRow is spec §3's RscRow: a dense, per-render, monotonically
// increasing row id paired with its decoded payload.
type RscRow struct {
	RowID   uint32
	Payload RscElement
}

// SuspenseBoundary is spec §3's SuspenseBoundary data model entry.
type SuspenseBoundary struct {
	BoundaryID  string
	FallbackRef string
	ChildrenRef string
	HasPromise  bool
	PromiseIDs  []string
	RowID       uint32
}

// PromiseRef links a parsed Promise row back to its synthesized element
// reference, pending the boundary-linking pass.
type PromiseRef struct {
	PromiseID  string
	BoundaryID string
	ElementRef string
}

// Parser is stateless line-at-a-time per spec §4.5; a fresh instance per
// parse call is idiomatic and matches the Rust parser's construction
// (`RscWireFormatParser::new(text)` followed by a single `parse()`).
type Parser struct {
	elements map[uint32]RscElement
	order    []uint32
}

// NewParser constructs a parser over raw RSC wire text.
func NewParser() *Parser {
	return &Parser{elements: make(map[uint32]RscElement)}
}

// Parse decodes every non-empty line of text into a row, in file order.
func Parse(text string) ([]RscRow, error) {
	p := NewParser()
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		rowID, el, err := p.parseLine(line)
		if err != nil {
			return nil, err
		}
		if _, exists := p.elements[rowID]; !exists {
			p.order = append(p.order, rowID)
		}
		p.elements[rowID] = el
	}

	rows := make([]RscRow, 0, len(p.order))
	for _, id := range p.order {
		rows = append(rows, RscRow{RowID: id, Payload: p.elements[id]})
	}
	return rows, nil
}

func (p *Parser) parseLine(line string) (uint32, RscElement, error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return 0, RscElement{}, rarierrors.Serialization(fmt.Sprintf("invalid RSC line format: missing colon in %q", line))
	}
	idStr, dataStr := line[:colon], line[colon+1:]

	rowID64, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, RscElement{}, rarierrors.Serialization(fmt.Sprintf("invalid row id %q: %v", idStr, err))
	}
	rowID := uint32(rowID64)

	if strings.HasPrefix(dataStr, "I") {
		return rowID, RscElement{Kind: KindText, Text: ""}, nil
	}

	var jsonVal interface{}
	if err := json.Unmarshal([]byte(dataStr), &jsonVal); err != nil {
		return 0, RscElement{}, rarierrors.Serialization(fmt.Sprintf("invalid JSON in RSC line: %v", err))
	}

	el, err := parseJSONElement(jsonVal)
	if err != nil {
		return 0, RscElement{}, err
	}
	return rowID, el, nil
}

func parseJSONElement(value interface{}) (RscElement, error) {
	switch v := value.(type) {
	case string:
		return parseStringMarker(v), nil

	case []interface{}:
		if len(v) == 0 {
			return RscElement{}, rarierrors.Serialization("empty array in RSC element")
		}
		if marker, ok := v[0].(string); ok && marker == "$" {
			return parseReactElement(v)
		}
		raw, _ := json.Marshal(value)
		return RscElement{Kind: KindText, Text: string(raw)}, nil

	case float64:
		return RscElement{Kind: KindText, Text: formatNumber(v)}, nil

	case bool:
		return RscElement{Kind: KindText, Text: strconv.FormatBool(v)}, nil

	case nil:
		return RscElement{Kind: KindText, Text: ""}, nil

	case map[string]interface{}:
		raw, _ := json.Marshal(value)
		return RscElement{Kind: KindText, Text: string(raw)}, nil

	default:
		return RscElement{}, rarierrors.Serialization(fmt.Sprintf("unsupported RSC JSON value type %T", value))
	}
}

func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// parseStringMarker decodes spec §4.5's typed string markers.
func parseStringMarker(s string) RscElement {
	if !strings.HasPrefix(s, "$") {
		return RscElement{Kind: KindText, Text: s}
	}
	switch s {
	case "$undefined":
		return RscElement{Kind: KindText, Text: ""}
	case "$NaN":
		return RscElement{Kind: KindText, Text: "NaN"}
	case "$Infinity":
		return RscElement{Kind: KindText, Text: "Infinity"}
	case "$-Infinity":
		return RscElement{Kind: KindText, Text: "-Infinity"}
	case "$-0":
		return RscElement{Kind: KindText, Text: "-0"}
	}
	if date, ok := strings.CutPrefix(s, "$D"); ok {
		return RscElement{Kind: KindText, Text: fmt.Sprintf("Date(%s)", date)}
	}
	if bigint, ok := strings.CutPrefix(s, "$n"); ok {
		return RscElement{Kind: KindText, Text: bigint + "n"}
	}
	// $Q/$W/$K (Map/Set/FormData), $@ (Promise), $F (server fn), $T (temp),
	// $S (symbol), $Y (deferred), $i (iterator), $B (blob), and any other
	// bare $<id> form are all opaque references for this codec.
	return RscElement{Kind: KindReference, Text: s}
}

func parseReactElement(arr []interface{}) (RscElement, error) {
	if len(arr) < 4 {
		return RscElement{}, rarierrors.Serialization(fmt.Sprintf("invalid React element: expected 4 elements, got %d", len(arr)))
	}
	tag, ok := arr[1].(string)
	if !ok {
		return RscElement{}, rarierrors.Serialization("React element tag must be a string")
	}

	var key *string
	if k, ok := arr[2].(string); ok {
		key = &k
	}

	props := map[string]interface{}{}
	if obj, ok := arr[3].(map[string]interface{}); ok {
		props = obj
	}

	if tag == "Suspense" || tag == "react.suspense" {
		return parseSuspenseElement(key, props), nil
	}
	if tag == "Promise" || tag == "react.promise" {
		return parsePromiseElement(props), nil
	}
	return RscElement{Kind: KindComponent, Tag: tag, Key: key, Props: props}, nil
}

func parseSuspenseElement(key *string, props map[string]interface{}) RscElement {
	fallbackRef, _ := props["fallback"].(string)
	childrenRef, _ := props["children"].(string)

	boundaryID, _ := props["__boundary_id"].(string)
	if boundaryID == "" {
		boundaryID, _ = props["boundaryId"].(string)
	}
	if boundaryID == "" && key != nil {
		boundaryID = *key
	}
	if boundaryID == "" {
		boundaryID = fmt.Sprintf("boundary_%d", len(props))
	}

	return RscElement{
		Kind:        KindSuspense,
		FallbackRef: fallbackRef,
		ChildrenRef: childrenRef,
		BoundaryID:  boundaryID,
		Props:       props,
	}
}

func parsePromiseElement(props map[string]interface{}) RscElement {
	promiseID, _ := props["id"].(string)
	if promiseID == "" {
		promiseID = fmt.Sprintf("promise_%d", len(props))
	}
	return RscElement{Kind: KindPromise, PromiseID: promiseID, Props: props}
}

// FindSuspenseBoundaries extracts every Suspense row from a parsed set.
func FindSuspenseBoundaries(rows []RscRow) []SuspenseBoundary {
	var boundaries []SuspenseBoundary
	for _, row := range rows {
		if row.Payload.Kind != KindSuspense {
			continue
		}
		boundaries = append(boundaries, SuspenseBoundary{
			BoundaryID:  row.Payload.BoundaryID,
			FallbackRef: row.Payload.FallbackRef,
			ChildrenRef: row.Payload.ChildrenRef,
			RowID:       row.RowID,
		})
	}
	return boundaries
}

// FindPromises extracts every Promise row, synthesizing its $L<row_id> ref.
func FindPromises(rows []RscRow) []PromiseRef {
	var promises []PromiseRef
	for _, row := range rows {
		if row.Payload.Kind != KindPromise {
			continue
		}
		promises = append(promises, PromiseRef{
			PromiseID:  row.Payload.PromiseID,
			ElementRef: fmt.Sprintf("$L%d", row.RowID),
		})
	}
	return promises
}

// LinkPromisesToBoundaries matches each boundary's children_ref against a
// promise's synthetic element ref (spec §4.5's boundary/promise linking).
func LinkPromisesToBoundaries(boundaries []SuspenseBoundary, promises []PromiseRef) ([]SuspenseBoundary, []PromiseRef) {
	for i := range boundaries {
		for j := range promises {
			if boundaries[i].ChildrenRef == promises[j].ElementRef {
				promises[j].BoundaryID = boundaries[i].BoundaryID
				boundaries[i].HasPromise = true
				boundaries[i].PromiseIDs = append(boundaries[i].PromiseIDs, promises[j].PromiseID)
			}
		}
	}
	return boundaries, promises
}

// Serialize re-emits a row set as wire text, in row-id order, as the R1
// round-trip law uses it. Render (C4) does not call it: it joins the rows
// its in-engine serialiser produced.
func Serialize(rows []RscRow) (string, error) {
	sorted := make([]RscRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RowID < sorted[j].RowID })

	var b strings.Builder
	for _, row := range sorted {
		payload, err := serializeElement(row.Payload)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%d:%s\n", row.RowID, payload)
	}
	return b.String(), nil
}

func serializeElement(el RscElement) (string, error) {
	switch el.Kind {
	case KindText:
		raw, err := json.Marshal(el.Text)
		return string(raw), err

	case KindReference:
		raw, err := json.Marshal(el.Text)
		return string(raw), err

	case KindComponent:
		var keyVal interface{}
		if el.Key != nil {
			keyVal = *el.Key
		}
		raw, err := json.Marshal([]interface{}{"$", el.Tag, keyVal, el.Props})
		return string(raw), err

	case KindSuspense:
		props := el.Props
		if props == nil {
			props = map[string]interface{}{}
		}
		raw, err := json.Marshal([]interface{}{"$", "Suspense", nil, props})
		return string(raw), err

	case KindPromise:
		raw, err := json.Marshal([]interface{}{"$", "Promise", nil, map[string]interface{}{"id": el.PromiseID}})
		return string(raw), err

	default:
		return "", rarierrors.Serialization(fmt.Sprintf("unknown element kind %q", el.Kind))
	}
}
