// Package htmlstream implements the Streaming HTML Converter (C6): it
// consumes an ordered chunk stream describing shell/boundary/closing events
// and a row cache of already-decoded RSC elements, and emits the
// corresponding HTML bytes, including the `$RC` boundary-patching script
// spec §4.6 describes.
package htmlstream

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
	"github.com/rari-build/rari/internal/rsc/wireformat"
)

// ChunkType is one of the five stream events C6's contract names.
type ChunkType string

const (
	ChunkModuleImport   ChunkType = "ModuleImport"
	ChunkInitialShell   ChunkType = "InitialShell"
	ChunkBoundaryUpdate ChunkType = "BoundaryUpdate"
	ChunkBoundaryError  ChunkType = "BoundaryError"
	ChunkStreamComplete ChunkType = "StreamComplete"
)

// Chunk is one unit of the ordered input stream.
type Chunk struct {
	RowID uint32
	Type  ChunkType
	Data  []byte
}

// defaultShellTemplate is spec §4.6's shell; %s is the asset-link slot.
const defaultShellTemplate = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>Rari App</title>%s</head><body><div id="root">`

// rcScript is the `$RC` DOM-patching helper, defined once per document and
// then invoked per boundary patch. It moves the staging div's children into
// place ahead of the boundary's template marker comment and discards both.
const rcScript = `$RC=window.$RC||function(b,c){var d=document.getElementById(b),e=document.getElementById(c);if(!d||!e)return;var f=d.previousSibling;e.parentNode.removeChild(e);if(f&&f.parentNode){while(e.firstChild){f.parentNode.insertBefore(e.firstChild,d);}}if(d.parentNode){d.parentNode.removeChild(d);}};`

// Converter holds the per-render-pass state C6's contract requires: a row
// cache (row_id -> rendered HTML) and the internal-boundary-id -> React-id
// ("B:<n>") map, populated lazily on first Suspense emission.
type Converter struct {
	rowCache     map[uint32]string
	boundaryIDs  map[string]string
	nextBoundary int
	shellEmitted bool
	shell        string
	assetLinks   string
}

// New constructs a converter. An empty shell falls back to the default
// shell template; assetLinks is spliced verbatim into its <head>.
func New(shell, assetLinks string) *Converter {
	return &Converter{
		rowCache:    make(map[uint32]string),
		boundaryIDs: make(map[string]string),
		shell:       shell,
		assetLinks:  assetLinks,
	}
}

// Convert renders one chunk of the stream to HTML, given the full decoded
// row set the chunk (and any rows it transitively references) draws from.
func (c *Converter) Convert(chunk Chunk, rows map[uint32]wireformat.RscElement) (string, error) {
	switch chunk.Type {
	case ChunkModuleImport:
		// Opaque to the client's DOM; nothing to render.
		return "", nil
	case ChunkInitialShell:
		return c.emitShell(chunk.RowID, rows)
	case ChunkBoundaryUpdate:
		return c.emitBoundaryUpdate(chunk.Data, rows)
	case ChunkBoundaryError:
		return c.emitBoundaryError(chunk.Data)
	case ChunkStreamComplete:
		return c.emitClosing(chunk.Data)
	default:
		return "", rarierrors.Serialization(fmt.Sprintf("unknown chunk type %q", chunk.Type))
	}
}

func (c *Converter) emitShell(rowID uint32, rows map[uint32]wireformat.RscElement) (string, error) {
	var b strings.Builder
	if !c.shellEmitted {
		shell := c.shell
		if shell == "" {
			shell = fmt.Sprintf(defaultShellTemplate, c.assetLinks)
		}
		b.WriteString(shell)
		c.shellEmitted = true
	}
	body, err := c.RenderRow(rows, rowID)
	if err != nil {
		return "", err
	}
	b.WriteString(body)
	return b.String(), nil
}

// RenderRow renders row id, memoizing the result. Rows whose own content is
// itself an unresolved reference at the time of first lookup resolve via
// this same cache on a later call; a missing row yields an empty string.
func (c *Converter) RenderRow(rows map[uint32]wireformat.RscElement, id uint32) (string, error) {
	if rendered, ok := c.rowCache[id]; ok {
		return rendered, nil
	}
	el, ok := rows[id]
	if !ok {
		return "", nil
	}
	rendered, err := c.renderElement(rows, el)
	if err != nil {
		return "", err
	}
	if el.Kind != wireformat.KindSuspense {
		c.rowCache[id] = rendered
	}
	return rendered, nil
}

func (c *Converter) renderElement(rows map[uint32]wireformat.RscElement, el wireformat.RscElement) (string, error) {
	switch el.Kind {
	case wireformat.KindText:
		return html.EscapeString(el.Text), nil
	case wireformat.KindReference:
		return c.renderChildValue(rows, el.Text)
	case wireformat.KindComponent:
		return c.renderComponentElement(rows, el)
	case wireformat.KindSuspense:
		return c.renderSuspenseElement(rows, el)
	case wireformat.KindPromise:
		// Still pending; the client resolves it once a BoundaryUpdate
		// chunk arrives for the enclosing boundary.
		return "", nil
	default:
		return "", nil
	}
}

func (c *Converter) renderComponentElement(rows map[uint32]wireformat.RscElement, el wireformat.RscElement) (string, error) {
	attrs, children := splitProps(el.Props)

	var attrBuf strings.Builder
	for _, k := range sortedKeys(attrs) {
		name := mapAttrName(k)
		if name == "" {
			continue
		}
		switch v := attrs[k].(type) {
		case bool:
			if v {
				attrBuf.WriteString(" " + name)
			}
		case nil:
			// omit
		default:
			fmt.Fprintf(&attrBuf, ` %s="%s"`, name, html.EscapeString(fmt.Sprint(v)))
		}
	}

	childHTML, err := c.renderChildValue(rows, children)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("<%s%s>%s</%s>", el.Tag, attrBuf.String(), childHTML, el.Tag), nil
}

func (c *Converter) renderSuspenseElement(rows map[uint32]wireformat.RscElement, el wireformat.RscElement) (string, error) {
	if _, seen := c.boundaryIDs[el.BoundaryID]; seen {
		return "", nil
	}
	reactID := fmt.Sprintf("B:%d", c.nextBoundary)
	c.nextBoundary++
	c.boundaryIDs[el.BoundaryID] = reactID

	fallbackHTML, err := c.renderChildValue(rows, el.FallbackRef)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!--$?--><template id=%q></template>%s<!--/$-->`, reactID, fallbackHTML), nil
}

// renderChildValue renders a props value that may be a literal scalar, a
// "$L<n>" row reference, or an array mixing both.
func (c *Converter) renderChildValue(rows map[uint32]wireformat.RscElement, v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		if id, ok := parseRowRef(val); ok {
			return c.RenderRow(rows, id)
		}
		return html.EscapeString(val), nil
	case []interface{}:
		var b strings.Builder
		for _, item := range val {
			rendered, err := c.renderChildValue(rows, item)
			if err != nil {
				return "", err
			}
			b.WriteString(rendered)
		}
		return b.String(), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return "", nil
	}
}

func parseRowRef(s string) (uint32, bool) {
	rest, ok := strings.CutPrefix(s, "$L")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func splitProps(props map[string]interface{}) (attrs map[string]interface{}, children interface{}) {
	attrs = make(map[string]interface{}, len(props))
	for k, v := range props {
		if k == "children" || strings.HasPrefix(k, "__") {
			continue
		}
		attrs[k] = v
	}
	return attrs, props["children"]
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mapAttrName(name string) string {
	switch name {
	case "className":
		return "class"
	case "htmlFor":
		return "for"
	}
	if strings.HasPrefix(name, "on") && len(name) > 2 {
		// Event handlers can't run server-side; nothing to render.
		return ""
	}
	return name
}

type boundaryUpdatePayload struct {
	BoundaryID string `json:"boundary_id"`
	Content    string `json:"content"`
}

func (c *Converter) emitBoundaryUpdate(data []byte, rows map[uint32]wireformat.RscElement) (string, error) {
	var payload boundaryUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", rarierrors.Deserialization(fmt.Sprintf("invalid boundary update payload: %v", err))
	}
	reactID, ok := c.boundaryIDs[payload.BoundaryID]
	if !ok {
		return "", nil
	}
	contentHTML, err := c.renderChildValue(rows, payload.Content)
	if err != nil {
		return "", err
	}
	stagingID := "S:" + strings.TrimPrefix(reactID, "B:")
	return fmt.Sprintf(`<div hidden id=%q>%s</div><script>%s$RC(%q,%q);</script>`,
		stagingID, contentHTML, rcScript, reactID, stagingID), nil
}

type boundaryErrorPayload struct {
	BoundaryID string `json:"boundary_id"`
	Error      string `json:"error"`
}

func (c *Converter) emitBoundaryError(data []byte) (string, error) {
	var payload boundaryErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", rarierrors.Deserialization(fmt.Sprintf("invalid boundary error payload: %v", err))
	}
	reactID, ok := c.boundaryIDs[payload.BoundaryID]
	if !ok {
		return "", nil
	}
	stagingID := "S:" + strings.TrimPrefix(reactID, "B:")
	errorCard := fmt.Sprintf(`<div class="rari-error-boundary">Something went wrong: %s</div>`, html.EscapeString(payload.Error))
	return fmt.Sprintf(`<div hidden id=%q>%s</div><script>%s$RC(%q,%q);</script>`,
		stagingID, errorCard, rcScript, reactID, stagingID), nil
}

type streamCompletePayload struct {
	Payload  json.RawMessage `json:"payload,omitempty"`
	Manifest string          `json:"manifest,omitempty"`
}

func (c *Converter) emitClosing(data []byte) (string, error) {
	var b strings.Builder
	b.WriteString("</div>")

	if len(data) > 0 {
		var payload streamCompletePayload
		if err := json.Unmarshal(data, &payload); err == nil {
			if len(payload.Payload) > 0 {
				safe := strings.ReplaceAll(string(payload.Payload), "</script>", `<\/script>`)
				fmt.Fprintf(&b, `<script id="__RARI_RSC_PAYLOAD__" type="application/json">%s</script>`, safe)
			}
			if payload.Manifest != "" {
				safeManifest := strings.ReplaceAll(payload.Manifest, "</script>", `<\/script>`)
				fmt.Fprintf(&b, `<script>%s</script>`, safeManifest)
			}
		}
	}

	b.WriteString(`<script>window['~rari']=window['~rari']||{};window['~rari'].streamComplete=true;</script>`)
	b.WriteString("</body></html>")
	return b.String(), nil
}
