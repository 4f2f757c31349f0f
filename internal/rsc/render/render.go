// Package render implements the RSC Renderer (C4): it composes a render
// script that invokes a registered component inside the engine, resolves
// async results, serialises the returned element tree into RSC wire rows,
// and reports the Suspense-boundary/pending-promise metadata the wire-format
// codec needs downstream.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/transform"
	"github.com/rari-build/rari/internal/rsc/wireformat"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
)

var callCounter uint64

// Result is spec §4.4's render contract:
// { rsc, boundaries, pendingPromises, metadata: { hasAsync, deferredCount } }.
type Result struct {
	RSC             string
	RootRef         string
	Boundaries      []wireformat.SuspenseBoundary
	PendingPromises []wireformat.PromiseRef
	HasAsync        bool
	DeferredCount   int
}

// scriptOutput is the shape the in-engine serialiser returns, JSON-decoded
// on the Go side before the wire text is handed to the wireformat parser.
type scriptOutput struct {
	Rows     []string `json:"rows"`
	RootRef  string   `json:"rootRef"`
	HasAsync bool     `json:"hasAsync"`
	Error    bool     `json:"error"`
	NotFound bool     `json:"notFound"`
	Message  string   `json:"message"`
}

// ToRSC implements render_to_rsc(component_id, props_json?): it runs the
// component synchronously to completion (awaiting any thenable result or
// nested async Server Component output) and returns the complete wire text.
func ToRSC(ctx context.Context, eng *engine.Engine, componentID, propsJSON string) (*Result, error) {
	return run(ctx, eng, componentID, propsJSON, "")
}

// ToRSCWithBoundary implements the synthesised-Suspense tie-break: an async
// component with a sibling loading.* collaborator is wrapped in a boundary
// whose id is "page_boundary_" + hash(component_path) (spec §4.4).
func ToRSCWithBoundary(ctx context.Context, eng *engine.Engine, componentID, componentPath, propsJSON string) (*Result, error) {
	boundaryID := "page_boundary_" + transform.HashComponentID(componentPath)
	return run(ctx, eng, componentID, propsJSON, boundaryID)
}

func run(ctx context.Context, eng *engine.Engine, componentID, propsJSON, syntheticBoundaryID string) (*Result, error) {
	if propsJSON == "" {
		propsJSON = "{}"
	}

	resultVar := fmt.Sprintf("__rari_render_%d_%d__", time.Now().UnixNano(), atomic.AddUint64(&callCounter, 1))

	kickoff := buildRenderScript(resultVar, componentID, propsJSON, syntheticBoundaryID)
	if _, err := eng.ExecuteScript(ctx, "render:"+componentID, kickoff); err != nil {
		return nil, err
	}

	raw, err := eng.ExecuteScript(ctx, "render:"+componentID+":fetch", fmt.Sprintf("globalThis[%q]", resultVar))
	if err != nil {
		return nil, err
	}

	text, ok := raw.(string)
	if !ok {
		return nil, rarierrors.Serialization(fmt.Sprintf("render of %s produced no result", componentID))
	}

	var out scriptOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, rarierrors.Serialization(fmt.Sprintf("render output for %s was not valid JSON: %v", componentID, err))
	}

	if out.Error {
		if out.NotFound {
			return nil, rarierrors.NotFound(fmt.Sprintf("component %q is not registered in the engine", componentID))
		}
		return nil, rarierrors.JsExecution(componentID, out.Message)
	}

	wireText := ""
	for _, row := range out.Rows {
		wireText += row + "\n"
	}

	rows, err := wireformat.Parse(wireText)
	if err != nil {
		return nil, err
	}

	boundaries := wireformat.FindSuspenseBoundaries(rows)
	promises := wireformat.FindPromises(rows)
	boundaries, promises = wireformat.LinkPromisesToBoundaries(boundaries, promises)

	return &Result{
		RSC:             wireText,
		RootRef:         out.RootRef,
		Boundaries:      boundaries,
		PendingPromises: promises,
		HasAsync:        out.HasAsync,
		DeferredCount:   len(promises),
	}, nil
}

// buildRenderScript composes the in-engine serialiser described by spec
// §4.4: depth-first, child-before-parent row assignment; a function tag is
// a nested Server Component and is invoked in place rather than emitted as
// its own row; a Suspense tag carries its boundary id forward; any other
// value is inlined into its parent's props.
func buildRenderScript(resultVar, componentID, propsJSON, syntheticBoundaryID string) string {
	return fmt.Sprintf(`(function() {
  var ROWS = [];
  var NEXT_ID = 0;

  function isElementTuple(v) {
    return Array.isArray(v) && v.length === 4 && v[0] === "$";
  }

  function pushRow(payload) {
    var id = NEXT_ID++;
    ROWS.push(id + ":" + JSON.stringify(payload));
    return "$L" + id;
  }

  async function resolveChild(value) {
    if (value && typeof value.then === "function") {
      value = await value;
    }
    if (Array.isArray(value) && !isElementTuple(value)) {
      var out = [];
      for (var i = 0; i < value.length; i++) {
        out.push(await resolveChild(value[i]));
      }
      return out;
    }
    if (isElementTuple(value)) {
      return await resolveElement(value);
    }
    if (value === undefined) {
      return null;
    }
    return value;
  }

  async function resolveElement(el) {
    var tag = el[1], key = el[2], props = el[3] || {};

    if (typeof tag === "function") {
      var out = tag(props);
      if (out && typeof out.then === "function") {
        out = await out;
      }
      return await resolveChild(out);
    }

    if (tag === "react.fragment" || tag === "Symbol(react.fragment)") {
      return await resolveChild(props.children);
    }

    var resolvedProps = {};
    for (var k in props) {
      if (!Object.prototype.hasOwnProperty.call(props, k)) continue;
      if (k === "children") {
        resolvedProps[k] = await resolveChild(props[k]);
      } else {
        resolvedProps[k] = props[k];
      }
    }

    if (tag === "Suspense") {
      var boundaryId = resolvedProps.__boundary_id || resolvedProps.boundaryId || ("boundary_" + NEXT_ID);
      resolvedProps.__boundary_id = boundaryId;
    }

    return pushRow(["$", tag, key === undefined ? null : key, resolvedProps]);
  }

  function errorResult(message, notFound) {
    globalThis[%q] = JSON.stringify({ error: true, notFound: !!notFound, message: String(message) });
  }

  (async function() {
    try {
      var Comp = globalThis[%q];
      if (typeof Comp !== "function") {
        errorResult("component is not registered", true);
        return;
      }
      var props = JSON.parse(%q);
      var out = Comp(props);
      var hasAsync = !!(out && typeof out.then === "function");
      if (hasAsync) {
        out = await out;
      }

      var rootRef;
      var boundaryId = %q;
      if (hasAsync && boundaryId) {
        var fallbackRef = pushRow(["$", "div", null, { children: "Loading..." }]);
        var childrenRef = await resolveChild(out);
        rootRef = pushRow(["$", "Suspense", null, { fallback: fallbackRef, children: childrenRef, __boundary_id: boundaryId }]);
      } else {
        rootRef = await resolveChild(out);
        if (!(typeof rootRef === "string" && rootRef.indexOf("$L") === 0)) {
          rootRef = pushRow(["$", "rari:root", null, { value: rootRef }]);
        }
      }

      globalThis[%q] = JSON.stringify({ rows: ROWS, rootRef: rootRef, hasAsync: hasAsync });
    } catch (e) {
      errorResult(e && e.message ? e.message : String(e), false);
    }
  })();
})();
`, resultVar, componentID, propsJSON, syntheticBoundaryID, resultVar)
}
