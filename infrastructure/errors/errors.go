// Package errors provides the single tagged error type used across the
// RSC execution core, with HTTP status mapping and a dev/prod-safe
// message projection.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the tagged error classification shared by every core component.
type Kind string

const (
	KindNotFound       Kind = "NotFound"
	KindValidation     Kind = "Validation"
	KindInternal       Kind = "Internal"
	KindBadRequest     Kind = "BadRequest"
	KindForbidden      Kind = "Forbidden"
	KindSerialization  Kind = "Serialization"
	KindDeserialization Kind = "Deserialization"
	KindState          Kind = "State"
	KindNetwork        Kind = "Network"
	KindTimeout        Kind = "Timeout"
	KindServerError    Kind = "ServerError"
	KindJsExecution    Kind = "JsExecution"
	KindJsRuntime      Kind = "JsRuntime"
	KindIoError        Kind = "IoError"
	KindModuleReload   Kind = "ModuleReload"
)

// ModuleReloadSubKind tags the specific failure within a ModuleReload error,
// mirroring original_source's ModuleReloadError enum variants.
type ModuleReloadSubKind string

const (
	ReloadSyntaxError          ModuleReloadSubKind = "SyntaxError"
	ReloadRuntimeError         ModuleReloadSubKind = "RuntimeError"
	ReloadTimeout              ModuleReloadSubKind = "Timeout"
	ReloadNotFound             ModuleReloadSubKind = "NotFound"
	ReloadMaxRetriesExceeded   ModuleReloadSubKind = "MaxRetriesExceeded"
	ReloadHelpersNotInitialized ModuleReloadSubKind = "HelpersNotInitialized"
	ReloadRuntimeNotAvailable ModuleReloadSubKind = "RuntimeNotAvailable"
	ReloadOther                ModuleReloadSubKind = "Other"
)

// RariError is the single tagged error type threaded through every
// component of the RSC execution core.
type RariError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	// SubKind is only meaningful when Kind == KindModuleReload.
	SubKind ModuleReloadSubKind
	Details map[string]string
	Err     error
}

func (e *RariError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *RariError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a metadata entry and returns the same error for chaining.
func (e *RariError) WithDetail(key, value string) *RariError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func httpStatusFor(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindBadRequest, KindDeserialization:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New constructs a RariError of the given kind with the default HTTP status for that kind.
func New(kind Kind, message string) *RariError {
	return &RariError{Kind: kind, Message: message, HTTPStatus: httpStatusFor(kind)}
}

// Wrap constructs a RariError of the given kind wrapping an existing error.
func Wrap(kind Kind, message string, err error) *RariError {
	return &RariError{Kind: kind, Message: message, HTTPStatus: httpStatusFor(kind), Err: err}
}

// ModuleReload builds a KindModuleReload error carrying the given sub-kind.
func ModuleReload(sub ModuleReloadSubKind, message, filePath string) *RariError {
	e := New(KindModuleReload, message)
	e.SubKind = sub
	if filePath != "" {
		e.WithDetail("file_path", filePath)
	}
	return e
}

// Convenience constructors mirroring spec §4.10's named kinds.

func NotFound(message string) *RariError      { return New(KindNotFound, message) }
func Validation(message string) *RariError    { return New(KindValidation, message) }
func Internal(message string, err error) *RariError {
	return Wrap(KindInternal, message, err)
}
func BadRequest(message string) *RariError { return New(KindBadRequest, message) }
func Forbidden(message string) *RariError  { return New(KindForbidden, message) }
func Serialization(message string) *RariError {
	return New(KindSerialization, message)
}
func Deserialization(message string, err error) *RariError {
	return Wrap(KindDeserialization, message, err)
}
func State(message string) *RariError   { return New(KindState, message) }
func Network(message string, err error) *RariError {
	return Wrap(KindNetwork, message, err)
}
func Timeout(message string) *RariError { return New(KindTimeout, message) }
func ServerError(message string, err error) *RariError {
	return Wrap(KindServerError, message, err)
}
func JsExecution(componentID, diagnostics string) *RariError {
	return New(KindJsExecution, fmt.Sprintf("%s: %s", componentID, diagnostics)).
		WithDetail("component_id", componentID)
}
func JsRuntime(message string, err error) *RariError {
	return Wrap(KindJsRuntime, message, err)
}
func IoError(message string, err error) *RariError {
	return Wrap(KindIoError, message, err)
}

// HeapExhausted marks the engine-fatal heap condition; it is a JsRuntime
// error carrying a detail flag the host checks before the next request.
func HeapExhausted(err error) *RariError {
	return JsRuntime("heap exhausted", err).WithDetail("heap_exhausted", "true")
}

// IsRariError reports whether err (or something it wraps) is a *RariError.
func IsRariError(err error) bool {
	var re *RariError
	return errors.As(err, &re)
}

// As extracts a *RariError from an error chain.
func As(err error) *RariError {
	var re *RariError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// GetHTTPStatus returns the mapped HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if re := As(err); re != nil {
		return re.HTTPStatus
	}
	return http.StatusInternalServerError
}

var safeMessages = map[Kind]string{
	KindNotFound:        "Not found",
	KindValidation:       "Validation failed",
	KindInternal:         "Internal server error",
	KindBadRequest:       "Bad request",
	KindForbidden:        "Forbidden",
	KindSerialization:    "Serialization error",
	KindDeserialization:  "Invalid request body",
	KindState:            "Internal server error",
	KindNetwork:          "Upstream network error",
	KindTimeout:          "Request timed out",
	KindServerError:      "Internal server error",
	KindJsExecution:      "Component execution failed",
	KindJsRuntime:        "Internal server error",
	KindIoError:          "Internal server error",
	KindModuleReload:     "Internal server error",
}

// SafeMessage projects an error to a client-visible message: the full
// message in development, a fixed per-kind phrase in production.
func SafeMessage(err error, isDevelopment bool) string {
	re := As(err)
	if re == nil {
		if isDevelopment {
			return err.Error()
		}
		return "Internal server error"
	}
	if isDevelopment {
		return re.Error()
	}
	if msg, ok := safeMessages[re.Kind]; ok {
		return msg
	}
	return "Internal server error"
}

// KindCode returns the stable string code used in the JSON error projection.
func KindCode(err error) string {
	if re := As(err); re != nil {
		if re.Kind == KindModuleReload && re.SubKind != "" {
			return string(re.Kind) + "." + string(re.SubKind)
		}
		return string(re.Kind)
	}
	return string(KindInternal)
}

// JSONProjection is the {error, code, status} body shape spec §4.10 names.
type JSONProjection struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status"`
}

// Project builds the safe JSON error projection for a response body.
func Project(err error, isDevelopment bool) JSONProjection {
	return JSONProjection{
		Error:  SafeMessage(err, isDevelopment),
		Code:   KindCode(err),
		Status: GetHTTPStatus(err),
	}
}
