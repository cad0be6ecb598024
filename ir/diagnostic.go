package ir

import "fmt"

// Severity distinguishes a blocking error from an advisory warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ErrorKind is the stable error-kind taxonomy from SPEC_FULL.md section 7.
type ErrorKind string

const (
	ErrMetaVersionUnsupported  ErrorKind = "META_VERSION_UNSUPPORTED"
	ErrProviderDup             ErrorKind = "PROVIDER_DUP"
	ErrToolDup                 ErrorKind = "TOOL_DUP"
	ErrComponentDup            ErrorKind = "COMPONENT_DUP"
	ErrNodeDup                 ErrorKind = "NODE_DUP"
	ErrOutputKeyCollision      ErrorKind = "OUTPUT_KEY_COLLISION"
	ErrGraphEntryNotFound      ErrorKind = "GRAPH_ENTRY_NOT_FOUND"
	ErrEdgeEndpointInvalid     ErrorKind = "EDGE_ENDPOINT_INVALID"
	ErrComponentProviderNotFound ErrorKind = "COMPONENT_PROVIDER_NOT_FOUND"
	ErrComponentToolNotFound   ErrorKind = "COMPONENT_TOOL_NOT_FOUND"
	ErrNodeComponentNotFound   ErrorKind = "NODE_COMPONENT_NOT_FOUND"
)

// Diagnostic is one normalization finding: either a fatal error or an
// advisory warning, always carrying a json-pointer-like path to the
// offending field. Modeled directly on the reference graph-definition
// validator's Diagnostic{Code, Severity, Message, Path} shape.
type Diagnostic struct {
	Kind     ErrorKind
	Severity Severity
	Message  string
	Path     string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", d.Severity, d.Kind, d.Path, d.Message)
}

// Warning is an alias used where only non-fatal diagnostics are expected.
type Warning = Diagnostic

func warn(kind ErrorKind, path, format string, args ...any) Diagnostic {
	return Diagnostic{Kind: kind, Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)}
}

func fail(kind ErrorKind, path, format string, args ...any) Diagnostic {
	return Diagnostic{Kind: kind, Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Error is returned by Normalize when at least one fatal diagnostic is
// found. It carries the first fatal diagnostic's kind (for callers that
// branch on error kind) plus every diagnostic collected before the
// normalizer gave up, fatal or not.
type Error struct {
	Kind        ErrorKind
	Diagnostics []Diagnostic
}

func (e *Error) Error() string {
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			return d.String()
		}
	}
	return "normalization failed"
}

// newError builds an *Error from a fatal diagnostic plus whatever other
// diagnostics (fatal or advisory) had already been collected.
func newError(fatal Diagnostic, collected []Diagnostic) *Error {
	return &Error{Kind: fatal.Kind, Diagnostics: append(append([]Diagnostic{}, collected...), fatal)}
}
