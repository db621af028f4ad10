// Package cos provides common low-level types and utilities shared by
// the VFS components.
/*
 * Adapted from cmn/cos/err.go: same "typed error struct + New*
 * constructor + Is* predicate" idiom, re-keyed to the error taxonomy
 * this service defines.
 */
package cos

import "fmt"

type (
	// ErrConfigInvalid covers a malformed mount providerExtra: a
	// missing/empty required field or a non-string endpoint.
	ErrConfigInvalid struct{ reason string }

	// ErrUnknownProviderType is returned by the registry when no
	// factory is registered for a mount's providerType.
	ErrUnknownProviderType struct{ providerType string }

	// ErrParentNotFound is returned by walkChildren/listChildren when
	// the given parent node id is unknown or soft-deleted.
	ErrParentNotFound struct{ parentNodeID string }

	// ErrMountConfigNotFound is returned when a node's mount-ext row
	// is absent.
	ErrMountConfigNotFound struct{ mountID string }

	// ErrMalformedCursor is returned by the cursor codec on any
	// decode failure.
	ErrMalformedCursor struct{ reason string }

	// ErrPathEscape is returned by the local provider when a resolved
	// sourceRef would land outside the mount root.
	ErrPathEscape struct{ sourceRef string }

	// ErrInvalidRange is returned when a read-stream offset/length
	// pair is out of bounds.
	ErrInvalidRange struct{ offset, length int64 }

	// ErrWhitelistViolation is returned by the remote provider when a
	// sourceRef is not on the safety whitelist.
	ErrWhitelistViolation struct{ sourceRef string }

	// ErrRemoteFetchFailed wraps a non-2xx/206 HTTP response.
	ErrRemoteFetchFailed struct {
		url    string
		status int
	}

	// ErrEmptyResponseBody is returned when a remote fetch succeeds
	// but returns no body.
	ErrEmptyResponseBody struct{ url string }

	// ErrIncompleteDownload is returned when a content stream closes
	// before the provider-reported size is reached.
	ErrIncompleteDownload struct {
		sourceRef string
		got, want int64
	}
)

func NewErrConfigInvalid(format string, a ...any) *ErrConfigInvalid {
	return &ErrConfigInvalid{fmt.Sprintf(format, a...)}
}
func (e *ErrConfigInvalid) Error() string { return "invalid provider config: " + e.reason }

func NewErrUnknownProviderType(pt string) *ErrUnknownProviderType {
	return &ErrUnknownProviderType{pt}
}
func (e *ErrUnknownProviderType) Error() string {
	return fmt.Sprintf("unknown provider type %q", e.providerType)
}

func NewErrParentNotFound(id string) *ErrParentNotFound { return &ErrParentNotFound{id} }
func (e *ErrParentNotFound) Error() string {
	return fmt.Sprintf("parent node %q not found", e.parentNodeID)
}

func NewErrMountConfigNotFound(mountID string) *ErrMountConfigNotFound {
	return &ErrMountConfigNotFound{mountID}
}
func (e *ErrMountConfigNotFound) Error() string {
	return fmt.Sprintf("mount config for %q not found", e.mountID)
}

func NewErrMalformedCursor(reason string) *ErrMalformedCursor { return &ErrMalformedCursor{reason} }
func (e *ErrMalformedCursor) Error() string                   { return "malformed cursor: " + e.reason }

func NewErrPathEscape(ref string) *ErrPathEscape { return &ErrPathEscape{ref} }
func (e *ErrPathEscape) Error() string {
	return fmt.Sprintf("sourceRef %q escapes the mount root", e.sourceRef)
}

func NewErrInvalidRange(offset, length int64) *ErrInvalidRange {
	return &ErrInvalidRange{offset, length}
}
func (e *ErrInvalidRange) Error() string {
	return fmt.Sprintf("invalid range: offset=%d length=%d", e.offset, e.length)
}

func NewErrWhitelistViolation(ref string) *ErrWhitelistViolation {
	return &ErrWhitelistViolation{ref}
}
func (e *ErrWhitelistViolation) Error() string {
	return fmt.Sprintf("sourceRef %q is not whitelisted", e.sourceRef)
}

func NewErrRemoteFetchFailed(url string, status int) *ErrRemoteFetchFailed {
	return &ErrRemoteFetchFailed{url, status}
}
func (e *ErrRemoteFetchFailed) Error() string {
	return fmt.Sprintf("remote fetch %s failed: status %d", e.url, e.status)
}

func NewErrEmptyResponseBody(url string) *ErrEmptyResponseBody { return &ErrEmptyResponseBody{url} }
func (e *ErrEmptyResponseBody) Error() string {
	return fmt.Sprintf("remote fetch %s returned an empty body", e.url)
}

func NewErrIncompleteDownload(ref string, got, want int64) *ErrIncompleteDownload {
	return &ErrIncompleteDownload{ref, got, want}
}
func (e *ErrIncompleteDownload) Error() string {
	return fmt.Sprintf("incomplete download of %q: got %d of %d bytes", e.sourceRef, e.got, e.want)
}

// Is* predicates, matching cos.IsErrNotFound's style.

func IsErrConfigInvalid(err error) bool       { _, ok := err.(*ErrConfigInvalid); return ok }
func IsErrUnknownProviderType(err error) bool { _, ok := err.(*ErrUnknownProviderType); return ok }
func IsErrParentNotFound(err error) bool      { _, ok := err.(*ErrParentNotFound); return ok }
func IsErrMountConfigNotFound(err error) bool { _, ok := err.(*ErrMountConfigNotFound); return ok }
func IsErrMalformedCursor(err error) bool     { _, ok := err.(*ErrMalformedCursor); return ok }
func IsErrPathEscape(err error) bool          { _, ok := err.(*ErrPathEscape); return ok }
func IsErrInvalidRange(err error) bool        { _, ok := err.(*ErrInvalidRange); return ok }
func IsErrWhitelistViolation(err error) bool  { _, ok := err.(*ErrWhitelistViolation); return ok }
func IsErrRemoteFetchFailed(err error) bool   { _, ok := err.(*ErrRemoteFetchFailed); return ok }
func IsErrEmptyResponseBody(err error) bool   { _, ok := err.(*ErrEmptyResponseBody); return ok }
func IsErrIncompleteDownload(err error) bool  { _, ok := err.(*ErrIncompleteDownload); return ok }
