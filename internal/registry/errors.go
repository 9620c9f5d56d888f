package registry

import (
	"errors"
	"fmt"
)

// ErrManifestNotFound indicates the registry has no manifest for the
// requested reference. This is an expected outcome (a tag may be deleted
// between listing and fetch) and is never retried.
var ErrManifestNotFound = errors.New("manifest not found")

// AuthError indicates the registry or token endpoint rejected our
// credentials. It is the only error class that aborts a whole run.
type AuthError struct {
	Scope  string
	Reason string
}

func (e *AuthError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("registry authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("registry authentication failed for scope %q: %s", e.Scope, e.Reason)
}

// transientError marks failures worth retrying: network errors, timeouts
// and 5xx responses.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// httpError carries a non-2xx status that is neither auth- nor
// retry-related.
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry returned status %d", e.Status)
	}
	return fmt.Sprintf("registry returned status %d: %s", e.Status, e.Body)
}
