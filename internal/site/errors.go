package site

import "errors"

// Discovery and tracking error taxonomy. These are surfaced to the caller
// for user messaging; refresh-path failures are contained and never reach
// the manager as errors.
var (
	// ErrDomain indicates the host could not be reached at all.
	ErrDomain = errors.New("site: couldn't reach this domain, check your URL")
	// ErrBadApi indicates the forum runs an unsupported or outdated API.
	ErrBadApi = errors.New("site: this forum is using an outdated server version")
	// ErrDupeSite indicates the site is already tracked.
	ErrDupeSite = errors.New("site: this site is already tracked")
	// ErrInvalidSite indicates the site could not be added.
	ErrInvalidSite = errors.New("site: couldn't add this site")
	// ErrUnknown covers failures with no better classification.
	ErrUnknown = errors.New("site: unknown error")
)
