package captureserver

import "errors"

var (
	// errReaderBusy is returned internally when a source's single
	// reader-thread CAS slot is already held; HTTP handlers turn it
	// into a no-op response rather than an error.
	errReaderBusy = errors.New("captureserver: reader slot already claimed")

	// ErrUnknownSource is returned by Start/Stats lookups for a cxadc
	// index the session has no device for.
	ErrUnknownSource = errors.New("captureserver: unknown source")

	// ErrNoSourcesRequested is returned by Start when neither a cxadc
	// source nor the linear source was named.
	ErrNoSourcesRequested = errors.New("captureserver: no sources requested")
)
