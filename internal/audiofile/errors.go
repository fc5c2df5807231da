package audiofile

import "errors"

var (
	// ErrUnavailable reports a stream that no configured source can serve.
	ErrUnavailable = errors.New("audiofile: stream unavailable")
	// ErrNoSource is returned when a Loader has neither channels nor CDN.
	ErrNoSource = errors.New("audiofile: no chunk source configured")
	// ErrUnknownSize reports a first chunk that arrived without a size.
	ErrUnknownSize = errors.New("audiofile: stream size unknown")
)
