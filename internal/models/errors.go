package models

import "errors"

// Error taxonomy shared by the client, store, engine, and command layers.
// Wrap with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrNetwork covers transport failures, timeouts, and non-2xx responses
	// from the market-data API.
	ErrNetwork = errors.New("network error")
	// ErrParse means the market-data API returned a body we could not decode.
	ErrParse = errors.New("parse error")
	// ErrValidation is bad command input: empty ticker, out-of-range threshold.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned for unknown markets and missing watch entries.
	ErrNotFound = errors.New("not found")
)
