package market

import "errors"

// Typed errors surfaced by the data layer. Callers match with errors.Is;
// adapter transport failures are translated into these at the provider
// boundary and never escape raw.
var (
	// ErrProviderUnavailable means the adapter serving the symbol is not
	// Connected (disconnected, still connecting, or backing off).
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrNoData means no cached value exists and nothing could be fetched.
	ErrNoData = errors.New("no data available")

	// ErrRateLimited means the vendor is throttling; callers should back
	// off rather than retry immediately.
	ErrRateLimited = errors.New("rate limited by provider")
)
