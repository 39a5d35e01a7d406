package providerreg

import "errors"

// Error kinds a Plugin.Fetch call (or the registry itself) can fail with,
// per spec.md §7. These live here rather than in internal/engine because
// internal/fetcher classifies provider-level failures and cannot import
// internal/engine without a cycle; internal/engine re-exports them for
// callers that only want to import the facade package.
var (
	// ErrUnknownProvider means a Key names a providerID with no registered Plugin.
	ErrUnknownProvider = errors.New("providerreg: unknown provider")

	// ErrUnsupportedType means a registered Plugin does not support a
	// subscription's type.
	ErrUnsupportedType = errors.New("providerreg: unsupported subscription type")

	// ErrProviderFetch wraps an unclassified Plugin.Fetch failure (upstream
	// timeout, non-2xx response, decode failure of the upstream payload).
	ErrProviderFetch = errors.New("providerreg: provider fetch failed")

	// ErrProviderConfig means a Plugin.Fetch failure stems from invalid
	// subscription configuration (bad stop id, missing required param)
	// rather than a transient upstream problem. Plugins that can tell the
	// two apart should return an error satisfying errors.Is(err,
	// ErrProviderConfig) from Fetch.
	ErrProviderConfig = errors.New("providerreg: provider config invalid")
)
