package engine

import (
	"errors"

	"github.com/Commute-Live/Server-sub001/internal/providerreg"
)

// Error kinds of spec.md §7. Wrapped with %w by the call sites in engine.go
// and fetcher.go so callers can test with errors.Is. ErrUnknownProvider,
// ErrUnsupportedType, ErrProviderFetch, and ErrProviderConfig are defined in
// internal/providerreg (so internal/fetcher, which classifies Plugin.Fetch
// failures, can use them without importing this package) and re-exported
// here so facade callers only need this package.
var (
	ErrMalformedKey    = errors.New("engine: malformed key")
	ErrCacheStore      = errors.New("engine: cache store failed")
	ErrPublish         = errors.New("engine: publish failed")
	ErrUnknownProvider = providerreg.ErrUnknownProvider
	ErrUnsupportedType = providerreg.ErrUnsupportedType
	ErrProviderFetch   = providerreg.ErrProviderFetch
	ErrProviderConfig  = providerreg.ErrProviderConfig
)
