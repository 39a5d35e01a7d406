// Package key implements the canonical Key codec shared by providers, the
// cache, and the fanout builder. A Key is an opaque, order-independent
// fingerprint of (providerID, type, params) that round-trips through
// Build/Parse up to param-name lowercasing and value percent-encoding.
package key

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key is the canonical string form "providerId:type:k1=v1;k2=v2;...".
// Defined as a distinct type so cache/fanout/inflight maps can't be
// accidentally indexed by an arbitrary string.
type Key string

// ErrMalformedKey is returned by Parse when the input has fewer than the
// three colon-delimited segments the codec requires.
var ErrMalformedKey = errors.New("key: malformed")

// Build produces the canonical Key for (providerID, typ, params). Param
// names are lowercased, values are trimmed then percent-encoded, and pairs
// are sorted ascending by name before joining.
func Build(providerID, typ string, params map[string]string) Key {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, strings.ToLower(k))
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		// Re-derive the original-cased lookup since we lowercased for sort.
		var raw string
		for k, v := range params {
			if strings.ToLower(k) == name {
				raw = v
				break
			}
		}
		value := url.QueryEscape(strings.TrimSpace(raw))
		pairs = append(pairs, name+"="+value)
	}

	return Key(fmt.Sprintf("%s:%s:%s", providerID, typ, strings.Join(pairs, ";")))
}

// Parse splits a Key back into its providerID, type, and decoded params.
// Fails with ErrMalformedKey if fewer than three colon-delimited segments
// are present.
func Parse(k Key) (providerID, typ string, params map[string]string, err error) {
	s := string(k)
	segments := strings.SplitN(s, ":", 3)
	if len(segments) < 3 {
		return "", "", nil, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}

	providerID, typ, rest := segments[0], segments[1], segments[2]
	if providerID == "" || typ == "" {
		return "", "", nil, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}

	params = make(map[string]string)
	if rest == "" {
		return providerID, typ, params, nil
	}

	for _, pair := range strings.Split(rest, ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return "", "", nil, fmt.Errorf("%w: bad param %q in %q", ErrMalformedKey, pair, s)
		}
		value, decodeErr := url.QueryUnescape(kv[1])
		if decodeErr != nil {
			return "", "", nil, fmt.Errorf("%w: %v", ErrMalformedKey, decodeErr)
		}
		params[kv[0]] = value
	}

	return providerID, typ, params, nil
}

// String implements fmt.Stringer for log-friendly printing.
func (k Key) String() string { return string(k) }
