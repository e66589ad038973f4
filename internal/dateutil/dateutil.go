// Package dateutil converts between RFC 3339 timestamps and the epoch
// seconds the pings table stores.
package dateutil

import (
	"fmt"
	"time"
)

// ParseRFC3339ToEpoch parses an RFC 3339 timestamp into Unix epoch seconds.
func ParseRFC3339ToEpoch(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("dateutil: parsing %q as RFC3339: %w", s, err)
	}
	return t.Unix(), nil
}

// EpochToRFC3339 formats Unix epoch seconds as an RFC 3339 UTC timestamp.
func EpochToRFC3339(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}
