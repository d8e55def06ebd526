package extract

import (
	"regexp"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var addressPattern = regexp.MustCompile(`(?:^|[^0-9A-Za-z])(0x[0-9a-fA-F]{40})(?:[^0-9A-Za-z]|$)`)

// Destination returns the first 0x-prefixed 40 hex digit account address in
// purpose.
func Destination(purpose string) fn.Option[string] {
	m := addressPattern.FindStringSubmatch(purpose)
	if m == nil {
		return fn.None[string]()
	}
	return fn.Some(m[1])
}
