// Package logfields encodes which message sections get logged as a compact
// bitmask. The administrative spec is a comma-separated list of section
// names, or the literals "all" and "none".
package logfields

import (
	"math"
	"strings"
)

// Bits is a bitmask over the known message sections. Bit i corresponds to
// componentNames[i].
type Bits int32

// componentNames is the fixed, ordered list of loggable message sections.
// The order is part of the on-disk meaning of a stored bitmask and must not
// change.
var componentNames = []string{
	"message-id",
	"user-id",
	"to",
	"subject",
	"reply-to",
	"correlation-id",
	"content-type",
	"content-encoding",
	"absolute-expiry-time",
	"creation-time",
	"group-id",
	"group-sequence",
	"reply-to-group-id",
	"app-properties",
}

const (
	specAll  = "all"
	specNone = "none"
)

// Encode turns a logMessage spec into a bitmask. An empty spec or "none"
// yields 0, "all" sets every bit. Unrecognized section names are skipped
// silently.
func Encode(spec string) Bits {
	if spec == "" || spec == specNone {
		return 0
	}
	if spec == specAll {
		return Bits(math.MaxInt32)
	}

	var bits Bits
	for _, token := range strings.Split(spec, ",") {
		for i, name := range componentNames {
			if token == name {
				bits |= 1 << i
			}
		}
	}
	return bits
}

// Enabled reports whether the named section is set in the bitmask.
// Unknown names are always disabled.
func (b Bits) Enabled(name string) bool {
	for i, known := range componentNames {
		if name == known {
			return b>>i&1 == 1
		}
	}
	return false
}

// ComponentNames returns a copy of the known section names in bit order.
func ComponentNames() []string {
	return append([]string(nil), componentNames...)
}
