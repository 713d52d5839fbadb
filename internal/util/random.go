// Package util provides utility functions for the DialScribe application.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand; these IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateNotificationID generates a unique notification ID with "n_" prefix.
func GenerateNotificationID() string {
	return GenerateRandomID("n_", 32)
}

// GenerateCallSID generates a synthetic call SID with "CA" prefix, matching
// the provider's SID shape. Used when registering calls placed outside the
// provider (tests, manual entries).
func GenerateCallSID() string {
	return GenerateRandomID("CA", 32)
}
