// Package util provides small shared helpers for the StudyPipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// linkIDHexLength is the random suffix length of a log chain link id.
const linkIDHexLength = 12

// GenerateRandomHex generates a random hexadecimal string of the specified
// length, for non-cryptographic identifiers.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateLinkID generates a log chain link identifier. Link IDs carry the
// participant ID so a node can be attributed even when read in isolation.
func GenerateLinkID(participantID string) string {
	return participantID + "_" + GenerateRandomHex(linkIDHexLength)
}
