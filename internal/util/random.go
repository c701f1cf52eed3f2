package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID returns "{prefix}{hex}" with hexLength random hex characters.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// It is not suitable for secrets.
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

// RandomIndex returns a uniform index in [0, n). It returns 0 when n <= 0.
func RandomIndex(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.IntN(n)
}

// PickString returns one element of options chosen by choose, or "" when
// options is empty. A nil choose uses RandomIndex. Out-of-range indexes are
// wrapped into range.
func PickString(options []string, choose func(n int) int) string {
	if len(options) == 0 {
		return ""
	}
	if choose == nil {
		choose = RandomIndex
	}
	i := choose(len(options)) % len(options)
	if i < 0 {
		i += len(options)
	}
	return options[i]
}
