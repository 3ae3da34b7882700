package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomCode(t *testing.T) {
	counts := map[rune]int{}
	const draws = 4000
	for range draws {
		code := RandomCode()
		assert.Len(t, code, CodeLength)
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q has symbol %q outside the alphabet", code, r)
			}
			counts[r]++
		}
	}

	// About 555 of each symbol.
	assert.Len(t, counts, len(codeAlphabet))
	for r, n := range counts {
		assert.Greater(t, n, 400, "symbol %q", r)
		assert.Less(t, n, 720, "symbol %q", r)
	}
}

func TestCodeByteLimit(t *testing.T) {
	assert.Equal(t, 252, codeByteLimit)
	assert.Zero(t, codeByteLimit%len(codeAlphabet))
}
