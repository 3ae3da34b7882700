package storage

import (
	"crypto/rand"
	"strings"
)

// CodeLength is the length of a note's short code.
const CodeLength = 5

const codeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// codeByteLimit is the largest multiple of len(codeAlphabet) that fits in a
// byte. Bytes at or above it are redrawn so every symbol is equally likely.
const codeByteLimit = 256 - 256%len(codeAlphabet)

// RandomCode draws a short code uniformly from lowercase letters and digits.
func RandomCode() string {
	code := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(code) < CodeLength {
		_, _ = rand.Read(buf)
		for _, b := range buf {
			if int(b) >= codeByteLimit {
				continue
			}
			code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(code) == CodeLength {
				break
			}
		}
	}
	return string(code)
}

func isCodeConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: notes.code")
}
