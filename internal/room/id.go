package room

import (
	"crypto/rand"
	"fmt"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Largest multiple of len(idAlphabet) that fits in a byte; bytes at or above
// it are discarded so every character is equally likely.
const idRejectAbove = 256 - 256%len(idAlphabet)

// IDGenerator produces candidate room ids. The Registry re-draws on
// collision with a live room.
type IDGenerator func() (string, error)

// RandomIDGenerator returns an IDGenerator drawing length base-36 characters
// from crypto/rand.
//
// Precondition: length must be positive.
func RandomIDGenerator(length int) IDGenerator {
	return func() (string, error) {
		out := make([]byte, 0, length)
		buf := make([]byte, length)
		for len(out) < length {
			if _, err := rand.Read(buf); err != nil {
				return "", fmt.Errorf("reading random bytes: %w", err)
			}
			for _, b := range buf {
				if int(b) >= idRejectAbove {
					continue
				}
				out = append(out, idAlphabet[int(b)%len(idAlphabet)])
				if len(out) == length {
					break
				}
			}
		}
		return string(out), nil
	}
}
