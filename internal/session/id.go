package session

import (
	"crypto/rand"
	"regexp"
)

// IDLength is the length of generated session ids.
const IDLength = 24

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var idPattern = regexp.MustCompile(`^[a-z0-9]{24}$`)

// NewID returns a random filesystem-safe id matching [a-z0-9]{24}.
func NewID() (string, error) {
	buf := make([]byte, IDLength)
	out := make([]byte, 0, IDLength)
	// Rejection sampling keeps the distribution uniform over the alphabet.
	limit := byte(256 - 256%len(idAlphabet))
	for len(out) < IDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == IDLength {
				break
			}
		}
	}
	return string(out), nil
}

// ValidID reports whether id is well-formed.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
