package common

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a 26-char, time-sortable identifier.
func NewULID() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
