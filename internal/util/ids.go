package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const publicIDLength = 16

// NewPublicID returns a new url-safe public identifier.
func NewPublicID() (string, error) {
	return gonanoid.New(publicIDLength)
}

// MustPublicID returns a new public identifier or panics.
// Only for use in tests and non-recoverable init paths.
func MustPublicID() string {
	id, err := gonanoid.New(publicIDLength)
	if err != nil {
		panic(err)
	}
	return id
}
