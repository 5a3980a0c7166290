package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	idAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	IDLength    = 8
	TokenLength = 32
	maxRetries  = 5
)

var ErrIDCollision = errors.New("id collision after 5 retries")

// GenID returns a random alphanumeric identifier of IDLength characters.
// exists may be nil; otherwise candidates it reports as taken are redrawn.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < maxRetries; retry++ {
		id, err := gonanoid.Generate(idAlphabet, IDLength)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		if exists == nil {
			return id, nil
		}
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

// NewToken returns an opaque session token.
func NewToken() (string, error) {
	tok, err := gonanoid.Generate(idAlphabet, TokenLength)
	if err != nil {
		return "", errors.Wrap(err, "generate token")
	}
	return tok, nil
}
