package utils

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
)

// TextToMd5Hash returns the hex md5 of text, used for content archive keys
// and other stable short identifiers.
func TextToMd5Hash(text string) (string, error) {
	hasher := md5.New()
	if _, err := hasher.Write([]byte(text)); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// RandomToken returns a url safe random hex token of n bytes entropy.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
