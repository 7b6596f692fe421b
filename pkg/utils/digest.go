package utils

import (
	"crypto/md5" //nolint:gosec // file naming only, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	cerrors "github.com/objectfs/blobcache/pkg/errors"
)

// Digest algorithms understood by NewContentAddresser.
const (
	DigestMD5       = "md5"
	DigestSHA256128 = "sha256-128"
)

// DigestSize is the length in bytes of every digest produced by a ContentAddresser.
const DigestSize = 16

// ContentAddresser turns opaque cache keys into fixed-length digests used to
// build collision-free, path-safe file names.
//
// Each call starts from a fresh hash state, so one ContentAddresser may be
// shared by any number of goroutines.
type ContentAddresser struct {
	algorithm string
	newHash   func() hash.Hash
}

// NewContentAddresser resolves the named digest algorithm. An empty name selects md5.
// An unknown name is a configuration error: nothing can be stored without file names.
func NewContentAddresser(algorithm string) (*ContentAddresser, error) {
	name := strings.ToLower(strings.TrimSpace(algorithm))
	if name == "" {
		name = DigestMD5
	}

	var newHash func() hash.Hash
	switch name {
	case DigestMD5:
		newHash = md5.New
	case DigestSHA256128:
		newHash = sha256.New
	default:
		return nil, cerrors.New(cerrors.ErrCodeInvalidConfig,
			fmt.Sprintf("unsupported digest algorithm %q", algorithm)).
			WithComponent("digest")
	}

	return &ContentAddresser{algorithm: name, newHash: newHash}, nil
}

// Algorithm returns the resolved algorithm name.
func (a *ContentAddresser) Algorithm() string {
	return a.algorithm
}

// Digest returns the DigestSize-byte digest of b.
func (a *ContentAddresser) Digest(b []byte) []byte {
	h := a.newHash()
	h.Write(b)
	sum := h.Sum(make([]byte, 0, h.Size()))
	return sum[:DigestSize]
}

// HexDigest returns the lowercase hex digest of key.
func (a *ContentAddresser) HexDigest(key string) string {
	return hex.EncodeToString(a.Digest([]byte(key)))
}
