// Package signer computes HMAC content signatures for delivery requests.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// newHash returns the constructor for a supported digest name.
func newHash(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("signer: unsupported algorithm %q", algorithm)
	}
}

// Sign computes the HMAC of payload with secret and returns the lowercase hex
// digest, without the algorithm prefix.
func Sign(algorithm, secret string, payload []byte) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignatureHeader formats the X-Hub-Signature value: "<alg>=<hex>".
func SignatureHeader(algorithm, secret string, payload []byte) (string, error) {
	digest, err := Sign(algorithm, secret, payload)
	if err != nil {
		return "", err
	}
	return algorithm + "=" + digest, nil
}

// Digest computes the plain (non-HMAC) hash of payload as lowercase hex.
// The fetch path uses it for content change detection.
func Digest(algorithm string, payload []byte) (string, error) {
	newH, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	h := newH()
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether signature matches the HMAC of payload, in constant time.
func Verify(algorithm, secret string, payload []byte, signature string) (bool, error) {
	expected, err := Sign(algorithm, secret, payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}
