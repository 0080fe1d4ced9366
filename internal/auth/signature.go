// Package auth authenticates callers by Ethereum personal signatures.
//
// A signed request carries four headers:
//
//	X-Magic8-Address:   0x-prefixed address of the signer
//	X-Magic8-Timestamp: unix seconds when the request was signed
//	X-Magic8-Nonce:     8-64 characters of [A-Za-z0-9_-], fresh per request
//	X-Magic8-Signature: 65-byte hex signature (r || s || v)
//
// over the message
//
//	Magic8Ball|{METHOD}|{PATH}|{timestamp}|{nonce}|{keccak256(body) hex}
//
// hashed per EIP-191. Keys never reach the server. A nonce is accepted once
// per signer while its timestamp is inside the allowed window.
package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderAddress   = "X-Magic8-Address"
	HeaderTimestamp = "X-Magic8-Timestamp"
	HeaderNonce     = "X-Magic8-Nonce"
	HeaderSignature = "X-Magic8-Signature"
)

const (
	minNonceLen = 8
	maxNonceLen = 64
)

var (
	ErrMissingHeaders   = errors.New("auth: missing signature headers")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrAddressMismatch  = errors.New("auth: signature does not match address")
	ErrStaleTimestamp   = errors.New("auth: timestamp outside allowed window")
	ErrInvalidNonce     = errors.New("auth: nonce must be 8-64 characters of [A-Za-z0-9_-]")
	ErrReplayed         = errors.New("auth: request already seen")
	ErrReplayCacheFull  = errors.New("auth: too many requests in flight for replay protection")
)

// RequestMessage builds the message a client signs for a request.
func RequestMessage(method, path string, timestamp int64, nonce string, body []byte) string {
	return fmt.Sprintf("Magic8Ball|%s|%s|%d|%s|%s",
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(crypto.Keccak256(body)),
	)
}

// ValidNonce reports whether nonce is well formed. It cannot contain the
// message separator.
func ValidNonce(nonce string) bool {
	if len(nonce) < minNonceLen || len(nonce) > maxNonceLen {
		return false
	}
	for _, r := range nonce {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// NewNonce returns 32 random hex characters.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Sign produces a 0x-prefixed signature with v in {27, 28}, the form wallets emit.
func Sign(message string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress recovers the signer's address from a message and signature.
// Both v encodings (0/1 and 27/28) are accepted.
func RecoverAddress(message, signatureHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad hex: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignRequest sets the signature headers on req with a fresh nonce. body
// must be the exact bytes sent as the request body.
func SignRequest(req *http.Request, body []byte, key *ecdsa.PrivateKey, now time.Time) error {
	nonce, err := NewNonce()
	if err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	return SignRequestWithNonce(req, body, key, now, nonce)
}

// SignRequestWithNonce is SignRequest with a caller-chosen nonce.
func SignRequestWithNonce(req *http.Request, body []byte, key *ecdsa.PrivateKey, now time.Time, nonce string) error {
	if !ValidNonce(nonce) {
		return ErrInvalidNonce
	}
	ts := now.Unix()
	sig, err := Sign(RequestMessage(req.Method, req.URL.Path, ts, nonce, body), key)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, sig)
	return nil
}
