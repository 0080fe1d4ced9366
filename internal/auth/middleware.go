package auth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/magic8ball/internal/logging"
	"github.com/mbd888/magic8ball/internal/validation"
)

// ContextKeyAddr is the gin context key holding the authenticated address.
const ContextKeyAddr = "authAddr"

// DefaultMaxSkew bounds how far a request timestamp may drift from server time.
const DefaultMaxSkew = 5 * time.Minute

// Verifier checks signed requests.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
	replay  *replayGuard
}

// NewVerifier creates a verifier accepting timestamps within maxSkew. Each
// signer's nonce is accepted once.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{maxSkew: maxSkew, now: time.Now, replay: newReplayGuard(DefaultReplayCapacity)}
}

// Verify checks the signature headers of req against body, consumes the
// request's nonce and returns the signer's address (checksummed hex).
func (v *Verifier) Verify(req *http.Request, body []byte) (string, error) {
	addrHeader := req.Header.Get(HeaderAddress)
	tsHeader := req.Header.Get(HeaderTimestamp)
	nonce := req.Header.Get(HeaderNonce)
	sigHeader := req.Header.Get(HeaderSignature)
	if addrHeader == "" || tsHeader == "" || nonce == "" || sigHeader == "" {
		return "", ErrMissingHeaders
	}
	if !ValidNonce(nonce) {
		return "", ErrInvalidNonce
	}

	claimed, ok := validation.ParseAddress(addrHeader)
	if !ok {
		return "", fmt.Errorf("%w: malformed address", ErrAddressMismatch)
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: malformed timestamp", ErrStaleTimestamp)
	}
	now := v.now()
	signedAt := time.Unix(ts, 0)
	if skew := now.Sub(signedAt); skew > v.maxSkew || skew < -v.maxSkew {
		return "", ErrStaleTimestamp
	}

	recovered, err := RecoverAddress(RequestMessage(req.Method, req.URL.Path, ts, nonce, body), sigHeader)
	if err != nil {
		return "", err
	}
	if recovered != claimed {
		return "", ErrAddressMismatch
	}

	// Nonces are claimed per signer and only after the signature checks out.
	expires := signedAt.Add(v.maxSkew + time.Second)
	if err := v.replay.claim(recovered.Hex()+"|"+nonce, expires, now); err != nil {
		return "", err
	}
	return recovered.Hex(), nil
}

// Middleware authenticates signed requests and rejects everything else.
// The request body is restored for downstream handlers.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Failed to read request body",
				})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		addr, err := v.Verify(c.Request, body)
		if errors.Is(err, ErrReplayCacheFull) {
			logging.L(c.Request.Context()).Warn("replay guard full", "path", c.Request.URL.Path)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "auth_unavailable",
				"message": err.Error(),
			})
			return
		}
		if err != nil {
			logging.L(c.Request.Context()).Debug("signature rejected", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   errorCode(err),
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyAddr, addr)
		c.Next()
	}
}

// GetAuthenticatedAddress returns the authenticated caller's address.
func GetAuthenticatedAddress(c *gin.Context) string {
	return c.GetString(ContextKeyAddr)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingHeaders):
		return "unauthenticated"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrInvalidNonce):
		return "invalid_nonce"
	case errors.Is(err, ErrReplayed):
		return "replayed_request"
	default:
		return "invalid_signature"
	}
}
