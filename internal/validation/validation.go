// Package validation provides request validation helpers for the Magic8Ball API.
package validation

import (
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxContentLength bounds question and answer text.
const MaxContentLength = 4096

// MaxOracles bounds how many oracles a single request may name.
const MaxOracles = 256

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a 0x-prefixed 20-byte hex address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// SanitizeString trims whitespace, strips NUL bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ParseAddress parses a validated address string.
func ParseAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !IsValidEthAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// ParseAddresses parses a list of addresses, failing on the first bad entry.
func ParseAddresses(values []string) ([]common.Address, bool) {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		addr, ok := ParseAddress(v)
		if !ok {
			return nil, false
		}
		out = append(out, addr)
	}
	return out, true
}

// ParseAmount parses a base-unit token amount. Only plain positive decimal
// integers are accepted; there is no fractional part because amounts are
// already in the token's smallest unit.
func ParseAmount(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return nil, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, false
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() <= 0 {
		return nil, false
	}
	// uint256 range
	if n.BitLen() > 256 {
		return nil, false
	}
	return n, true
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidAddressList checks every entry of a list and its size.
func ValidAddressList(field string, values []string) func() *ValidationError {
	return func() *ValidationError {
		if len(values) > MaxOracles {
			return &ValidationError{Field: field, Message: "too many addresses"}
		}
		for _, v := range values {
			if !IsValidEthAddress(v) {
				return &ValidationError{Field: field, Message: "must contain only valid Ethereum addresses"}
			}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks that a value is a positive base-unit integer amount
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := ParseAmount(value); !ok {
			return &ValidationError{Field: field, Message: "must be a positive integer amount"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects requests whose named URL parameters are
// not valid addresses. With no names it checks ":address".
func AddressParamMiddleware(params ...string) gin.HandlerFunc {
	if len(params) == 0 {
		params = []string{"address"}
	}
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidEthAddress(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_address",
					"message": p + " must be a valid Ethereum address (0x + 40 hex chars)",
				})
				return
			}
		}
		c.Next()
	}
}
