package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestParseAddress(t *testing.T) {
	addr, ok := ParseAddress("  0xabcdef1234567890123456789012345678901234 ")
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xabcdef1234567890123456789012345678901234"), addr)

	_, ok = ParseAddress("0xnothex")
	assert.False(t, ok)
}

func TestParseAddresses(t *testing.T) {
	addrs, ok := ParseAddresses([]string{
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
	})
	require.True(t, ok)
	assert.Len(t, addrs, 2)

	_, ok = ParseAddresses([]string{"0x1111111111111111111111111111111111111111", "bad"})
	assert.False(t, ok)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"100", "100", true},
		{"1", "1", true},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", true},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639936", "", false}, // 2^256
		{"0", "", false},
		{"-5", "", false},
		{"+5", "", false},
		{"1.5", "", false},
		{"0x10", "", false},
		{"", "", false},
		{"abc", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, ok := ParseAmount(tc.input)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got.String())
			}
		})
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("content", ""),
		ValidAddress("tokenContract", "0x1234"),
		ValidAmount("bountyAmount", "100"),
		MaxLength("answer", strings.Repeat("a", 10), 5),
	)

	require.Len(t, errs, 3)
	assert.Equal(t, "content", errs[0].Field)
	assert.Equal(t, "tokenContract", errs[1].Field)
	assert.Equal(t, "answer", errs[2].Field)
	assert.Equal(t, "content: is required", errs.Error())

	assert.Empty(t, Validate(Required("content", "Knock knock?")))
}

func TestValidAddressList(t *testing.T) {
	good := []string{"0x1111111111111111111111111111111111111111"}
	assert.Nil(t, ValidAddressList("oracles", good)())
	assert.Nil(t, ValidAddressList("oracles", nil)())
	assert.NotNil(t, ValidAddressList("oracles", []string{"nope"})())

	tooMany := make([]string, MaxOracles+1)
	for i := range tooMany {
		tooMany[i] = good[0]
	}
	assert.NotNil(t, ValidAddressList("oracles", tooMany)())
}

func TestValidAmount(t *testing.T) {
	assert.Nil(t, ValidAmount("bountyAmount", "")())
	assert.Nil(t, ValidAmount("bountyAmount", "300")())
	assert.NotNil(t, ValidAmount("bountyAmount", "0")())
	assert.NotNil(t, ValidAmount("bountyAmount", "1.00")())
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/balances/:owner/:spender", AddressParamMiddleware("owner", "spender"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/balances/0x1111111111111111111111111111111111111111/0x2222222222222222222222222222222222222222", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/balances/0x1111111111111111111111111111111111111111/bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}
