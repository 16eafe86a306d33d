package errcode

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeValuesAreStable(t *testing.T) {
	tests := []struct {
		code Code
		want uint32
	}{
		{AlreadyInitialized, 1},
		{InvalidAmount, 4},
		{InsufficientBalance, 11},
		{InsufficientAllowance, 12},
		{TokenNotFound, 13},
		{ListingNotFound, 31},
		{ListingCancelled, 34},
		{InvalidPrice, 35},
		{InvalidListingAmount, 36},
		{EscrowNotFound, 41},
		{EscrowNotLocked, 43},
		{ContractAlreadyDeployed, 64},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, uint32(tt.code), tt.code.String())
	}
}

func TestOfUnwraps(t *testing.T) {
	err := fmt.Errorf("buy listing 3: %w", ListingCancelled)

	c, ok := Of(err)
	assert.True(t, ok)
	assert.Equal(t, ListingCancelled, c)
	assert.True(t, errors.Is(err, ListingCancelled))

	_, ok = Of(errors.New("disk full"))
	assert.False(t, ok)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "ok", Label(nil))
	assert.Equal(t, "escrow_not_locked", Label(EscrowNotLocked))
	assert.Equal(t, "internal", Label(errors.New("boom")))
}

func TestUnknownCode(t *testing.T) {
	c := Code(999)
	assert.False(t, c.Known())
	assert.Equal(t, "code_999", c.String())
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(c))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, HTTPStatus(NotAuthorized))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ListingNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(EscrowNotLocked))
	assert.Equal(t, http.StatusPaymentRequired, HTTPStatus(InsufficientAllowance))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidAmount))
}
