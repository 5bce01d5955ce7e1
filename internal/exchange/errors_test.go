package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want FetchErrorKind
	}{
		{http.StatusTooManyRequests, Transient},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
		{http.StatusServiceUnavailable, Transient},
		{http.StatusBadRequest, Permanent},
		{http.StatusNotFound, Permanent},
		{http.StatusUnauthorized, Permanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStatus(tt.code))
		})
	}
}

func TestIsTransient(t *testing.T) {
	transient := &FetchError{Kind: Transient, Exchange: "bitfinex", Status: 429, Err: errors.New("rate limited")}
	permanent := &FetchError{Kind: Permanent, Exchange: "bitfinex", Status: 400, Err: errors.New("bad symbol")}

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(permanent))
	assert.False(t, IsTransient(errors.New("plain error")))
	assert.False(t, IsTransient(nil))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("page 3: %w", transient)
	assert.True(t, IsTransient(wrapped))
}

func TestFetchErrorMessage(t *testing.T) {
	withStatus := &FetchError{Kind: Transient, Exchange: "binance", Status: 503, Err: errors.New("upstream down")}
	assert.Contains(t, withStatus.Error(), "binance")
	assert.Contains(t, withStatus.Error(), "transient")
	assert.Contains(t, withStatus.Error(), "503")

	noStatus := &FetchError{Kind: Permanent, Exchange: "binance", Err: errors.New("malformed body")}
	assert.Contains(t, noStatus.Error(), "permanent")
	assert.NotContains(t, noStatus.Error(), "HTTP")
}

func TestFetchErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	fe := &FetchError{Kind: Transient, Exchange: "bitfinex", Err: inner}
	assert.ErrorIs(t, fe, inner)
}
