package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusTooManyRequests, KindRateLimit, true},
		{http.StatusBadRequest, KindValidation, false},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusNotFound, KindAPI, true},
	}

	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			e := FromStatus(tc.status, nil, nil)
			assert.Equal(t, tc.kind, e.Kind)
			assert.Equal(t, tc.status, e.Status)
			assert.Equal(t, tc.retryable, e.Retryable())
			assert.Equal(t, http.StatusText(tc.status), e.Message)
		})
	}
}

func TestFromStatusXRPCBody(t *testing.T) {
	body := []byte(`{"error":"InvalidRequest","message":"actor must be a valid did or handle"}`)
	e := FromStatus(http.StatusBadRequest, nil, body)

	assert.Equal(t, KindValidation, e.Kind)
	assert.Equal(t, "InvalidRequest: actor must be a valid did or handle", e.Message)
	assert.Contains(t, e.Error(), "status 400")
}

func TestFromStatusRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")

	e := FromStatus(http.StatusTooManyRequests, h, nil)

	assert.Equal(t, 7*time.Second, e.RetryAfter)
}

func TestRetryAfterRatelimitReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := http.Header{}
	h.Set("Ratelimit-Reset", fmt.Sprint(now.Unix()+30))

	assert.Equal(t, 30*time.Second, retryAfter(h, now))
}

func TestRetryAfterIgnoresGarbage(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "soon")

	assert.Zero(t, retryAfter(h, time.Now()))
	assert.Zero(t, retryAfter(nil, time.Now()))
}

func TestFromTransport(t *testing.T) {
	assert.Nil(t, FromTransport(nil))

	canceled := fmt.Errorf("send request: %w", context.Canceled)
	assert.Same(t, canceled, FromTransport(canceled))

	assert.True(t, Is(FromTransport(context.DeadlineExceeded), KindTimeout))

	dns := &net.DNSError{Err: "no such host", Name: "bsky.example"}
	assert.True(t, Is(FromTransport(fmt.Errorf("dial: %w", dns)), KindOffline))

	refused := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	assert.True(t, Is(FromTransport(refused), KindOffline))

	assert.True(t, Is(FromTransport(errors.New("weird")), KindAPI))

	classified := New(KindAuth, "expired")
	assert.Same(t, classified, FromTransport(classified))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Nil(t, Classify(context.Canceled))

	wrapped := fmt.Errorf("load feed: %w", New(KindServer, "boom"))
	e := Classify(wrapped)
	require.NotNil(t, e)
	assert.Equal(t, KindServer, e.Kind)

	e = Classify(errors.New("mystery"))
	require.NotNil(t, e)
	assert.Equal(t, KindAPI, e.Kind)
	assert.Equal(t, "mystery", e.Message)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("cause")
	e := &Error{Kind: KindAPI, Message: "x", Err: cause}

	assert.ErrorIs(t, e, cause)
	assert.Equal(t, "api error: x", e.Error())
}
