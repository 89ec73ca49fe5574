package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/f5devcentral/llm-inference-lb/internal/lbclient"
	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyNetworkTimeoutIsSerious(t *testing.T) {
	desc, serious := classify(&net.OpError{Op: "read", Err: timeoutErr{}})
	assert.True(t, serious)
	assert.Contains(t, desc, "timeout")
}

func TestClassify404IsSerious(t *testing.T) {
	desc, serious := classify(&lbclient.HTTPError{StatusCode: http.StatusNotFound})
	assert.True(t, serious)
	assert.Contains(t, desc, "404")
}

func TestClassify401And403AreTransient(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		_, serious := classify(&lbclient.HTTPError{StatusCode: code})
		assert.False(t, serious)
	}
}

func TestClassify5xxIsTransient(t *testing.T) {
	_, serious := classify(&lbclient.HTTPError{StatusCode: http.StatusServiceUnavailable})
	assert.False(t, serious)
}

func TestClassifyOtherAPIErrorIsSerious(t *testing.T) {
	_, serious := classify(&lbclient.HTTPError{StatusCode: http.StatusTeapot})
	assert.True(t, serious)
}

func TestClassifyTokenAuthErrorIsTransient(t *testing.T) {
	err := apperror.Wrap(errors.New("boom"), apperror.CodeAuthFailed, "login failed")
	_, serious := classify(err)
	assert.False(t, serious)
}

func TestClassifyUnknownIsSerious(t *testing.T) {
	_, serious := classify(errors.New("something weird"))
	assert.True(t, serious)
}

func TestHandleFailureRemovesPoolAtThreshold(t *testing.T) {
	reg := registry.New()
	key := registry.Key{Name: "p", Partition: "Common"}
	pool := registry.NewPool(key, registry.EngineVLLM, registry.Fallback{})
	reg.Upsert(pool)

	f := New(nil, reg, time.Second, func() []PoolTarget { return nil })
	f.SetFailureThreshold(3)

	target := PoolTarget{Key: key, EngineType: registry.EngineVLLM}
	for i := 0; i < 2; i++ {
		f.handleFailure(target, &lbclient.HTTPError{StatusCode: http.StatusNotFound})
	}
	assert.NotNil(t, reg.Get(key))

	f.handleFailure(target, &lbclient.HTTPError{StatusCode: http.StatusNotFound})
	assert.Nil(t, reg.Get(key))
}

func TestHandleFailureTransientDoesNotIncrement(t *testing.T) {
	reg := registry.New()
	key := registry.Key{Name: "p", Partition: "Common"}
	pool := registry.NewPool(key, registry.EngineVLLM, registry.Fallback{})
	reg.Upsert(pool)

	f := New(nil, reg, time.Second, func() []PoolTarget { return nil })
	target := PoolTarget{Key: key, EngineType: registry.EngineVLLM}
	f.handleFailure(target, &lbclient.HTTPError{StatusCode: http.StatusUnauthorized})

	assert.Equal(t, 0, pool.ConsecutiveFailures())
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	reg := registry.New()
	f := New(nil, reg, time.Millisecond, func() []PoolTarget { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNewFetcherDefaultsThreshold(t *testing.T) {
	reg := registry.New()
	f := New(nil, reg, time.Second, func() []PoolTarget { return nil })
	assert.Equal(t, DefaultFailureThreshold, f.failureThreshold)

	require.NotNil(t, f)
}
