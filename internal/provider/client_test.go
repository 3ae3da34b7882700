package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endpointServer answers chat completions from a per-call script.
type endpointServer struct {
	*httptest.Server
	hits atomic.Int32

	mu     sync.Mutex
	bodies []chatRequest
	auth   []string
}

func newEndpointServer(t *testing.T, handle func(n int, w http.ResponseWriter)) *endpointServer {
	t.Helper()
	es := &endpointServer{}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(es.hits.Add(1))
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		es.mu.Lock()
		es.bodies = append(es.bodies, req)
		es.auth = append(es.auth, r.Header.Get("Authorization"))
		es.mu.Unlock()
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		handle(n, w)
	}))
	t.Cleanup(es.Close)
	return es
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
}

func always(status int) func(int, http.ResponseWriter) {
	return func(_ int, w http.ResponseWriter) { w.WriteHeader(status) }
}

func succeed(content string) func(int, http.ResponseWriter) {
	return func(_ int, w http.ResponseWriter) { reply(w, content) }
}

func newTestClient(primary, secondary *endpointServer) *Client {
	cfg := Config{
		Role:    "transcribe",
		Primary: Endpoint{BaseURL: primary.URL + "/v1/", APIKey: "primary-key", Model: "primary-model"},
	}
	if secondary != nil {
		cfg.Secondary = &Endpoint{BaseURL: secondary.URL + "/v1", APIKey: "secondary-key", Model: "secondary-model"}
	}
	return NewClient(cfg, WithBackoff(time.Millisecond))
}

var bg = context.Background()

func TestInvoke_PrimarySuccess(t *testing.T) {
	primary := newEndpointServer(t, succeed("transcript"))
	secondary := newEndpointServer(t, succeed("unused"))

	res, err := newTestClient(primary, secondary).Invoke(bg, Payload{User: "hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Primary, res.Provider)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "transcript", res.Output)
	assert.Positive(t, res.Latency)
	assert.Zero(t, secondary.hits.Load())
	assert.Equal(t, "Bearer primary-key", primary.auth[0])
	assert.Equal(t, "primary-model", primary.bodies[0].Model)
}

func TestInvoke_RateLimitedTwiceFailsOverToSecondary(t *testing.T) {
	primary := newEndpointServer(t, always(http.StatusTooManyRequests))
	secondary := newEndpointServer(t, succeed("from secondary"))

	res, err := newTestClient(primary, secondary).Invoke(bg, Payload{User: "hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Secondary, res.Provider)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "from secondary", res.Output)
	assert.EqualValues(t, 2, primary.hits.Load())
	assert.EqualValues(t, 1, secondary.hits.Load())
	assert.Equal(t, "Bearer secondary-key", secondary.auth[0])
	assert.Equal(t, "secondary-model", secondary.bodies[0].Model)
}

func TestInvoke_TransientThenPrimaryRecovers(t *testing.T) {
	primary := newEndpointServer(t, func(n int, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		reply(w, "second try")
	})
	secondary := newEndpointServer(t, succeed("unused"))

	res, err := newTestClient(primary, secondary).Invoke(bg, Payload{User: "hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Primary, res.Provider)
	assert.Equal(t, 2, res.Attempts)
	assert.Zero(t, secondary.hits.Load())
}

func TestInvoke_FatalNeverCallsSecondary(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		primary := newEndpointServer(t, always(status))
		secondary := newEndpointServer(t, succeed("unused"))

		_, err := newTestClient(primary, secondary).Invoke(bg, Payload{User: "hi"}, time.Second)
		require.ErrorIs(t, err, ErrProviderFatal, "status %d", status)
		assert.NotErrorIs(t, err, ErrProviderExhausted)
		assert.EqualValues(t, 1, primary.hits.Load(), "status %d", status)
		assert.Zero(t, secondary.hits.Load(), "status %d", status)
	}
}

func TestInvoke_MalformedSuccessIsFatal(t *testing.T) {
	primary := newEndpointServer(t, func(_ int, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[]}`)
	})
	secondary := newEndpointServer(t, succeed("unused"))

	_, err := newTestClient(primary, secondary).Invoke(bg, Payload{User: "hi"}, time.Second)
	require.ErrorIs(t, err, ErrProviderFatal)
	assert.Zero(t, secondary.hits.Load())
}

func TestInvoke_BothFailExhausted(t *testing.T) {
	primary := newEndpointServer(t, always(http.StatusServiceUnavailable))
	secondary := newEndpointServer(t, always(http.StatusInternalServerError))

	_, err := newTestClient(primary, secondary).Invoke(bg, Payload{User: "hi"}, time.Second)
	require.ErrorIs(t, err, ErrProviderExhausted)
	assert.EqualValues(t, 2, primary.hits.Load())
	assert.EqualValues(t, 1, secondary.hits.Load())
}

func TestInvoke_SecondaryRejectsIsExhausted(t *testing.T) {
	primary := newEndpointServer(t, always(http.StatusServiceUnavailable))
	secondary := newEndpointServer(t, always(http.StatusUnauthorized))

	_, err := newTestClient(primary, secondary).Invoke(bg, Payload{User: "hi"}, time.Second)
	require.ErrorIs(t, err, ErrProviderExhausted)
	assert.NotErrorIs(t, err, ErrProviderFatal)
}

func TestInvoke_NoSecondaryExhausted(t *testing.T) {
	primary := newEndpointServer(t, always(http.StatusTooManyRequests))

	_, err := newTestClient(primary, nil).Invoke(bg, Payload{User: "hi"}, time.Second)
	require.ErrorIs(t, err, ErrProviderExhausted)
	assert.EqualValues(t, 2, primary.hits.Load())
}

func TestInvoke_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	primary := newEndpointServer(t, func(_ int, w http.ResponseWriter) {
		<-release
	})
	t.Cleanup(func() { close(release) })
	secondary := newEndpointServer(t, succeed("fast"))

	res, err := newTestClient(primary, secondary).Invoke(bg, Payload{User: "hi"}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Secondary, res.Provider)
	assert.EqualValues(t, 2, primary.hits.Load())
}

func TestInvoke_ConnectionRefusedIsRetryable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	secondary := newEndpointServer(t, succeed("alive"))

	c := NewClient(Config{
		Role:      "critique",
		Primary:   Endpoint{BaseURL: deadURL, APIKey: "k", Model: "m"},
		Secondary: &Endpoint{BaseURL: secondary.URL + "/v1", APIKey: "k2", Model: "m2"},
	}, WithBackoff(time.Millisecond))

	res, err := c.Invoke(bg, Payload{User: "hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Secondary, res.Provider)
}

func TestInvoke_CancelledContext(t *testing.T) {
	primary := newEndpointServer(t, always(http.StatusTooManyRequests))
	secondary := newEndpointServer(t, succeed("unused"))

	c := NewClient(Config{
		Role:      "synthesize",
		Primary:   Endpoint{BaseURL: primary.URL + "/v1", APIKey: "k", Model: "m"},
		Secondary: &Endpoint{BaseURL: secondary.URL + "/v1", APIKey: "k", Model: "m"},
	}, WithBackoff(time.Hour))

	ctx, cancel := context.WithCancel(bg)
	go func() {
		for primary.hits.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := c.Invoke(ctx, Payload{User: "hi"}, time.Second)
	require.ErrorIs(t, err, ErrProviderExhausted)
	assert.Zero(t, secondary.hits.Load())
}

func TestInvoke_RequestShape(t *testing.T) {
	primary := newEndpointServer(t, succeed("ok"))

	_, err := newTestClient(primary, nil).Invoke(bg, Payload{
		System:    "be literal",
		User:      "Title: demo",
		MediaURI:  "https://cdn.example.com/a/audio.m4a?sig=1",
		Search:    true,
		MaxTokens: 4096,
	}, time.Second)
	require.NoError(t, err)

	req := primary.bodies[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be literal", req.Messages[0].Content)
	assert.True(t, req.EnableSearch)
	assert.Equal(t, 4096, req.MaxTokens)

	parts, ok := req.Messages[1].Content.([]any)
	require.True(t, ok, "user content is a part list when media is attached")
	require.Len(t, parts, 2)
	audio := parts[0].(map[string]any)
	assert.Equal(t, "input_audio", audio["type"])
	inner := audio["input_audio"].(map[string]any)
	assert.Equal(t, "https://cdn.example.com/a/audio.m4a?sig=1", inner["data"])
	assert.Equal(t, "m4a", inner["format"])
	text := parts[1].(map[string]any)
	assert.Equal(t, "Title: demo", text["text"])
}

func TestInvoke_ConcurrentCallsIndependent(t *testing.T) {
	primary := newEndpointServer(t, func(n int, w http.ResponseWriter) {
		if n%2 == 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		reply(w, "ok")
	})
	c := newTestClient(primary, newEndpointServer(t, succeed("ok")))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Invoke(bg, Payload{User: "hi"}, time.Second)
			assert.NoError(t, err)
			assert.Equal(t, "ok", res.Output)
		}()
	}
	wg.Wait()
}
