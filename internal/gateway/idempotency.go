package gateway

import (
	"context"
	"net/http"
	"time"
)

const idempotencyHeader = "X-Idempotency-Key"

type idempotencyCtxKey struct{}

// withIdempotencyKey attaches key to ctx for keyedRequester. An empty key
// leaves ctx unchanged.
func withIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyCtxKey{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyCtxKey{}).(string)
	return key
}

// keyedRequester sends SDK requests with the caller's idempotency key in
// place of the random one the SDK generates for every write.
type keyedRequester struct {
	client *http.Client
}

func newKeyedRequester(timeout time.Duration) *keyedRequester {
	return &keyedRequester{client: &http.Client{Timeout: timeout}}
}

func (r *keyedRequester) Do(req *http.Request) (*http.Response, error) {
	if key := idempotencyKeyFrom(req.Context()); key != "" && req.Method != http.MethodGet {
		req.Header.Set(idempotencyHeader, key)
	}
	return r.client.Do(req)
}
