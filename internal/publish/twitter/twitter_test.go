package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callbot/internal/publish"
	logx "callbot/pkg/logx"
)

type fakeAPI struct {
	mu     sync.Mutex
	tweets []tweetRequest
	auth   []string
	status int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /2/tweets", func(w http.ResponseWriter, r *http.Request) {
		var req tweetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.tweets = append(f.tweets, req)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		n := len(f.tweets)
		status := f.status
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"title":"Error","detail":"nope"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "t" + string(rune('0'+n)), "text": req.Text}})
	})
	mux.HandleFunc("GET /2/users/me", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"id":"42","username":"callbot"}}`))
	})
	return mux
}

func newTestPublisher(t *testing.T, api *fakeAPI) *Publisher {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	p, err := New(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		AccessToken:    "at",
		AccessSecret:   "as",
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestPublishThread(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p := newTestPublisher(t, api)
	ctx := context.Background()

	id1, err := p.Publish(ctx, "one 1/2", "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	id2, err := p.Publish(ctx, "two 2/2", id1)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id1 != "t1" || id2 != "t2" {
		t.Fatalf("ids = %q, %q", id1, id2)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.tweets[0].Reply != nil {
		t.Fatal("first tweet must not be a reply")
	}
	if api.tweets[1].Reply == nil || api.tweets[1].Reply.InReplyToTweetID != "t1" {
		t.Fatalf("second tweet reply = %+v", api.tweets[1].Reply)
	}
	for _, h := range api.auth {
		if !strings.HasPrefix(h, "OAuth ") || !strings.Contains(h, `oauth_consumer_key="ck"`) || !strings.Contains(h, "oauth_signature=") {
			t.Fatalf("request not signed: %q", h)
		}
	}
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusUnauthorized, want: publish.ErrAuth},
		{status: http.StatusForbidden, want: publish.ErrAuth},
		{status: http.StatusTooManyRequests, want: publish.ErrRateLimited},
		{status: http.StatusBadGateway, want: publish.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestPublisher(t, &fakeAPI{status: tt.status})
			_, err := p.Publish(context.Background(), "x", "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if tt.status == http.StatusTooManyRequests {
				var pe *publish.Error
				if !errors.As(err, &pe) || pe.RetryAfter != 30*time.Second {
					t.Fatalf("RetryAfter not parsed: %v", err)
				}
			}
		})
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	if err := newTestPublisher(t, &fakeAPI{}).Verify(context.Background()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := newTestPublisher(t, &fakeAPI{status: http.StatusUnauthorized}).Verify(context.Background()); !errors.Is(err, publish.ErrAuth) {
		t.Fatalf("Verify err = %v, want auth", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ConsumerKey: "only"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRetryAfterReset(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	h := http.Header{}
	h.Set("x-rate-limit-reset", "1700000090")
	if got := retryAfter(h, now); got != 90*time.Second {
		t.Fatalf("retryAfter = %v, want 90s", got)
	}
}
