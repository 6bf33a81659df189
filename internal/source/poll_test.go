package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"callbot/internal/calls"
	logx "callbot/pkg/logx"
)

var testFilter = Filter{Type: "talkgroup", Codes: []int{44912, 45040, 45112, 45072, 45136}}

func TestPollerSinceClampsToStart(t *testing.T) {
	t0 := time.Date(2020, 6, 10, 1, 0, 0, 0, time.UTC)
	p := NewPoller(PollerConfig{Lookback: 5 * time.Minute, Lag: 45 * time.Second, Filter: testFilter}, logx.Nop())

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"first poll", t0, t0},
		{"inside lookback", t0.Add(2 * time.Minute), t0},
		{"window reaches start", t0.Add(5*time.Minute + 45*time.Second), t0},
		{"past start", t0.Add(10 * time.Minute), t0.Add(4*time.Minute + 15*time.Second)},
	}
	for _, tt := range tests {
		if got := p.Since(tt.now); !got.Equal(tt.want) {
			t.Fatalf("%s: Since=%v want %v", tt.name, got, tt.want)
		}
	}

	// Once released, the clamp never comes back.
	if got, want := p.Since(t0.Add(time.Minute)), t0.Add(time.Minute-5*time.Minute-45*time.Second); !got.Equal(want) {
		t.Fatalf("clamp re-engaged: %v want %v", got, want)
	}
}

func TestPollerURL(t *testing.T) {
	since := time.UnixMilli(1591750800123)
	tests := []struct {
		name     string
		filter   Filter
		wantType string
		wantCode string
	}{
		{"talkgroups", testFilter, "talkgroup", "44912,45040,45112,45072,45136"},
		{"default type", Filter{Codes: []int{1}}, "talkgroup", "1"},
		{"group", Filter{Type: "group", Group: "5ed1"}, "group", "5ed1"},
	}
	for _, tt := range tests {
		p := NewPoller(PollerConfig{BaseURL: "https://api.openmhz.com/", System: "kcers1b", Filter: tt.filter}, logx.Nop())
		u, err := url.Parse(p.URL(since))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if u.Path != "/kcers1b/calls/newer" {
			t.Fatalf("%s: path=%q", tt.name, u.Path)
		}
		q := u.Query()
		if q.Get("time") != "1591750800123" || q.Get("filter-type") != tt.wantType || q.Get("filter-code") != tt.wantCode {
			t.Fatalf("%s: query=%v", tt.name, q)
		}
	}
}

func TestPollerFetchSince(t *testing.T) {
	var gotTime string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/kcers1b/calls/newer" {
			http.NotFound(w, r)
			return
		}
		gotTime = r.URL.Query().Get("time")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"calls":[
			{"_id":"a","time":"2020-06-10T01:23:45.000Z","len":12,"talkgroupNum":44912,"srcList":[{"src":101},{"src":101},{"src":102}]},
			{"_id":"b","time":"not a time","len":3},
			{"_id":"c","time":"2020-06-10T01:24:00.000Z","len":0.5}
		]}`))
	}))
	defer srv.Close()

	p := NewPoller(PollerConfig{BaseURL: srv.URL, System: "kcers1b", Filter: testFilter}, logx.Nop())
	since := time.UnixMilli(1591750000000)
	b := p.FetchSince(context.Background(), since)

	if b.Status != calls.StatusOK {
		t.Fatalf("status=%v err=%v", b.Status, b.Err)
	}
	if gotTime != strconv.FormatInt(since.UnixMilli(), 10) {
		t.Fatalf("time param=%q", gotTime)
	}
	if len(b.Events) != 2 || b.Events[0].ID != "a" || b.Events[1].ID != "c" {
		t.Fatalf("events=%+v", b.Events)
	}
	if got := b.Events[0].Participants; len(got) != 2 || got[0] != "101" || got[1] != "102" {
		t.Fatalf("participants=%v", got)
	}
	if b.Events[0].Source != "poll" {
		t.Fatalf("source=%q", b.Events[0].Source)
	}
	if len(b.Rejected) != 1 || b.Rejected[0].ID != "b" {
		t.Fatalf("rejected=%+v", b.Rejected)
	}
}

func TestPollerFetchFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   calls.Status
	}{
		{"server error", http.StatusBadGateway, "oops", calls.StatusUnavailable},
		{"not json", http.StatusOK, "<html>", calls.StatusMalformed},
		{"no calls key", http.StatusOK, `{"x":1}`, calls.StatusMalformed},
		{"empty list", http.StatusOK, `{"calls":[]}`, calls.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			p := NewPoller(PollerConfig{BaseURL: srv.URL, System: "kcers1b", Filter: testFilter}, logx.Nop())
			b := p.FetchSince(context.Background(), time.Now())
			if b.Status != tt.want {
				t.Fatalf("status=%v want %v (err=%v)", b.Status, tt.want, b.Err)
			}
		})
	}
}

func TestPollerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	p := NewPoller(PollerConfig{BaseURL: base, System: "kcers1b", Filter: testFilter, Timeout: time.Second}, logx.Nop())
	b := p.FetchSince(context.Background(), time.Now())
	if b.Status != calls.StatusUnavailable || b.Err == nil {
		t.Fatalf("got %v err=%v", b.Status, b.Err)
	}
}

func TestPollerPollUsesClock(t *testing.T) {
	now := time.Date(2020, 6, 10, 1, 0, 0, 0, time.UTC)
	var gotTime string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTime = r.URL.Query().Get("time")
		_, _ = w.Write([]byte(`{"calls":[]}`))
	}))
	defer srv.Close()

	p := NewPoller(PollerConfig{
		BaseURL:  srv.URL,
		System:   "kcers1b",
		Filter:   testFilter,
		Lookback: 5 * time.Minute,
		Now:      func() time.Time { return now },
	}, logx.Nop())
	if b := p.Poll(context.Background()); b.Status != calls.StatusOK {
		t.Fatalf("status=%v", b.Status)
	}
	if gotTime != strconv.FormatInt(now.UnixMilli(), 10) {
		t.Fatalf("first poll should be clamped to start, time=%s", gotTime)
	}
}
