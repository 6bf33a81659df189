package calls

import (
	"testing"
	"time"
)

func TestDecodeNewerKeepsValidSiblings(t *testing.T) {
	t.Parallel()
	body := []byte(`{"calls":[
		{"_id":"a1","time":"2020-06-10T01:23:45.000Z","len":45,"talkgroupNum":44912,"srcList":[{"pos":0,"src":1201},{"pos":2,"src":1202},{"pos":4,"src":1201}]},
		{"_id":"a2","time":"not a time","len":3},
		{"_id":"a3","len":3},
		{"_id":"a4","time":"2020-06-10T01:24:00.000Z","len":-1},
		{"_id":"a5","time":"2020-06-10T01:25:00.000Z","len":2.5}
	],"direction":"newer"}`)

	b := DecodeNewer(body, "poll")
	if b.Status != StatusOK {
		t.Fatalf("Status = %v, want ok (err=%v)", b.Status, b.Err)
	}
	if len(b.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(b.Events))
	}
	if len(b.Rejected) != 3 {
		t.Fatalf("len(Rejected) = %d, want 3", len(b.Rejected))
	}

	first := b.Events[0]
	if first.ID != "a1" || first.Duration != 45 || first.Talkgroup != 44912 || first.Source != "poll" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	want := time.Date(2020, 6, 10, 1, 23, 45, 0, time.UTC)
	if !first.Time.Equal(want) {
		t.Fatalf("Time = %v, want %v", first.Time, want)
	}
	if len(first.Participants) != 2 || first.Participants[0] != "1201" || first.Participants[1] != "1202" {
		t.Fatalf("Participants = %v, want [1201 1202]", first.Participants)
	}
	if b.Events[1].Duration != 2.5 {
		t.Fatalf("Duration = %v, want 2.5", b.Events[1].Duration)
	}
	if b.Rejected[0].ID != "a2" {
		t.Fatalf("Rejected[0].ID = %q, want a2", b.Rejected[0].ID)
	}
}

func TestDecodeCallRange(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "longest call", raw: `{"_id":"c1","time":"2020-06-10T01:23:45Z","len":86400}`},
		{name: "duration too long", raw: `{"_id":"c2","time":"2020-06-10T01:23:45Z","len":1e300}`, wantErr: true},
		{name: "duration overflows float", raw: `{"_id":"c3","time":"2020-06-10T01:23:45Z","len":1e400}`, wantErr: true},
		{name: "talkgroup overflows int", raw: `{"_id":"c4","time":"2020-06-10T01:23:45Z","len":3,"talkgroupNum":1e30}`, wantErr: true},
		{name: "trailing garbage", raw: `{"_id":"c5"`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := DecodeCall([]byte(tt.raw), "file")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && ev.Duration != MaxDuration {
				t.Fatalf("Duration = %v", ev.Duration)
			}
			if tt.wantErr && tt.name == "talkgroup overflows int" && ev.ID != "c4" {
				t.Fatalf("ID = %q, want c4", ev.ID)
			}
		})
	}
}

func TestDecodeNewerMalformedEnvelope(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>"},
		{name: "no calls", body: `{"direction":"newer"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := DecodeNewer([]byte(tt.body), "poll")
			if b.Status != StatusMalformed || b.Err == nil {
				t.Fatalf("Status = %v err=%v, want malformed", b.Status, b.Err)
			}
		})
	}
}

func TestParseTimeOffsets(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"2020-06-10T01:23:45.000Z", "2020-06-09T18:23:45.000-07:00", "2020-06-10T01:23:45.000+0000"} {
		got, err := ParseTime(s)
		if err != nil {
			t.Fatalf("ParseTime(%q) error: %v", s, err)
		}
		if !got.Equal(time.Date(2020, 6, 10, 1, 23, 45, 0, time.UTC)) {
			t.Fatalf("ParseTime(%q) = %v", s, got)
		}
	}
}

func TestEventAgeIsAbsolute(t *testing.T) {
	t.Parallel()
	now := time.Date(2020, 6, 10, 1, 0, 0, 0, time.UTC)
	ev := Event{Time: now.Add(time.Minute)}
	if ev.Age(now) != time.Minute {
		t.Fatalf("Age = %v, want 1m", ev.Age(now))
	}
}
