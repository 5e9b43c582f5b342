package api

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseErrorBody(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "string detail", status: 400, body: `{"detail":"このセッションは終了しています"}`, want: "このセッションは終了しています"},
		{name: "validation list", status: 422, body: `{"detail":[{"msg":"field required"},{"msg":"not an integer"}]}`, want: "field required; not an integer"},
		{name: "no detail", status: 500, body: `{"error":"boom"}`, want: "API Error: 500"},
		{name: "not json", status: 502, body: `<html>bad gateway</html>`, want: "API Error: 502"},
		{name: "blank detail", status: 400, body: `{"detail":"  "}`, want: "API Error: 400"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := parseErrorBody(tc.status, []byte(tc.body)); got != tc.want {
				t.Fatalf("parseErrorBody()=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{status: 400, want: ErrRejected},
		{status: 401, want: ErrUnauthorized},
		{status: 402, want: ErrRejected},
		{status: 403, want: ErrForbidden},
		{status: 404, want: ErrNotFound},
		{status: 503, want: ErrServer},
	}
	for _, tc := range cases {
		if got := kindForStatus(tc.status); got != tc.want {
			t.Fatalf("kindForStatus(%d)=%v want=%v", tc.status, got, tc.want)
		}
	}
}

func TestTimestamp_AcceptsNaiveAndZoned(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Time
	}{
		{in: `"2026-02-03T04:05:06"`, want: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)},
		{in: `"2026-02-03T04:05:06.123456"`, want: time.Date(2026, 2, 3, 4, 5, 6, 123456000, time.UTC)},
		{in: `"2026-02-03T13:05:06+09:00"`, want: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)},
		{in: `null`, want: time.Time{}},
	}
	for _, tc := range cases {
		var ts Timestamp
		if err := json.Unmarshal([]byte(tc.in), &ts); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tc.in, err)
		}
		if !ts.Equal(tc.want) {
			t.Fatalf("Unmarshal(%s)=%v want=%v", tc.in, ts.Time, tc.want)
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatalf("expected error for garbage timestamp")
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base, path, want string
	}{
		{base: "http://localhost:8080", path: "", want: ""},
		{base: "http://localhost:8080", path: "/uploads/a.png", want: "http://localhost:8080/uploads/a.png"},
		{base: "http://localhost:8080/", path: "/uploads/a.png", want: "http://localhost:8080/uploads/a.png"},
		{base: "http://localhost:8080", path: "uploads/a.png", want: "http://localhost:8080/uploads/a.png"},
		{base: "http://localhost:8080", path: "https://cdn.example.com/a.png", want: "https://cdn.example.com/a.png"},
	}
	for _, tc := range cases {
		if got := ResolveURL(tc.base, tc.path); got != tc.want {
			t.Fatalf("ResolveURL(%q, %q)=%q want=%q", tc.base, tc.path, got, tc.want)
		}
	}
}
