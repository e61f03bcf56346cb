package broadcast

import (
	"strings"
	"testing"
	"time"
)

func baseRequest() Request {
	return Request{
		ID:         "deadbeef-0000-0000-0000-000000000000",
		Text:       "bring <cables> & tape",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TTLMinutes: 30,
	}
}

func TestRenderOpen(t *testing.T) {
	v := Render(baseRequest())

	if !strings.Contains(v.Text, "Request #deadbeef") {
		t.Fatalf("short id missing: %q", v.Text)
	}
	if !strings.Contains(v.Text, "bring &lt;cables&gt; &amp; tape") {
		t.Fatalf("body must be html-escaped: %q", v.Text)
	}
	if !strings.Contains(v.Text, "2026-03-01 12:30 UTC") {
		t.Fatalf("deadline missing: %q", v.Text)
	}
	if !strings.Contains(v.Text, "Status: open") {
		t.Fatalf("open status missing: %q", v.Text)
	}
	if len(v.Buttons) != 1 || v.Buttons[0].Data != CallbackClaim+":"+baseRequest().ID {
		t.Fatalf("open view wants a single claim button, got %+v", v.Buttons)
	}
}

func TestRenderClaimed(t *testing.T) {
	r := baseRequest()
	r.ClaimedBy = &Actor{ID: 1, Name: "Ana <x>"}
	v := Render(r)

	if !strings.Contains(v.Text, "claimed — Ana &lt;x&gt;") {
		t.Fatalf("claimer name must appear escaped: %q", v.Text)
	}
	if len(v.Buttons) != 2 {
		t.Fatalf("claimed view wants unclaim+done, got %+v", v.Buttons)
	}
	if v.Buttons[0].Data != CallbackUnclaim+":"+r.ID || v.Buttons[1].Data != CallbackDone+":"+r.ID {
		t.Fatalf("unexpected callback data: %+v", v.Buttons)
	}
}

func TestRenderTerminal(t *testing.T) {
	done := baseRequest()
	done.Done = true
	done.ClaimedBy = &Actor{ID: 1, Name: "Ana"}
	v := Render(done)
	if !strings.Contains(v.Text, "done — Ana") {
		t.Fatalf("done status missing: %q", v.Text)
	}
	if len(v.Buttons) != 0 {
		t.Fatalf("terminal view must have no buttons, got %+v", v.Buttons)
	}

	// Expired wins over everything else, including a stale claim.
	exp := baseRequest()
	exp.Expired = true
	exp.Done = true
	exp.ClaimedBy = &Actor{ID: 1, Name: "Ana"}
	v = Render(exp)
	if !strings.Contains(v.Text, "Status: expired") {
		t.Fatalf("expired must win display priority: %q", v.Text)
	}
	if len(v.Buttons) != 0 {
		t.Fatalf("terminal view must have no buttons, got %+v", v.Buttons)
	}
}

func TestShortID(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"deadbeef-0000-0000", "deadbeef"},
		{"nodash", "nodash"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ShortID(tc.in); got != tc.want {
			t.Fatalf("ShortID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
