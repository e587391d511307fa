package app

import (
	"testing"

	"loyaltybot/internal/approval"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		args string
	}{
		{"/start", "/start", ""},
		{"/start@loyalty_bot", "/start", ""},
		{"/broadcast hello everyone", "/broadcast", "hello everyone"},
		{"/BROADCAST  spaced  ", "/broadcast", "spaced"},
		{"/broadcast\nmultiline text", "/broadcast", "multiline text"},
	}
	for _, tc := range cases {
		cmd, args := splitCommand(tc.in)
		if cmd != tc.cmd || args != tc.args {
			t.Errorf("splitCommand(%q) = %q, %q; want %q, %q", tc.in, cmd, args, tc.cmd, tc.args)
		}
	}
}

func TestParseDecision(t *testing.T) {
	cases := []struct {
		in       string
		decision approval.Decision
		id       int64
		ok       bool
	}{
		{"approve:42", approval.Approve, 42, true},
		{"reject:7", approval.Reject, 7, true},
		{"\fapprove:42", approval.Approve, 42, true},
		{"approve:", "", 0, false},
		{"approve:-1", "", 0, false},
		{"delete:42", "", 0, false},
		{"garbage", "", 0, false},
		{"", "", 0, false},
	}
	for _, tc := range cases {
		d, id, ok := parseDecision(tc.in)
		if ok != tc.ok || d != tc.decision || id != tc.id {
			t.Errorf("parseDecision(%q) = %v, %d, %v; want %v, %d, %v",
				tc.in, d, id, ok, tc.decision, tc.id, tc.ok)
		}
	}
}
