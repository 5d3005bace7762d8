package policyserver

import (
	"bufio"
	"strings"
	"testing"

	"github.com/spfbld/spfbld/internal/decision"
)

func TestReadAttrs(t *testing.T) {
	input := "request=smtpd_access_policy\nclient_address=192.0.2.5\nsender=alice@example.com\nhelo_name=mx.example.com\nrecipient=bob@test.tld\n\n"
	attrs, err := readAttrs(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatal(err)
	}
	if attrs["client_address"] != "192.0.2.5" || attrs["sender"] != "alice@example.com" {
		t.Errorf("attrs: %v", attrs)
	}
}

func TestReplyMapping(t *testing.T) {
	cases := []struct {
		d    decision.Decision
		want string
	}{
		{decision.Decision{Action: decision.ActionPass, Ticket: "T"}, "PREPEND Received-SPFBL: T"},
		{decision.Decision{Action: decision.ActionNone}, "DUNNO"},
		{decision.Decision{Action: decision.ActionGreylist}, "451 4.7.1 Greylisted, please try again later"},
		{decision.Decision{Action: decision.ActionListed, URL: "https://r/x"}, "451 4.7.2 Listed, see https://r/x"},
		{decision.Decision{Action: decision.ActionSpamtrap}, "DISCARD spamtrap"},
		{decision.Decision{Action: decision.ActionBlocked}, "554 5.7.1 Rejected"},
		{decision.Decision{Action: decision.ActionFail}, "554 5.7.1 Rejected"},
		{decision.Decision{Action: decision.ActionInvalid}, "554 5.7.1 Invalid sender"},
	}
	for _, c := range cases {
		if got := replyFor(c.d); got != c.want {
			t.Errorf("replyFor(%s): want %q, got %q", c.d.Action, c.want, got)
		}
	}
}
