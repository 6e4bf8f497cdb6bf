package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFromHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transient bool
	}{
		{status: 400, transient: false},
		{status: 401, transient: false},
		{status: 404, transient: false},
		{status: 408, transient: true},
		{status: 425, transient: true},
		{status: 429, transient: true},
		{status: 500, transient: true},
		{status: 503, transient: true},
	}
	for _, tt := range tests {
		err := FromHTTPStatus("slack", tt.status, " body ")
		if IsTransient(err) != tt.transient {
			t.Fatalf("status %d: expected transient=%v, got %v", tt.status, tt.transient, err)
		}
		if IsPermanent(err) == tt.transient {
			t.Fatalf("status %d: permanent marker mismatch", tt.status)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "template", err: &TemplateError{Template: "title", Reason: "unknown variable"}, want: "template"},
		{name: "wrapped permanent", err: fmt.Errorf("send: %w", Permanent("jira", errors.New("bad request"))), want: "permanent"},
		{name: "transient", err: Transient("sms", errors.New("reset")), want: "transient"},
		{name: "unclassified", err: errors.New("dial tcp"), want: "transient"},
		{name: "deadline", err: context.DeadlineExceeded, want: "transient"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("%s: expected %q, got %q", tt.name, tt.want, got)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	parseErr := &ParseError{Index: 2, Field: "startsAt", Value: "yesterday", Err: errors.New("bad")}
	if parseErr.Error() != `alerts[2].startsAt: cannot parse "yesterday": bad` {
		t.Fatalf("unexpected parse error %q", parseErr.Error())
	}
	templateErr := (&TemplateError{Template: "title", Reason: "x"}).WithRule("r1")
	if templateErr.Error() != `rule "r1" template "title": x` {
		t.Fatalf("unexpected template error %q", templateErr.Error())
	}
	if Permanent("slack", nil) != nil || Transient("slack", nil) != nil {
		t.Fatalf("nil cause must stay nil")
	}
}
