package generation

import (
	"strings"
	"testing"
)

func TestClassifyFailure(t *testing.T) {
	long := strings.Repeat("x", 120)
	tests := []struct {
		msg  string
		want string
	}{
		{"", ReasonUnknown},
		{"   ", ReasonUnknown},
		{"RESOURCE_EXHAUSTED", ReasonQuota},
		{"daily limit reached", ReasonQuota},
		{"HTTP 429 Too Many Requests", ReasonQuota},
		{"backend request failed: HTTP 429: slow down", ReasonQuota},
		{"operation op-42917 stalled", "operation op-42917 stalled"},
		{"Prompt blocked", ReasonPolicy},
		{"violates content policy", ReasonPolicy},
		{"deadline exceeded", ReasonTimeout},
		{"something odd happened", "something odd happened"},
		{long, long[:maxReasonLen]},
	}
	for _, tt := range tests {
		if got := ClassifyFailure(tt.msg); got != tt.want {
			t.Errorf("ClassifyFailure(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusProcessing, StatusReady} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusDownloaded, StatusUpscaled4K, StatusTimeout, StatusFailedStart} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusDownloaded.IsFailure() || StatusUpscaled4K.IsFailure() {
		t.Error("successful statuses reported as failures")
	}
	if !StatusDoneNoURL.IsFailure() || !StatusDownloadFailed.IsFailure() {
		t.Error("retryable statuses not reported as failures")
	}
}

func TestRequestValidate(t *testing.T) {
	ok := Request{Title: "t", OutputDir: "/tmp/out", Copies: 1, Scenes: []SceneSpec{{Number: 1, Prompt: "p"}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	bad := Request{Scenes: []SceneSpec{{Number: 1, Prompt: "p"}, {Number: 1}}}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"title", "output_dir", "appears twice", "no prompt"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestResultFailed(t *testing.T) {
	res := &Result{Cards: []Card{
		{Scene: 1, Copy: 1, Status: StatusDownloaded},
		{Scene: 1, Copy: 2, Status: StatusTimeout},
		{Scene: 2, Copy: 1, Status: StatusFailedStart},
	}}
	failed := res.Failed()
	if len(failed) != 2 || failed[0].Key() != "1/2" || failed[1].Key() != "2/1" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestLaneSetRoundRobin(t *testing.T) {
	if _, err := NewLaneSet(); err == nil {
		t.Error("empty lane set accepted")
	}
	a, b := &Lane{Name: "a"}, &Lane{Name: "b"}
	set, _ := NewLaneSet(a, b)
	for i, want := range []*Lane{a, b, a, b} {
		if got := set.ForScene(i); got != want {
			t.Errorf("ForScene(%d) = %s, want %s", i, got.Name, want.Name)
		}
	}
}
