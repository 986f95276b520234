package ai

import (
	"errors"
	"testing"
)

func TestParseDecisionVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want DecisionKind
	}{
		{"reply", `{"kind":"reply","reply":"4"}`, DecisionReply},
		{"create_jobs", `{"kind":"create_jobs","tasks":[{"prompt":"clone repo","source_ids":["m1","m2"]}]}`, DecisionCreateJobs},
		{"create_cron", `{"kind":"create_cron","cron":{"name":"standup","schedule":"0 9 * * 1-5","timezone":"Europe/London","prompt":"post standup"}}`, DecisionCreateCron},
		{"cancel_job", `{"kind":"cancel_job","job_id":"j1"}`, DecisionCancelJob},
		{"cancel_cron", `{"kind":"cancel_cron","cron_name":"standup"}`, DecisionCancelCron},
		{"resume_job", `{"kind":"resume_job","job_id":"j1","resume_answer":"prod"}`, DecisionResumeJob},
		{"set_subscription", `{"kind":"set_subscription","subscribe":false}`, DecisionSetSubscription},
		{"noop", `{"kind":"noop"}`, DecisionNoop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := ParseDecision([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if d.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", d.Kind, tc.want)
			}
		})
	}
}

func TestParseDecisionRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `reply: 4`},
		{"unknown kind", `{"kind":"banana"}`},
		{"empty reply", `{"kind":"reply","reply":"  "}`},
		{"no tasks", `{"kind":"create_jobs","tasks":[]}`},
		{"empty task prompt", `{"kind":"create_jobs","tasks":[{"prompt":""}]}`},
		{"cron without schedule", `{"kind":"create_cron","cron":{"name":"x"}}`},
		{"cancel without id", `{"kind":"cancel_job"}`},
		{"resume without answer", `{"kind":"resume_job","job_id":"j1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDecision([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if IsRetryable(err) {
				t.Fatal("malformed classifier output must be permanent")
			}
		})
	}
}

func TestRetryableClassification(t *testing.T) {
	if !IsRetryable(Retryable(errors.New("timeout"))) {
		t.Fatal("retryable lost its class")
	}
	if IsRetryable(Permanent(errors.New("bad schema"))) {
		t.Fatal("permanent treated as retryable")
	}
	// Unclassified errors default to retryable.
	if !IsRetryable(errors.New("plain")) {
		t.Fatal("plain error should default retryable")
	}
}

func TestAudioOnly(t *testing.T) {
	if !AudioOnly([]TriageMessage{{ID: "m1", HasAudio: true}}) {
		t.Fatal("voice-note-only batch not detected")
	}
	if AudioOnly([]TriageMessage{{ID: "m1", HasAudio: true, Content: "see attached"}}) {
		t.Fatal("audio with caption must not bypass triage")
	}
	if AudioOnly([]TriageMessage{{ID: "m1", HasAudio: true}, {ID: "m2", Content: "and this"}}) {
		t.Fatal("mixed batch must not bypass triage")
	}
	if AudioOnly(nil) {
		t.Fatal("empty batch is not audio-only")
	}
}
