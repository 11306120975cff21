package driver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeStream replays a fixed event sequence, then closes with an optional
// terminal error.
type fakeStream struct {
	events []*StreamEvent
	err    error
	ch     chan *StreamEvent
}

func newFakeStream(err error, events ...*StreamEvent) *fakeStream {
	s := &fakeStream{events: events, err: err, ch: make(chan *StreamEvent)}
	go func() {
		defer close(s.ch)
		for _, ev := range s.events {
			s.ch <- ev
		}
	}()
	return s
}

func (s *fakeStream) Events() <-chan *StreamEvent { return s.ch }
func (s *fakeStream) Err() error                  { return s.err }

type fakeService struct {
	stream   Stream
	startErr error
	lastReq  Request
}

func (s *fakeService) Start(_ context.Context, req Request) (Stream, error) {
	s.lastReq = req
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.stream, nil
}

func assistantEvent(text string) *StreamEvent {
	return &StreamEvent{
		Type:    eventAssistant,
		Message: &Message{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: text}}},
	}
}

func resultEvent(text string, cost float64) *StreamEvent {
	return &StreamEvent{Type: eventResult, Subtype: "success", Result: text, TotalCostUSD: cost}
}

func TestExecuteTalliesTurnsAndCost(t *testing.T) {
	svc := &fakeService{stream: newFakeStream(nil,
		assistantEvent("reading the failing test"),
		assistantEvent("applying the fix"),
		assistantEvent("rerunning tests"),
		resultEvent("fixed the bug", 0.73),
	)}
	d := New(svc, nil)

	res, err := d.Execute(context.Background(), "fix it", t.TempDir(), ExecConfig{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if res.Turns != 3 {
		t.Fatalf("Turns = %d, want 3", res.Turns)
	}
	if res.CostUSD != 0.73 {
		t.Fatalf("CostUSD = %v, want 0.73", res.CostUSD)
	}
	if res.Text != "fixed the bug" {
		t.Fatalf("Text = %q", res.Text)
	}
	if res.APIErrorDetected {
		t.Fatalf("no API errors occurred")
	}
}

func TestExecuteCountersResetAcrossCalls(t *testing.T) {
	svc := &fakeService{stream: newFakeStream(nil, assistantEvent("a"), assistantEvent("b"), resultEvent("done", 0.10))}
	d := New(svc, nil)
	if _, err := d.Execute(context.Background(), "p", t.TempDir(), ExecConfig{}); err != nil {
		t.Fatal(err)
	}

	svc.stream = newFakeStream(nil, assistantEvent("only one"), resultEvent("done again", 0.05))
	res, err := d.Execute(context.Background(), "p", t.TempDir(), ExecConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Turns != 1 || res.CostUSD != 0.05 {
		t.Fatalf("second call leaked state: turns=%d cost=%v", res.Turns, res.CostUSD)
	}
}

func TestExecuteBillingCapDetected(t *testing.T) {
	svc := &fakeService{stream: newFakeStream(nil,
		assistantEvent("checking"),
		resultEvent("Your spending cap has been reached and resets on Monday", 0),
	)}
	d := New(svc, nil)

	_, err := d.Execute(context.Background(), "p", t.TempDir(), ExecConfig{})
	if err == nil {
		t.Fatalf("expected billing-cap error")
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %T", err)
	}
	if execErr.Kind != KindBilling {
		t.Fatalf("Kind = %s, want %s", execErr.Kind, KindBilling)
	}
	if execErr.Partial == nil || execErr.Partial.Turns != 1 {
		t.Fatalf("partial result missing or wrong: %+v", execErr.Partial)
	}
}

func TestExecuteBillingCapNotTriggeredByRealWork(t *testing.T) {
	cases := []struct {
		name   string
		events []*StreamEvent
	}{
		{
			// Nonzero cost means the provider actually billed the work.
			name: "nonzero cost",
			events: []*StreamEvent{
				assistantEvent("raising the rate limit"),
				resultEvent("raised the request limit in config", 0.31),
			},
		},
		{
			// Many turns of zero-cost output is not the cap shape either.
			name: "many turns",
			events: []*StreamEvent{
				assistantEvent("a"), assistantEvent("b"), assistantEvent("c"),
				resultEvent("set the new budget threshold", 0),
			},
		},
		{
			name: "no keyword",
			events: []*StreamEvent{
				resultEvent("hello", 0),
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{stream: newFakeStream(nil, tc.events...)}
			d := New(svc, nil)
			res, err := d.Execute(context.Background(), "p", t.TempDir(), ExecConfig{})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.Success {
				t.Fatalf("expected success: %+v", res)
			}
		})
	}
}

func TestExecuteMidStreamErrorStillCompletes(t *testing.T) {
	svc := &fakeService{stream: newFakeStream(nil,
		assistantEvent("working"),
		&StreamEvent{Type: eventError, ErrorMessage: "overloaded_error"},
		assistantEvent("recovered, continuing"),
		resultEvent("finished despite the blip", 0.22),
	)}
	var progress strings.Builder
	d := New(svc, &progress)

	res, err := d.Execute(context.Background(), "p", t.TempDir(), ExecConfig{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("terminal result should win over a mid-stream error: %+v", res)
	}
	if !res.APIErrorDetected {
		t.Fatalf("APIErrorDetected should be set")
	}
	if !strings.Contains(progress.String(), "overloaded_error") {
		t.Fatalf("error should be surfaced on progress output:\n%s", progress.String())
	}
}

func TestExecuteStreamEndsWithoutResult(t *testing.T) {
	svc := &fakeService{stream: newFakeStream(nil, assistantEvent("partial work"))}
	d := New(svc, nil)

	_, err := d.Execute(context.Background(), "p", t.TempDir(), ExecConfig{})
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %v", err)
	}
	if execErr.Kind != KindRetryable {
		t.Fatalf("Kind = %s, want retryable", execErr.Kind)
	}
	if execErr.Partial == nil || execErr.Partial.Text != "partial work" {
		t.Fatalf("partial transcript not carried: %+v", execErr.Partial)
	}
}

func TestExecuteStreamErrorAfterAPIError(t *testing.T) {
	svc := &fakeService{stream: newFakeStream(nil,
		&StreamEvent{Type: eventError, ErrorMessage: "internal server error"},
	)}
	d := New(svc, nil)

	_, err := d.Execute(context.Background(), "p", t.TempDir(), ExecConfig{})
	if err == nil || !strings.Contains(err.Error(), "internal server error") {
		t.Fatalf("error should carry the API error message, got %v", err)
	}
}

func TestExecuteStartFailure(t *testing.T) {
	svc := &fakeService{startErr: errors.New("executable not on PATH")}
	d := New(svc, nil)

	_, err := d.Execute(context.Background(), "p", t.TempDir(), ExecConfig{})
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %v", err)
	}
	if !execErr.Retryable() {
		t.Fatalf("start failures are retryable")
	}
}

func TestExecuteContextCancellation(t *testing.T) {
	// A stream that never produces events.
	svc := &fakeService{stream: &fakeStream{ch: make(chan *StreamEvent)}}
	d := New(svc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Execute(ctx, "p", t.TempDir(), ExecConfig{})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		var execErr *ExecError
		if !errors.As(err, &execErr) {
			t.Fatalf("expected *ExecError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Execute did not return after cancellation")
	}
}

func TestExecutePassesRequestThrough(t *testing.T) {
	svc := &fakeService{stream: newFakeStream(nil, resultEvent("produced the deliverable file", 0.01))}
	d := New(svc, nil)
	dir := t.TempDir()
	cfg := ExecConfig{ModelID: "opus", MaxTurns: 40}

	if _, err := d.Execute(context.Background(), "the prompt", dir, cfg); err != nil {
		t.Fatal(err)
	}
	if svc.lastReq.Prompt != "the prompt" || svc.lastReq.WorkDir != dir {
		t.Fatalf("request not forwarded: %+v", svc.lastReq)
	}
	if svc.lastReq.Config.ModelID != "opus" || svc.lastReq.Config.MaxTurns != 40 {
		t.Fatalf("config not forwarded: %+v", svc.lastReq.Config)
	}
}

func TestLooksLikeBillingCap(t *testing.T) {
	cases := []struct {
		turns int
		cost  float64
		text  string
		want  bool
	}{
		{0, 0, "You have hit your spending limit.", true},
		{2, 0, "Usage BUDGET exhausted, resets at midnight", true},
		{1, 0, "cap reached", true},
		{3, 0, "spending limit", false},
		{1, 0.0001, "spending limit", false},
		{0, 0, "", false},
		{0, 0, "everything is fine", false},
	}
	for _, tc := range cases {
		if got := looksLikeBillingCap(tc.turns, tc.cost, tc.text); got != tc.want {
			t.Errorf("looksLikeBillingCap(%d, %v, %q) = %v, want %v", tc.turns, tc.cost, tc.text, got, tc.want)
		}
	}
}
