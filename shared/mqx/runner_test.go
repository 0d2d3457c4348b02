package mqx

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/workflow"
)

type fakeSource struct {
	msgs      []kafka.Message
	committed int
}

func (f *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeSource) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.committed += len(msgs)
	return nil
}

type published struct {
	topic   string
	headers map[string]string
}

type fakePublisher struct {
	out  []published
	fail int
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if f.fail > 0 {
		f.fail--
		return context.DeadlineExceeded
	}
	f.out = append(f.out, published{topic: topic, headers: headers})
	return nil
}

func testMessage(t *testing.T, attempt string) kafka.Message {
	t.Helper()
	env, err := events.Emit(events.SubjectOrderCreated, json.RawMessage(`{}`), uuid.New(), uuid.Nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	raw, err := env.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	msg := kafka.Message{Value: raw}
	if attempt != "" {
		msg.Headers = []kafka.Header{{Key: attemptHeader, Value: []byte(attempt)}}
	}
	return msg
}

func newRunner(src *fakeSource, pub *fakePublisher, h Handler) *Runner {
	return &Runner{
		Source:      src,
		Producer:    pub,
		Handler:     h,
		Subject:     events.SubjectOrderCreated,
		MaxAttempts: 3,
		Log:         logx.New("test", "test", "", "error"),
		Sleep:       func(ctx context.Context, d time.Duration) {},
	}
}

func TestRunnerCommitsOnSuccess(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{testMessage(t, "")}}
	pub := &fakePublisher{}
	r := newRunner(src, pub, func(ctx context.Context, env events.Envelope) error { return nil })

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.committed != 1 {
		t.Fatalf("expected 1 commit, got %d", src.committed)
	}
	if len(pub.out) != 0 {
		t.Fatalf("expected no republish, got %#v", pub.out)
	}
}

func TestRunnerRetriesTransient(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{testMessage(t, "")}}
	pub := &fakePublisher{}
	r := newRunner(src, pub, func(ctx context.Context, env events.Envelope) error {
		return errx.Transient(context.DeadlineExceeded)
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pub.out) != 1 {
		t.Fatalf("expected 1 republish, got %d", len(pub.out))
	}
	if !strings.HasSuffix(pub.out[0].topic, ".retry") {
		t.Fatalf("expected retry subject, got %s", pub.out[0].topic)
	}
	if pub.out[0].headers[attemptHeader] != "1" {
		t.Fatalf("expected attempt 1, got %q", pub.out[0].headers[attemptHeader])
	}
}

func TestRunnerParksAfterMaxAttempts(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{testMessage(t, "2")}}
	pub := &fakePublisher{}
	r := newRunner(src, pub, func(ctx context.Context, env events.Envelope) error {
		return errx.Transient(context.DeadlineExceeded)
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pub.out) != 1 || !strings.HasSuffix(pub.out[0].topic, ".dlq") {
		t.Fatalf("expected dlq publish, got %#v", pub.out)
	}
	if pub.out[0].headers["x-dlq-reason"] != "max_attempts" {
		t.Fatalf("unexpected reason: %q", pub.out[0].headers["x-dlq-reason"])
	}
}

func TestRunnerParksValidationImmediately(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{testMessage(t, "")}}
	pub := &fakePublisher{}
	r := newRunner(src, pub, func(ctx context.Context, env events.Envelope) error {
		return errx.Validation("bad payload")
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pub.out) != 1 || !strings.HasSuffix(pub.out[0].topic, ".dlq") {
		t.Fatalf("expected dlq publish, got %#v", pub.out)
	}
	if pub.out[0].headers["x-dlq-reason"] != "validation" {
		t.Fatalf("unexpected reason: %q", pub.out[0].headers["x-dlq-reason"])
	}
}

func TestRunnerParksMalformed(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{{Value: []byte("{not json")}}}
	pub := &fakePublisher{}
	called := false
	r := newRunner(src, pub, func(ctx context.Context, env events.Envelope) error {
		called = true
		return nil
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if called {
		t.Fatal("handler must not run for malformed payloads")
	}
	if len(pub.out) != 1 || pub.out[0].headers["x-dlq-reason"] != "malformed" {
		t.Fatalf("expected malformed dlq publish, got %#v", pub.out)
	}
}

func TestRunnerParksInvalidTransition(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{testMessage(t, "")}}
	pub := &fakePublisher{}
	r := newRunner(src, pub, func(ctx context.Context, env events.Envelope) error {
		return &workflow.InvalidTransitionError{Entity: "order", From: "DELIVERED", To: "CANCELLED"}
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pub.out) != 1 || !strings.HasSuffix(pub.out[0].topic, ".dlq") {
		t.Fatalf("expected dlq publish, got %#v", pub.out)
	}
	if pub.out[0].headers["x-dlq-reason"] != "invalid_transition" {
		t.Fatalf("unexpected reason: %q", pub.out[0].headers["x-dlq-reason"])
	}
}

func TestRunnerWithholdsCommitWhenRepublishFails(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{testMessage(t, "")}}
	pub := &fakePublisher{fail: 1}
	r := newRunner(src, pub, func(ctx context.Context, env events.Envelope) error {
		return errx.Transient(context.DeadlineExceeded)
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.committed != 0 {
		t.Fatalf("offset must be withheld when the retry publish fails, committed %d", src.committed)
	}
}

func TestRunnerDelaysRedeliveredMessages(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{testMessage(t, ""), testMessage(t, "2")}}
	pub := &fakePublisher{}
	var slept []time.Duration
	r := newRunner(src, pub, func(ctx context.Context, env events.Envelope) error { return nil })
	r.Sleep = func(ctx context.Context, d time.Duration) { slept = append(slept, d) }

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(slept) != 1 {
		t.Fatalf("only the redelivered message should wait, got %v", slept)
	}
	if slept[0] != 4*time.Second {
		t.Fatalf("expected squared backoff of 4s for attempt 2, got %v", slept[0])
	}
}
