package eventbus

import (
	"context"
	"os"
	"testing"

	"github.com/swarmguard/fluxweave/internal/stepfn"
)

func TestDialInertWithoutURL(t *testing.T) {
	os.Unsetenv("FLUXWEAVE_NATS_URL")
	b, err := Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer b.Close()

	if err := b.Publish(context.Background(), "ws", stepfn.Event{Seq: 1, Kind: "initialized"}); err != nil {
		t.Fatalf("Publish on inert bus should be a no-op, got: %v", err)
	}

	sub, err := b.Subscribe("ws", func(context.Context, stepfn.Event) {})
	if err != nil || sub != nil {
		t.Fatalf("Subscribe on inert bus should return (nil, nil), got sub=%v err=%v", sub, err)
	}
}

func TestSubjectNamespacesByWorkspace(t *testing.T) {
	if Subject("alpha") == Subject("beta") {
		t.Fatal("expected distinct subjects per workspace")
	}
	if got, want := Subject("alpha"), "fluxweave.execution.events.alpha"; got != want {
		t.Fatalf("Subject(alpha) = %q, want %q", got, want)
	}
}
