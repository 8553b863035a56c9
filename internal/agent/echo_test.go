package agent

import (
	"context"
	"testing"
)

func TestEchoResult(t *testing.T) {
	out, err := NewEcho().Invoke(context.Background(), Invocation{
		TaskID:  "t1",
		Config:  map[string]any{"message": "hello"},
		Payload: map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T, want map", out)
	}
	if res["task"] != "t1" || res["message"] != "hello" {
		t.Fatalf("result = %v", res)
	}
	if res["payload"] == nil {
		t.Fatal("payload not echoed")
	}
}

func TestEchoDelayHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewEcho().Invoke(ctx, Invocation{Config: map[string]any{"delay": "5s"}}); err == nil {
		t.Fatal("want context error while delaying")
	}
}
