package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsGroupsFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s1", UserID: "u1"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "ping", ID: "7", Type: "request"})
	ctx = WithTaskData(ctx, &TaskData{TaskID: "t1"})
	log.With(slog.String("component", "test")).InfoContext(ctx, "logctx.test")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	sess, _ := rec["sess"].(map[string]any)
	if want, got := "s1", sess["id"]; want != got {
		t.Fatalf("sess.id: want %v got %v", want, got)
	}
	rpc, _ := rec["rpc"].(map[string]any)
	if want, got := "ping", rpc["method"]; want != got {
		t.Fatalf("rpc.method: want %v got %v", want, got)
	}
	task, _ := rec["task"].(map[string]any)
	if want, got := "t1", task["id"]; want != got {
		t.Fatalf("task.id: want %v got %v", want, got)
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("unexpected req group without request data")
	}
	if want, got := "test", rec["component"]; want != got {
		t.Fatalf("component: want %v got %v", want, got)
	}
}

func TestWrap_Idempotent(t *testing.T) {
	l := Wrap(slog.Default())
	if Wrap(l) != l {
		t.Fatalf("expected already-wrapped logger to be returned unchanged")
	}
}
