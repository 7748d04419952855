package think

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestBuildUserPrompt(t *testing.T) {
	got := BuildUserPrompt("why is the sky blue", activatedUnits("a", "b"))
	want := "Based on the following cognitions, think and answer: why is the sky blue\n\n" +
		"Related cognitions:\n" +
		"ID=1. content a\n" +
		"ID=2. content b\n" +
		"\nPlease think deeply based on the above cognitions and give your insights. " +
		"Use the original cognitive element sequence number in activated_cog_ids."
	if got != want {
		t.Errorf("prompt mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestSystemPromptStatesContract(t *testing.T) {
	sys := SystemPrompt()
	for _, field := range []string{"next_thought", "activated_cog_ids", "log", "generated_cog_texts", "function_calls"} {
		if !strings.Contains(sys, `"`+field+`"`) {
			t.Errorf("system prompt does not mention %s", field)
		}
	}

	custom := Prompts{Role: "You are terse."}.System()
	if !strings.HasPrefix(custom, "You are terse.\n\n") {
		t.Errorf("role override not applied: %q", custom[:40])
	}
	if !strings.Contains(custom, defaultExample) {
		t.Error("unset parts should fall back to defaults")
	}
}

func TestActionRegistry(t *testing.T) {
	r := NewActionRegistry(zap.NewNop())
	var got map[string]any
	r.Register("echo", func(ctx context.Context, args map[string]any) (string, error) {
		got = args
		return "done", nil
	})
	r.Register("fail", func(ctx context.Context, args map[string]any) (string, error) {
		return "", errors.New("boom")
	})

	out, err := r.Dispatch(context.Background(), FunctionCall{Name: "echo", Args: map[string]any{"k": "v"}})
	if err != nil || out != "done" || got["k"] != "v" {
		t.Errorf("echo = (%q, %v), args %v", out, err, got)
	}
	if _, err := r.Dispatch(context.Background(), FunctionCall{Name: "fail"}); err == nil {
		t.Error("expected handler error")
	}

	h, known := r.Resolve("does_not_exist")
	if known {
		t.Error("unknown action reported as known")
	}
	if out, err := h(context.Background(), nil); out != "" || err != nil {
		t.Errorf("no-op = (%q, %v)", out, err)
	}

	if names := r.Names(); strings.Join(names, ",") != "echo,fail" {
		t.Errorf("names = %v", names)
	}
}

func TestStringArg(t *testing.T) {
	args := map[string]any{"s": "text", "n": float64(1234567890123), "empty": "", "obj": map[string]any{}}
	if v, err := StringArg(args, "s"); err != nil || v != "text" {
		t.Errorf("s = (%q, %v)", v, err)
	}
	if v, err := StringArg(args, "n"); err != nil || v != "1234567890123" {
		t.Errorf("n = (%q, %v)", v, err)
	}
	for _, key := range []string{"empty", "obj", "missing"} {
		if _, err := StringArg(args, key); err == nil {
			t.Errorf("StringArg(%s) succeeded", key)
		}
	}
}
