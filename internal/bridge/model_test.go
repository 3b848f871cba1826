package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/experthub/experthub/internal/task"
)

func writeModel(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".model"), []byte(content), 0644); err != nil {
		t.Fatalf("write model: %v", err)
	}
}

const testModel = `name: tiny
max_tokens: 8
vocab:
  - alpha
  - beta
  - gamma
  - delta
`

func TestModelGenerate(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "tiny", testModel)
	m := NewModelBridge(dir, "")

	out := m.Invoke(t.Context(), json.RawMessage(`{"model":"tiny","prompt":"hello"}`), nil)
	if out.Kind != task.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", out.Kind, out.Err)
	}

	var r struct {
		Model  string `json:"model"`
		Text   string `json:"text"`
		Tokens int    `json:"tokens"`
	}
	if err := json.Unmarshal(out.Result, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Model != "tiny" || r.Text == "" || r.Tokens == 0 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestModelGenerateIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "tiny", testModel)
	m := NewModelBridge(dir, "")

	payload := json.RawMessage(`{"model":"tiny","prompt":"same prompt"}`)
	a := m.Invoke(t.Context(), payload, nil)
	b := m.Invoke(t.Context(), payload, nil)
	if string(a.Result) != string(b.Result) {
		t.Fatalf("same prompt produced different output:\n%s\n%s", a.Result, b.Result)
	}

	c := m.Invoke(t.Context(), json.RawMessage(`{"model":"tiny","prompt":"other prompt"}`), nil)
	if string(a.Result) == string(c.Result) {
		t.Fatal("different prompts produced identical output")
	}
}

func TestModelDefaultModel(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "tiny", testModel)
	m := NewModelBridge(dir, "tiny")

	out := m.Invoke(t.Context(), json.RawMessage(`{"prompt":"hi"}`), nil)
	if out.Kind != task.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", out.Kind, out.Err)
	}
}

func TestModelMissingArtifact(t *testing.T) {
	m := NewModelBridge(t.TempDir(), "")
	out := m.Invoke(t.Context(), json.RawMessage(`{"model":"nope","prompt":"hi"}`), nil)
	if out.Kind != task.OutcomeInfraError {
		t.Fatalf("expected infrastructure_error, got %s", out.Kind)
	}
	if out.InfraKind != "model_load" {
		t.Fatalf("expected model_load fault, got %s", out.InfraKind)
	}
}

func TestModelRejectsTraversalNames(t *testing.T) {
	m := NewModelBridge(t.TempDir(), "")
	out := m.Invoke(t.Context(), json.RawMessage(`{"model":"../etc/passwd","prompt":"hi"}`), nil)
	if out.Kind != task.OutcomeInfraError {
		t.Fatalf("expected infrastructure_error, got %s", out.Kind)
	}
}

func TestModelPayloadValidation(t *testing.T) {
	m := NewModelBridge(t.TempDir(), "")
	if out := m.Invoke(t.Context(), json.RawMessage(`{"model":"tiny"}`), nil); out.Kind != task.OutcomeHandlerError {
		t.Fatalf("missing prompt should be a handler error, got %s", out.Kind)
	}
	if out := m.Invoke(t.Context(), json.RawMessage(`{"prompt":"hi"}`), nil); out.Kind != task.OutcomeHandlerError {
		t.Fatalf("no model and no default should be a handler error, got %s", out.Kind)
	}
}

func TestModelMalformedArtifact(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "bad", "vocab: []\n")
	m := NewModelBridge(dir, "")
	out := m.Invoke(t.Context(), json.RawMessage(`{"model":"bad","prompt":"hi"}`), nil)
	if out.Kind != task.OutcomeInfraError || out.InfraKind != "model_load" {
		t.Fatalf("empty vocab should be a model_load fault, got %s (%s)", out.Kind, out.InfraKind)
	}
}

func TestModelCapsRequestedTokens(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "tiny", testModel)
	m := NewModelBridge(dir, "")

	// A request this large must be clamped, not allocated.
	out := m.Invoke(t.Context(), json.RawMessage(`{"model":"tiny","prompt":"hi","max_tokens":1099511627776}`), nil)
	if out.Kind != task.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", out.Kind, out.Err)
	}

	var r struct {
		Tokens int `json:"tokens"`
	}
	if err := json.Unmarshal(out.Result, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Tokens == 0 || r.Tokens > maxGenerateTokens {
		t.Fatalf("token count %d escaped the ceiling %d", r.Tokens, maxGenerateTokens)
	}
}

func TestModelCachesArtifact(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "tiny", testModel)
	m := NewModelBridge(dir, "")

	payload := json.RawMessage(`{"model":"tiny","prompt":"hi"}`)
	if out := m.Invoke(t.Context(), payload, nil); out.Kind != task.OutcomeSuccess {
		t.Fatalf("first invocation failed: %s (%s)", out.Kind, out.Err)
	}

	// The artifact is gone; only the cache can serve the second call.
	if err := os.Remove(filepath.Join(dir, "tiny.model")); err != nil {
		t.Fatalf("remove model: %v", err)
	}
	if out := m.Invoke(t.Context(), payload, nil); out.Kind != task.OutcomeSuccess {
		t.Fatalf("cached invocation failed: %s (%s)", out.Kind, out.Err)
	}
}

func TestModelHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "tiny", testModel)
	m := NewModelBridge(dir, "")

	ctx, cancel := context.WithDeadline(t.Context(), time.Now().Add(-time.Second))
	defer cancel()
	out := m.Invoke(ctx, json.RawMessage(`{"model":"tiny","prompt":"hi","max_tokens":1000}`), nil)
	if out.Kind != task.OutcomeTimeout {
		t.Fatalf("expected timeout, got %s", out.Kind)
	}
}
