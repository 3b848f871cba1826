package bridge

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/experthub/experthub/internal/task"
)

func evalExpr(t *testing.T, ip *Interp, payload string) task.Outcome {
	t.Helper()
	return ip.Invoke(t.Context(), json.RawMessage(payload), nil)
}

func resultValue(t *testing.T, out task.Outcome) float64 {
	t.Helper()
	if out.Kind != task.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", out.Kind, out.Err)
	}
	var r struct {
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(out.Result, &r); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return r.Value
}

func TestInterpArithmetic(t *testing.T) {
	ip := NewInterp(0, 0)

	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"-4 + 10", 6},
		{"10 / 4", 2.5},
		{"7 % 3", 1},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out := evalExpr(t, ip, `{"expr":"`+tt.expr+`"}`)
			if got := resultValue(t, out); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestInterpFunctions(t *testing.T) {
	ip := NewInterp(0, 0)

	tests := []struct {
		expr string
		want float64
	}{
		{"sum(1, 2, 3)", 6},
		{"mean(2, 4, 6)", 4},
		{"min(5, 2, 8)", 2},
		{"max(5, 2, 8)", 8},
		{"abs(-3.5)", 3.5},
		{"clamp(15, 0, 10)", 10},
		{"mean(min(1, 2), max(3, 4))", 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out := evalExpr(t, ip, `{"expr":"`+tt.expr+`"}`)
			if got := resultValue(t, out); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestInterpVariables(t *testing.T) {
	ip := NewInterp(0, 0)
	out := evalExpr(t, ip, `{"expr":"x * y + 1","vars":{"x":3,"y":4}}`)
	if got := resultValue(t, out); got != 13 {
		t.Fatalf("got %f, want 13", got)
	}
}

func TestInterpSandboxRefusals(t *testing.T) {
	ip := NewInterp(0, 0)

	tests := []struct {
		name string
		expr string
	}{
		{"unknown identifier", "os + 1"},
		{"unknown function", "exec(1)"},
		{"selector call", "os.Exit(1)"},
		{"string literal", `"pwned"`},
		{"comparison", "1 < 2"},
		{"index expression", "a[0]"},
		{"func literal", "func() {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := json.Marshal(map[string]string{"expr": tt.expr})
			out := ip.Invoke(t.Context(), payload, nil)
			if out.Kind != task.OutcomeSandboxViolation {
				t.Fatalf("expected sandbox_violation, got %s (%s)", out.Kind, out.Err)
			}
		})
	}
}

func TestInterpSizeCap(t *testing.T) {
	ip := NewInterp(32, 0)
	expr := "1" + strings.Repeat("+1", 40)
	payload, _ := json.Marshal(map[string]string{"expr": expr})
	out := ip.Invoke(t.Context(), payload, nil)
	if out.Kind != task.OutcomeSandboxViolation {
		t.Fatalf("expected sandbox_violation, got %s", out.Kind)
	}
}

func TestInterpDepthCap(t *testing.T) {
	ip := NewInterp(0, 4)
	out := evalExpr(t, ip, `{"expr":"((((((1))))))"}`)
	if out.Kind != task.OutcomeSandboxViolation {
		t.Fatalf("expected sandbox_violation, got %s (%s)", out.Kind, out.Err)
	}
}

func TestInterpRuntimeErrors(t *testing.T) {
	ip := NewInterp(0, 0)

	out := evalExpr(t, ip, `{"expr":"1 / 0"}`)
	if out.Kind != task.OutcomeHandlerError {
		t.Fatalf("division by zero should be a handler error, got %s", out.Kind)
	}

	out = evalExpr(t, ip, `{"expr":"mean()"}`)
	if out.Kind != task.OutcomeHandlerError {
		t.Fatalf("empty mean should be a handler error, got %s", out.Kind)
	}
}

func TestInterpPayloadValidation(t *testing.T) {
	ip := NewInterp(0, 0)
	if out := evalExpr(t, ip, `{"expr":""}`); out.Kind != task.OutcomeHandlerError {
		t.Fatalf("missing expr should be a handler error, got %s", out.Kind)
	}
	if out := evalExpr(t, ip, `not json`); out.Kind != task.OutcomeHandlerError {
		t.Fatalf("bad payload should be a handler error, got %s", out.Kind)
	}
}
