package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{
		Protocol:   Version,
		TaskID:     "t-1",
		Op:         OpInvoke,
		Handler:    "echo",
		Payload:    []byte(`{"msg":"hi"}`),
		DeadlineAt: time.Now().Add(time.Minute),
	}
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := buf.String()
	if !strings.Contains(s, `"op":"invoke"`) || !strings.Contains(s, `"handler":"echo"`) {
		t.Fatalf("unexpected encoding: %s", s)
	}
}

func TestEncodeRequestRejectsBadEnvelope(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, &Request{Protocol: 99, Op: OpInvoke}); err == nil {
		t.Fatal("expected version error")
	}
	if err := EncodeRequest(&buf, &Request{Protocol: Version}); err == nil {
		t.Fatal("expected missing-op error")
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse(strings.NewReader(`{"status":"ok","result":{"n":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || string(resp.Result) != `{"n":1}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDecodeResponseRejectsUnknownFields(t *testing.T) {
	if _, err := DecodeResponse(strings.NewReader(`{"status":"ok","bogus":true}`)); err == nil {
		t.Fatal("expected unknown-field rejection")
	}
}

func TestDecodeResponseValidation(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing status", `{}`},
		{"bad status", `{"status":"maybe"}`},
		{"error without message", `{"status":"error"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeResponse(strings.NewReader(tt.input)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	resp, raw, err := DecodeResponseLenient(strings.NewReader(`{"status":"error","error":"boom","extra":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "boom" {
		t.Fatalf("unexpected error field: %q", resp.Error)
	}
	if len(raw) == 0 {
		t.Fatal("expected raw bytes back")
	}
}

func TestDecodeResponseLenientEmpty(t *testing.T) {
	if _, _, err := DecodeResponseLenient(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty stdout")
	}
}

func TestDecodeResponseLenientGarbage(t *testing.T) {
	_, raw, err := DecodeResponseLenient(strings.NewReader("segfault at 0x0"))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if string(raw) != "segfault at 0x0" {
		t.Fatalf("raw bytes not preserved: %q", raw)
	}
}

func TestDecodeResponseStateUpdates(t *testing.T) {
	resp, err := DecodeResponse(strings.NewReader(`{"status":"ok","state_updates":{"count":3}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(resp.StateUpdates["count"]) != "3" {
		t.Fatalf("unexpected state updates: %v", resp.StateUpdates)
	}
}
