package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeValidEnvelope(t *testing.T) {
	raw := []byte(`{"machine_id":"press-7","timestamp":"2024-01-01T00:00:00Z","metrics":{"temp":91.2,"vibration":0.03}}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.MachineID != "press-7" {
		t.Fatalf("expected machine press-7, got %q", msg.MachineID)
	}
	if msg.ClientTimestamp != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected client timestamp %q", msg.ClientTimestamp)
	}
	if len(msg.Metrics) != 2 || msg.Metrics["temp"] != 91.2 || msg.Metrics["vibration"] != 0.03 {
		t.Fatalf("unexpected metrics %v", msg.Metrics)
	}
	if string(msg.Raw) != string(raw) {
		t.Fatalf("raw payload not preserved: %s", msg.Raw)
	}
	names := msg.MetricNames()
	if len(names) != 2 || names[0] != "temp" || names[1] != "vibration" {
		t.Fatalf("unexpected metric order %v", names)
	}
}

func TestDecodeKeepsRawBytesVerbatim(t *testing.T) {
	raw := []byte("{ \"machine_id\" : \"lathe-1\",\n \"timestamp\": \"x\", \"metrics\": {\"rpm\": 1.50E+3}, \"extra\": [1,2] }")
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(msg.Raw) != string(raw) {
		t.Fatalf("expected byte-identical raw payload, got %q", msg.Raw)
	}
	raw[0] = 'X'
	if msg.Raw[0] != '{' {
		t.Fatal("raw payload must not alias the read buffer")
	}
	if msg.Metrics["rpm"] != 1500 {
		t.Fatalf("expected rpm 1500, got %v", msg.Metrics["rpm"])
	}
}

func TestDecodeAllowsEmptyMetrics(t *testing.T) {
	msg, err := Decode([]byte(`{"machine_id":"m","timestamp":"t","metrics":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Metrics) != 0 {
		t.Fatalf("expected no metrics, got %v", msg.Metrics)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"not json":         "not json",
		"empty":            "",
		"truncated":        `{"machine_id":"m","timestamp":"t","metrics":{"a":1`,
		"missing machine":  `{"timestamp":"t","metrics":{}}`,
		"missing metrics":  `{"machine_id":"m","timestamp":"t"}`,
		"null metrics":     `{"machine_id":"m","timestamp":"t","metrics":null}`,
		"missing ts":       `{"machine_id":"m","metrics":{}}`,
		"blank machine":    `{"machine_id":"  ","timestamp":"t","metrics":{}}`,
		"string metric":    `{"machine_id":"m","timestamp":"t","metrics":{"a":"1"}}`,
		"null metric":      `{"machine_id":"m","timestamp":"t","metrics":{"a":null}}`,
		"numeric ts":       `{"machine_id":"m","timestamp":5,"metrics":{}}`,
		"array":            `[1,2,3]`,
		"trailing data":    `{"machine_id":"m","timestamp":"t","metrics":{}} {}`,
		"empty metric key": `{"machine_id":"m","timestamp":"t","metrics":{"":1}}`,
		"upper case keys":  `{"MACHINE_ID":"press-7","Timestamp":"t","METRICS":{"temp":1}}`,
		"duplicate key":    `{"machine_id":"a","machine_id":"b","timestamp":"t","metrics":{"x":2}}`,
		"null machine":     `{"machine_id":null,"timestamp":"t","metrics":{}}`,
		"open object":      `{"machine_id":"m"`,
	}
	for name, input := range cases {
		_, err := Decode([]byte(input))
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("%s: expected DecodeError, got %v", name, err)
		}
		if decodeErr.Reason == "" {
			t.Fatalf("%s: expected a diagnostic", name)
		}
	}
}

func TestDecodeDiagnostics(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{`{"machine_id":"a","machine_id":"b","timestamp":"t","metrics":{}}`, "duplicate field `machine_id`"},
		{`{"MACHINE_ID":"m","timestamp":"t","metrics":{}}`, "missing field `machine_id`"},
		{`{"machine_id":"m","timestamp":5,"metrics":{}}`, "invalid type for `timestamp`: expected string, got number"},
		{`[1]`, "expected a JSON object, got array"},
		{`{"machine_id":"m"`, "unexpected end of JSON input"},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.input))
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("%s: expected DecodeError, got %v", tc.input, err)
		}
		if decodeErr.Reason != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.input, tc.want, decodeErr.Reason)
		}
	}
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	msg, err := Decode([]byte(`{"machine_id":"m","timestamp":"t","metrics":{"a":1},"firmware":"1.2"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.MachineID != "m" || msg.Metrics["a"] != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	raw := append([]byte(`{"machine_id":"`), 0xff, 0xfe)
	raw = append(raw, []byte(`","timestamp":"t","metrics":{}}`)...)
	_, err := Decode(raw)
	if err == nil || !strings.Contains(err.Error(), "UTF-8") {
		t.Fatalf("expected UTF-8 error, got %v", err)
	}
}

func TestDecodeAcceptsTrailingWhitespace(t *testing.T) {
	if _, err := Decode([]byte("{\"machine_id\":\"m\",\"timestamp\":\"t\",\"metrics\":{}}\r\n ")); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestResponseEncoding(t *testing.T) {
	now := time.Date(2025, time.March, 4, 5, 6, 7, 0, time.FixedZone("CET", 3600))
	resp := Success(now)
	var decoded map[string]string
	if err := json.Unmarshal(resp.Encode(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["status"] != "success" || decoded["message"] != "Log received and stored" {
		t.Fatalf("unexpected response %v", decoded)
	}
	if decoded["timestamp"] != "2025-03-04T04:06:07Z" {
		t.Fatalf("expected UTC RFC3339 timestamp, got %q", decoded["timestamp"])
	}
	if _, err := time.Parse(time.RFC3339, decoded["timestamp"]); err != nil {
		t.Fatalf("timestamp not RFC3339: %v", err)
	}
}

func TestInvalidJSONResponseCarriesDiagnostic(t *testing.T) {
	_, err := Decode([]byte("not json"))
	resp := InvalidJSON(err, time.Now())
	if resp.Status != StatusError {
		t.Fatalf("expected error status, got %q", resp.Status)
	}
	if !strings.HasPrefix(resp.Message, "Invalid JSON: ") || len(resp.Message) <= len("Invalid JSON: ") {
		t.Fatalf("unexpected message %q", resp.Message)
	}
}

func TestTooLargeResponse(t *testing.T) {
	resp := TooLarge(70000, 65536, time.Now())
	if resp.Message != "Message too large: 70000 bytes exceeds limit of 65536" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
}
