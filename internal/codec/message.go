package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"
)

// Message is a decoded machine event. Raw holds the exact bytes that were received.
type Message struct {
	MachineID string
	// ClientTimestamp is accepted for compatibility but never used as the
	// ingestion time; the server clock is authoritative.
	ClientTimestamp string
	Metrics         map[string]float64
	Raw             []byte
}

// MetricNames returns the metric names in ascending order.
func (m Message) MetricNames() []string {
	names := make([]string, 0, len(m.Metrics))
	for name := range m.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeError reports why a payload could not be decoded into a Message.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return e.Reason
}

// envelopeKeys are the top-level keys of an event. Keys match exactly; other
// keys are ignored.
var envelopeKeys = map[string]bool{"machine_id": true, "timestamp": true, "metrics": true}

// Decode validates raw as UTF-8 JSON and decodes the event envelope.
func Decode(raw []byte) (Message, error) {
	if !utf8.Valid(raw) {
		return Message{}, &DecodeError{Reason: "invalid UTF-8 sequence in message"}
	}

	fields, err := readEnvelope(raw)
	if err != nil {
		return Message{}, err
	}
	for _, key := range []string{"machine_id", "timestamp", "metrics"} {
		if _, ok := fields[key]; !ok {
			return Message{}, &DecodeError{Reason: fmt.Sprintf("missing field `%s`", key)}
		}
	}

	var machineID, timestamp string
	var values map[string]*float64
	if err := decodeField("machine_id", fields["machine_id"], &machineID); err != nil {
		return Message{}, err
	}
	if err := decodeField("timestamp", fields["timestamp"], &timestamp); err != nil {
		return Message{}, err
	}
	if err := decodeField("metrics", fields["metrics"], &values); err != nil {
		return Message{}, err
	}

	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return Message{}, &DecodeError{Reason: "field `machine_id` must not be empty"}
	}

	metrics := make(map[string]float64, len(values))
	for name, value := range values {
		if name == "" {
			return Message{}, &DecodeError{Reason: "metric names must not be empty"}
		}
		if value == nil {
			return Message{}, &DecodeError{Reason: fmt.Sprintf("metric %q must be a number, got null", name)}
		}
		metrics[name] = *value
	}

	return Message{
		MachineID:       machineID,
		ClientTimestamp: timestamp,
		Metrics:         metrics,
		Raw:             append([]byte(nil), raw...),
	}, nil
}

// readEnvelope walks the top-level object and returns the raw value of each
// envelope key. A repeated top-level key is an error.
func readEnvelope(raw []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, &DecodeError{Reason: describe(err)}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, &DecodeError{Reason: fmt.Sprintf("expected a JSON object, got %s", tokenKind(tok))}
	}

	fields := make(map[string]json.RawMessage, len(envelopeKeys))
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, &DecodeError{Reason: describe(unexpectedEOF(err))}
		}
		key, _ := tok.(string)
		if seen[key] {
			return nil, &DecodeError{Reason: fmt.Sprintf("duplicate field `%s`", key)}
		}
		seen[key] = true

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, &DecodeError{Reason: describe(unexpectedEOF(err))}
		}
		if envelopeKeys[key] {
			fields[key] = value
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, &DecodeError{Reason: describe(unexpectedEOF(err))}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Reason: "unexpected data after JSON object"}
	}
	return fields, nil
}

// unexpectedEOF reports a clean EOF inside the object as truncation.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func decodeField(name string, value json.RawMessage, target any) error {
	if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return &DecodeError{Reason: fmt.Sprintf("invalid type for `%s`: got null", name)}
	}
	err := json.Unmarshal(value, target)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := name
		if typeErr.Field != "" {
			field = name + "." + typeErr.Field
		}
		return &DecodeError{Reason: fmt.Sprintf("invalid type for `%s`: expected %s, got %s", field, jsonKind(typeErr.Type.Kind().String()), typeErr.Value)}
	}
	return &DecodeError{Reason: describe(err)}
}

func tokenKind(tok json.Token) string {
	switch tok.(type) {
	case json.Delim:
		return "array"
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "bool"
	default:
		return "null"
	}
}

func describe(err error) string {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, io.EOF):
		return "empty message"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "unexpected end of JSON input"
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("%s at offset %d", syntaxErr.Error(), syntaxErr.Offset)
	case errors.As(err, &typeErr):
		if typeErr.Field == "" {
			return fmt.Sprintf("expected a JSON object, got %s", typeErr.Value)
		}
		return fmt.Sprintf("invalid type for `%s`: expected %s, got %s", typeErr.Field, jsonKind(typeErr.Type.Kind().String()), typeErr.Value)
	default:
		return err.Error()
	}
}

func jsonKind(goKind string) string {
	switch goKind {
	case "float64":
		return "number"
	case "map":
		return "object"
	default:
		return goKind
	}
}
