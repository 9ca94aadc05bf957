package codec

import (
	"encoding/json"
	"fmt"
	"time"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Client-facing response messages.
const (
	MessageStored      = "Log received and stored"
	MessageStoreFailed = "Failed to store log"
	MessagePoolBusy    = "Failed to store log: database busy"
	MessageRateLimited = "Rate limit exceeded"
)

// Response is the acknowledgement envelope written back for every request.
type Response struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Success builds the acknowledgement for a stored log.
func Success(now time.Time) Response {
	return Response{Status: StatusSuccess, Message: MessageStored, Timestamp: formatTime(now)}
}

// Failure builds an error response with the given message.
func Failure(message string, now time.Time) Response {
	return Response{Status: StatusError, Message: message, Timestamp: formatTime(now)}
}

// InvalidJSON builds the error response for a payload that failed to decode.
func InvalidJSON(err error, now time.Time) Response {
	return Failure("Invalid JSON: "+err.Error(), now)
}

// TooLarge builds the error response for a frame over the size limit.
func TooLarge(size, limit int64, now time.Time) Response {
	return Failure(fmt.Sprintf("Message too large: %d bytes exceeds limit of %d", size, limit), now)
}

// Encode renders the response as compact JSON.
func (r Response) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"status":"error","message":"internal error","timestamp":"` + r.Timestamp + `"}`)
	}
	return data
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
