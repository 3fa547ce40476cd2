package httpapi

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-payhooks/core"
)

const ErrorPayloadTooLarge = "PAYHOOKS_PAYLOAD_TOO_LARGE"

type errorBody struct {
	Category string         `json:"category"`
	Code     int            `json:"code"`
	TextCode string         `json:"text_code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func envelopeFor(err *goerrors.Error) errorEnvelope {
	return errorEnvelope{Error: errorBody{
		Category: fmt.Sprint(err.Category),
		Code:     err.Code,
		TextCode: err.TextCode,
		Message:  err.Message,
		Metadata: err.Metadata,
	}}
}

// writeError renders err as an envelope. status overrides the envelope code
// when positive.
func writeError(w http.ResponseWriter, status int, err error) {
	mapped := core.MapError(err)
	if mapped == nil {
		mapped = core.MapError(fmt.Errorf("unknown failure"))
	}
	if status <= 0 {
		status = mapped.Code
	}
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	mapped.Code = status
	writeJSON(w, status, envelopeFor(mapped))
}

func payloadTooLarge(limit int64) *goerrors.Error {
	err := goerrors.New("webhook body exceeds the size limit", goerrors.CategoryBadInput).
		WithTextCode(ErrorPayloadTooLarge).
		WithMetadata(map[string]any{"max_body_bytes": limit})
	err.Code = http.StatusRequestEntityTooLarge
	return err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, `{"error":{"message":"encoding failed"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
