package webhooks

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/goliatone/go-payhooks/core"
)

const gatewaySuccessCode = "00"

type gatewayEnvelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type gatewayEvent struct {
	OrderCode           int64       `json:"orderCode"`
	Amount              int64       `json:"amount"`
	Status              string      `json:"status"`
	TransactionID       string      `json:"transactionId"`
	Reference           string      `json:"reference"`
	Time                gatewayTime `json:"time"`
	TransactionDateTime gatewayTime `json:"transactionDateTime"`
}

func (e gatewayEvent) gatewayTransactionID() string {
	if id := strings.TrimSpace(e.TransactionID); id != "" {
		return id
	}
	return strings.TrimSpace(e.Reference)
}

func (e gatewayEvent) eventTime() time.Time {
	if !e.Time.IsZero() {
		return e.Time.Time
	}
	return e.TransactionDateTime.Time
}

// gatewayTime accepts unix seconds or milliseconds, numeric strings,
// RFC3339 and the "2006-01-02 15:04:05" form some gateways send in UTC.
type gatewayTime struct {
	time.Time
}

var gatewayTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func (t *gatewayTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t.Time = unixTime(n)
			return nil
		}
		for _, layout := range gatewayTimeLayouts {
			if parsed, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		return fmt.Errorf("webhooks: unsupported time value %q", raw)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("webhooks: unsupported time value %s", data)
	}
	t.Time = unixTime(n)
	return nil
}

func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// StatusMapper translates the gateway's vocabulary to a ledger status.
type StatusMapper func(gatewayStatus string) (core.TransactionStatus, bool)

var defaultStatusMap = map[string]core.TransactionStatus{
	"PAID":      core.TransactionStatusSuccess,
	"SUCCESS":   core.TransactionStatusSuccess,
	"COMPLETED": core.TransactionStatusSuccess,
	"CANCELLED": core.TransactionStatusCancelled,
	"CANCELED":  core.TransactionStatusCancelled,
	"FAILED":    core.TransactionStatusFailed,
	"EXPIRED":   core.TransactionStatusFailed,
	"REFUNDED":  core.TransactionStatusRefunded,
}

func DefaultStatusMapper(gatewayStatus string) (core.TransactionStatus, bool) {
	status, ok := defaultStatusMap[strings.ToUpper(strings.TrimSpace(gatewayStatus))]
	return status, ok
}

func parseEnvelope(rawBody []byte) (gatewayEnvelope, error) {
	var envelope gatewayEnvelope
	if len(bytes.TrimSpace(rawBody)) == 0 {
		return envelope, fmt.Errorf("webhooks: body is required")
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return envelope, err
	}
	return envelope, nil
}

func parseEvent(envelope gatewayEnvelope) (gatewayEvent, error) {
	var event gatewayEvent
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return event, fmt.Errorf("webhooks: data is required")
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return event, err
	}
	return event, nil
}
