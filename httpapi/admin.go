package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/goliatone/go-payhooks/adapters/gocommand"
	"github.com/goliatone/go-payhooks/command"
	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/query"
)

type transactionView struct {
	ID                   string    `json:"id"`
	OrderCode            int64     `json:"orderCode"`
	Amount               int64     `json:"amount"`
	Status               string    `json:"status"`
	GatewayTransactionID string    `json:"gatewayTransactionId,omitempty"`
	LastEventTime        time.Time `json:"lastEventTime"`
	OwnerID              string    `json:"ownerId,omitempty"`
	OwnerEmail           string    `json:"ownerEmail,omitempty"`
	OwnerName            string    `json:"ownerName,omitempty"`
	Description          string    `json:"description,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func toTransactionView(tx core.Transaction) transactionView {
	return transactionView{
		ID:                   tx.ID,
		OrderCode:            tx.OrderCode,
		Amount:               tx.Amount,
		Status:               string(tx.Status),
		GatewayTransactionID: tx.GatewayTransactionID,
		LastEventTime:        tx.LastEventTime,
		OwnerID:              tx.OwnerID,
		OwnerEmail:           tx.OwnerEmail,
		OwnerName:            tx.OwnerName,
		Description:          tx.Description,
		CreatedAt:            tx.CreatedAt,
		UpdatedAt:            tx.UpdatedAt,
	}
}

type createTransactionRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	OwnerID     string `json:"ownerId"`
	OwnerEmail  string `json:"ownerEmail"`
	OwnerName   string `json:"ownerName"`
	Description string `json:"description"`
}

type deliveryView struct {
	ID                   string    `json:"id"`
	GatewayTransactionID string    `json:"gatewayTransactionId"`
	AppliedStatus        string    `json:"appliedStatus"`
	EventTime            time.Time `json:"eventTime"`
	PayloadHash          string    `json:"payloadHash"`
	CreatedAt            time.Time `json:"createdAt"`
}

type deadLetterView struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	Kind      string          `json:"kind"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	FailedAt  time.Time       `json:"failedAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMalformedEvent("transaction body is not valid JSON", err))
		return
	}
	created, _, err := gocommand.DispatchResult[command.CreateTransactionMessage, core.Transaction](r.Context(), command.CreateTransactionMessage{
		Transaction: core.Transaction{
			OrderCode:   req.OrderCode,
			Amount:      req.Amount,
			OwnerID:     strings.TrimSpace(req.OwnerID),
			OwnerEmail:  strings.TrimSpace(req.OwnerEmail),
			OwnerName:   strings.TrimSpace(req.OwnerName),
			Description: strings.TrimSpace(req.Description),
		},
	})
	if err != nil {
		writeError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionView(created))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	orderCode, ok := orderCodeParam(w, r)
	if !ok {
		return
	}
	tx, err := gocommand.Query[query.GetTransactionMessage, core.Transaction](r.Context(), query.GetTransactionMessage{OrderCode: orderCode})
	if err != nil {
		writeError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(tx))
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	orderCode, ok := orderCodeParam(w, r)
	if !ok {
		return
	}
	deliveries, err := gocommand.Query[query.ListDeliveriesMessage, []core.WebhookDelivery](r.Context(), query.ListDeliveriesMessage{OrderCode: orderCode})
	if err != nil {
		writeError(w, 0, err)
		return
	}
	out := make([]deliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, deliveryView{
			ID:                   d.ID,
			GatewayTransactionID: d.GatewayTransactionID,
			AppliedStatus:        string(d.AppliedStatus),
			EventTime:            d.EventTime,
			PayloadHash:          d.PayloadHash,
			CreatedAt:            d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderCode": orderCode, "deliveries": out})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	msg := query.ListDeadLettersMessage{Kind: core.MessageKind(strings.TrimSpace(r.URL.Query().Get("kind")))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, core.NewMalformedEvent("limit must be a number", err))
			return
		}
		msg.Limit = limit
	}
	letters, err := gocommand.Query[query.ListDeadLettersMessage, []core.DeadLetter](r.Context(), msg)
	if err != nil {
		writeError(w, 0, err)
		return
	}
	out := make([]deadLetterView, 0, len(letters))
	for _, letter := range letters {
		view := deadLetterView{
			ID:        letter.ID,
			MessageID: letter.MessageID,
			Kind:      string(letter.Kind),
			Reason:    letter.Reason,
			Attempts:  letter.Attempts,
			FailedAt:  letter.FailedAt,
		}
		if json.Valid(letter.Payload) {
			view.Payload = json.RawMessage(letter.Payload)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": out})
}

func orderCodeParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orderCode, err := strconv.ParseInt(chi.URLParam(r, "orderCode"), 10, 64)
	if err != nil || orderCode <= 0 {
		writeError(w, http.StatusBadRequest, core.NewMalformedEvent("order code must be a positive integer", err))
		return 0, false
	}
	return orderCode, true
}
