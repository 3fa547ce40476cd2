package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-payhooks/core"
)

var (
	_ gocmd.Querier[GetTransactionMessage, core.Transaction]       = (*GetTransactionQuery)(nil)
	_ gocmd.Querier[ListDeliveriesMessage, []core.WebhookDelivery] = (*ListDeliveriesQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, []core.DeadLetter]     = (*ListDeadLettersQuery)(nil)
)
