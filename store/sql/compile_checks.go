package sqlstore

import "github.com/goliatone/go-payhooks/core"

var (
	_ core.TransactionStore = (*TransactionStore)(nil)
	_ core.DeliveryLookup   = (*TransactionStore)(nil)
	_ core.DeliveryLookup   = (*CachedDeliveryLookup)(nil)
	_ core.DeadLetterSink   = (*DeadLetterStore)(nil)
)
