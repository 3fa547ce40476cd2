package query

import (
	commanddispatcher "github.com/goliatone/go-command/dispatcher"

	"github.com/goliatone/go-payhooks/adapters/gocommand"
	"github.com/goliatone/go-payhooks/core"
)

type Dependencies struct {
	Transactions TransactionReader
	Deliveries   DeliveryReader
	DeadLetters  DeadLetterReader
}

// Register subscribes every query whose reader is present.
func Register(adapter *gocommand.RegistryAdapter, deps Dependencies) ([]commanddispatcher.Subscription, error) {
	var subs []commanddispatcher.Subscription
	add := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			for _, existing := range subs {
				existing.Unsubscribe()
			}
			return err
		}
		subs = append(subs, sub)
		return nil
	}
	if deps.Transactions != nil {
		if err := add(gocommand.RegisterAndSubscribeQuery[GetTransactionMessage, core.Transaction](adapter, NewGetTransactionQuery(deps.Transactions))); err != nil {
			return nil, err
		}
	}
	if deps.Deliveries != nil {
		if err := add(gocommand.RegisterAndSubscribeQuery[ListDeliveriesMessage, []core.WebhookDelivery](adapter, NewListDeliveriesQuery(deps.Deliveries))); err != nil {
			return nil, err
		}
	}
	if deps.DeadLetters != nil {
		if err := add(gocommand.RegisterAndSubscribeQuery[ListDeadLettersMessage, []core.DeadLetter](adapter, NewListDeadLettersQuery(deps.DeadLetters))); err != nil {
			return nil, err
		}
	}
	return subs, nil
}
