package command

import (
	commanddispatcher "github.com/goliatone/go-command/dispatcher"

	"github.com/goliatone/go-payhooks/adapters/gocommand"
	"github.com/goliatone/go-payhooks/core"
)

type Dependencies struct {
	Webhooks     WebhookHandler
	Publisher    core.QueuePublisher
	Transactions TransactionCreator
}

// Register subscribes every command whose dependency is present and
// returns the subscriptions so callers can unsubscribe on shutdown.
func Register(adapter *gocommand.RegistryAdapter, deps Dependencies) ([]commanddispatcher.Subscription, error) {
	var subs []commanddispatcher.Subscription
	unwind := func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
	if deps.Webhooks != nil {
		sub, err := gocommand.RegisterAndSubscribe[ReconcileWebhookMessage](adapter, NewReconcileWebhookCommand(deps.Webhooks))
		if err != nil {
			unwind()
			return nil, err
		}
		subs = append(subs, sub)
	}
	if deps.Publisher != nil {
		sub, err := gocommand.RegisterAndSubscribe[PublishMessage](adapter, NewPublishCommand(deps.Publisher))
		if err != nil {
			unwind()
			return nil, err
		}
		subs = append(subs, sub)
	}
	if deps.Transactions != nil {
		sub, err := gocommand.RegisterAndSubscribe[CreateTransactionMessage](adapter, NewCreateTransactionCommand(deps.Transactions))
		if err != nil {
			unwind()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
