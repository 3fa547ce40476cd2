package webhooks

import "github.com/goliatone/go-payhooks/core"

type RetryPolicy = core.RetryPolicy

type ExponentialRetryPolicy = core.ExponentialRetryPolicy
