package outbox

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/NordCoder/authcore/internal/domain/outbox"
	"github.com/NordCoder/authcore/internal/obs/retry"
)

// WrapKindHandler retries h under p. Payload decode errors are never retried.
func WrapKindHandler(h outbox.KindHandler, p retry.Policy) outbox.KindHandler {
	retryable := p.Retryable
	p.Retryable = func(err error) bool {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return false
		}
		if retryable != nil {
			return retryable(err)
		}
		return err != nil
	}
	return func(ctx context.Context, data []byte) error {
		return retry.Do(ctx, func() error { return h(ctx, data) }, p)
	}
}
