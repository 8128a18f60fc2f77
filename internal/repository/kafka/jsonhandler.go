package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NordCoder/authcore/internal/obs/retry"
)

// JSONHandler decodes the message value into a fresh M before calling handle.
// Values that do not decode are permanent failures.
func JSONHandler[M any](handle func(context.Context, []byte, *M) error) Handler {
	return func(ctx context.Context, key, value []byte) error {
		msg := new(M)
		if err := json.Unmarshal(value, msg); err != nil {
			return retry.Permanent(fmt.Errorf("decode %T: %w", msg, err))
		}
		return handle(ctx, key, msg)
	}
}
