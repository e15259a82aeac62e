package queue

import (
	"context"
	"encoding/json"
	"log/slog"
)

// RegisterBuiltins adds the stock task functions. Currently just echo,
// which logs and returns its args; useful for smoke-testing a deployment.
func RegisterBuiltins(r *Registry, logger *slog.Logger) {
	r.Register("echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		logger.Info("echo", "args", string(args))
		return args, nil
	})
}
