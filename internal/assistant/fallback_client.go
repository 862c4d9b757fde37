package assistant

import (
	"context"
	"errors"

	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// FallbackModelClient tries the primary client first and falls back to the
// secondary on error. Timeouts are not retried against the fallback: the
// caller's latency budget is already spent.
type FallbackModelClient struct {
	primary  ModelClient
	fallback ModelClient
	logger   *logging.Logger
}

func NewFallbackModelClient(primary, fallback ModelClient, logger *logging.Logger) *FallbackModelClient {
	if primary == nil {
		panic("assistant: primary model client is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackModelClient{primary: primary, fallback: fallback, logger: logger}
}

var _ ModelClient = (*FallbackModelClient)(nil)

func (c *FallbackModelClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	res, err := c.primary.Generate(ctx, req)
	if err == nil {
		return res, nil
	}
	if c.fallback == nil || errors.Is(err, ErrModelTimeout) || ctx.Err() != nil {
		return GenerateResult{}, err
	}

	c.logger.Warn("primary model failed, trying fallback", "error", err)
	res, ferr := c.fallback.Generate(ctx, req)
	if ferr != nil {
		return GenerateResult{}, errors.Join(err, ferr)
	}
	return res, nil
}
