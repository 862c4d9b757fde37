package tenancy

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const firmKey ctxKey = "lexhq.firm_id"

// WithFirmID stores the firm id in context.
func WithFirmID(ctx context.Context, firmID uuid.UUID) context.Context {
	return context.WithValue(ctx, firmKey, firmID)
}

// FirmIDFromContext extracts the firm id if present.
func FirmIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	val := ctx.Value(firmKey)
	if val == nil {
		return uuid.Nil, false
	}
	firmID, ok := val.(uuid.UUID)
	return firmID, ok && firmID != uuid.Nil
}
