package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
	"github.com/pricelens/backend/internal/metrics"
)

// classifyTierError buckets a tier failure. rate_limit and quota point at a
// systemic upstream problem rather than at the request.
func classifyTierError(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limit"
	case errors.Is(err, domain.ErrQuotaExhausted):
		return "quota"
	case errors.Is(err, domain.ErrMalformedResponse):
		return "malformed"
	default:
		return "transport"
	}
}

// recordTierFailure logs and counts a soft failure at a tier boundary
func recordTierFailure(ctx context.Context, tier string, err error, fields ...zap.Field) {
	kind := classifyTierError(err)
	metrics.RecordTierFailure(tier, kind)

	fields = append(fields, zap.String("tier", tier), zap.String("kind", kind), zap.Error(err))
	if kind == "rate_limit" || kind == "quota" {
		logger.ErrorCtx(ctx, err, fields...)
		return
	}
	logger.WarnCtx(ctx, "tier produced no result", fields...)
}
