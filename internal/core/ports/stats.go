package ports

import (
	"context"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
)

// DenialSink receives denied-request events for monitoring. Recording is
// best-effort: the limiter ignores sink errors and never lets a sink change
// or delay a decision.
type DenialSink interface {
	RecordDenial(ctx context.Context, denial domain.Denial) error
}
