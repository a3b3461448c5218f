package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
)

func TestRecorder_CountsDenialsPerNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	denial := domain.Denial{Identifier: "1.2.3.4", Namespace: "api", At: time.Now()}
	require.NoError(t, rec.RecordDenial(context.Background(), denial))
	require.NoError(t, rec.RecordDenial(context.Background(), denial))
	require.NoError(t, rec.RecordDenial(context.Background(), domain.Denial{Identifier: "5.6.7.8", Namespace: "auth", At: time.Now()}))

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.denials.WithLabelValues("api")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.denials.WithLabelValues("auth")))
}

func TestRecorder_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	require.NoError(t, rec.RecordDenial(context.Background(), domain.Denial{Identifier: "1.2.3.4", Namespace: "api", At: time.Now()}))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "ratelimit_denials_total")
}
