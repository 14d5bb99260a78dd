package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "noop", attribute.String("dataset.id", "D1"))
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
	EndSpan(span, errors.New("boom"))
}

func TestNewResource(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		service string
		hasEnv  bool
	}{
		{name: "defaults", cfg: Config{}, service: DefaultServiceName},
		{
			name:    "configured",
			cfg:     Config{ServiceName: "downloads", Version: "2.1", Environment: "test"},
			service: "downloads",
			hasEnv:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newResource(context.Background(), tt.cfg)
			require.NoError(t, err)

			name, ok := res.Set().Value(semconv.ServiceNameKey)
			require.True(t, ok)
			assert.Equal(t, tt.service, name.AsString())

			env, ok := res.Set().Value(semconv.DeploymentEnvironmentKey)
			assert.Equal(t, tt.hasEnv, ok)
			if tt.hasEnv {
				assert.Equal(t, "test", env.AsString())
			}
		})
	}
}
