package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"booru-service/internal/domain/auth"
	"booru-service/internal/pkg/session"
	"booru-service/internal/repository/memory"
)

func TestManagerSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := memory.NewSessionStore(auth.RotationPolicy{RevokeOnReuse: true})
	m := session.NewManager(store, newCodec(t, time.Minute), session.Config{TracerProvider: tp}, nil)
	ctx := context.Background()

	res, err := m.LoginOrRegister(ctx, 7, "10.0.0.1")
	require.NoError(t, err)
	_, err = m.Refresh(ctx, res.RefreshToken, "10.0.0.1")
	require.NoError(t, err)
	_, err = m.Refresh(ctx, res.RefreshToken, "10.0.0.1")
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "session.login", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Int64("user.id", 7))
	assert.Equal(t, "session.refresh", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)

	// a replay is a rejection, not a server error
	assert.Equal(t, codes.Unset, spans[2].Status().Code)
	assert.Contains(t, spans[2].Attributes(), attribute.Bool("auth.rejected", true))
}
