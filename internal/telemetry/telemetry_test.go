package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "tsugi", "test", false)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstrumentsUsableWithoutExporter(t *testing.T) {
	ctx := context.Background()

	c, err := Meter("tsugi/test").Int64Counter("tsugi.test.counter")
	require.NoError(t, err)
	c.Add(ctx, 1)

	_, span := Tracer("tsugi/test").Start(ctx, "noop")
	span.End()
}
