package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =skip,tenant=oya")
	require.Equal(t, map[string]string{"api-key": "secret", "tenant": "oya"}, headers)
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithExportersDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "oyad"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}

func TestSplitEndpoint(t *testing.T) {
	endpoint, insecure := splitEndpoint("", false)
	require.Equal(t, defaultEndpoint, endpoint)
	require.False(t, insecure)

	endpoint, insecure = splitEndpoint("http://collector:4318/", false)
	require.Equal(t, "collector:4318", endpoint)
	require.True(t, insecure)

	endpoint, insecure = splitEndpoint("https://collector:4318", false)
	require.Equal(t, "collector:4318", endpoint)
	require.False(t, insecure)
}
