package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupDisabledReturnsNil(t *testing.T) {
	tel, err := Setup(context.Background(), Config{ServiceName: "harvester"})
	require.NoError(t, err)
	require.Nil(t, tel)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	headers := parseHeaders("authorization=Bearer x, team = core,broken")
	require.Equal(t, map[string]string{"authorization": "Bearer x", "team": "core"}, headers)
}
