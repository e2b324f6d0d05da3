package envconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGettersFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("TEST_INT", "nope")
	t.Setenv("TEST_DURATION", "5s")
	t.Setenv("TEST_LIST", " a, ,b ,")

	require.Equal(t, 3, Int("TEST_INT", 3))
	require.Equal(t, 5*time.Second, Duration("TEST_DURATION", time.Second))
	require.Equal(t, []string{"a", "b"}, List("TEST_LIST", ""))
	require.Equal(t, "fallback", Get("TEST_MISSING", "fallback"))
	require.True(t, Bool("TEST_MISSING", true))
}
