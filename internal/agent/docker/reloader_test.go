package docker

import (
	"testing"

	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReloaderRequiresContainer(t *testing.T) {
	_, err := NewReloader("", logger.Discard())
	assert.Error(t, err)
}

func TestNewReloaderDefaults(t *testing.T) {
	r, err := NewReloader("nginx-proxy", logger.Discard())
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "nginx-proxy", r.Container())
	assert.Equal(t, DefaultSignal, r.signal)
}
