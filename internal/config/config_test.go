package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/gossiped/internal/config"
	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
)

func TestNewAppliesDefaults(t *testing.T) {
	c, err := config.New(config.WithNodeID("A"))
	require.NoError(t, err)

	assert.Equal(t, model.NodeID("A"), c.NodeID)
	assert.Equal(t, time.Second, c.GossipInterval)
	assert.Equal(t, 3, c.Fanout)
	assert.Equal(t, config.Random, c.PeerSelectionStrategy)
}

func TestNewRejectsEmptyNodeID(t *testing.T) {
	_, err := config.New()
	require.Error(t, err)
	kind, ok := gerrors.Of(err)
	require.True(t, ok)
	assert.Equal(t, gerrors.InvalidConfig, kind)
}

func TestNewRejectsFanoutOutOfRange(t *testing.T) {
	_, err := config.New(config.WithNodeID("A"), config.WithFanout(0))
	require.Error(t, err)

	_, err = config.New(config.WithNodeID("A"), config.WithFanout(51))
	require.Error(t, err)
}

func TestNewRejectsTimeoutNotGreaterThanInterval(t *testing.T) {
	_, err := config.New(
		config.WithNodeID("A"),
		config.WithGossipInterval(10*time.Second),
		config.WithGossipTimeout(10*time.Second),
	)
	require.Error(t, err)
}

func TestNewRejectsInvalidStrategy(t *testing.T) {
	_, err := config.New(config.WithNodeID("A"), config.WithPeerSelectionStrategy("bogus"))
	require.Error(t, err)
}

func TestNewRejectsZeroNodeExpirationWhenGCEnabled(t *testing.T) {
	_, err := config.New(config.WithNodeID("A"), config.WithVectorClockGC(true, 0))
	require.Error(t, err)

	c, err := config.New(config.WithNodeID("A"), config.WithVectorClockGC(true, time.Hour))
	require.NoError(t, err)
	assert.True(t, c.EnableVectorClockGC)
}
