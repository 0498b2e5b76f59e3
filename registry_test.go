package vfd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	registry := Registry{"EV50": NewEV50}

	p, err := registry.New("ev50", nil)
	require.NoError(t, err)
	assert.Equal(t, "EV50", p.Name())

	_, err = registry.New("H100", nil)
	assert.True(t, errors.Is(err, ErrUnknownProtocol), "got %v", err)
	assert.Contains(t, err.Error(), "EV50")
}

func TestRegistryNames(t *testing.T) {
	registry := Registry{
		"EV50": NewEV50,
		"B":    NewEV50,
		"A":    NewEV50,
	}
	assert.Equal(t, []string{"A", "B", "EV50"}, registry.Names())
	assert.Empty(t, Registry{}.Names())
}
