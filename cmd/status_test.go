package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindListenerPicksFreePortFromDefaultRange(t *testing.T) {
	port, ln := bindListener(0)
	require.NotNil(t, ln)
	defer ln.Close()
	assert.True(t, port >= 8080 && port < 8180)
}

func TestBindListenerFailsWhenExplicitPortTaken(t *testing.T) {
	port, first := bindListener(0)
	require.NotNil(t, first)
	defer first.Close()

	again, second := bindListener(port)
	assert.Nil(t, second)
	assert.Equal(t, 0, again)
}
