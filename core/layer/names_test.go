package layer_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chanlayer/core/layer"
)

func TestValidateChannelName(t *testing.T) {
	t.Parallel()

	t.Run("accepts general names", func(t *testing.T) {
		t.Parallel()

		for _, name := range []string{"chat", "room.42", "a-b_c.d", "UPPER.lower-1"} {
			assert.NoError(t, layer.ValidateChannelName(name, false), name)
		}
	})

	t.Run("accepts process-specific names", func(t *testing.T) {
		t.Parallel()

		assert.NoError(t, layer.ValidateChannelName("specific.abc!def012", false))
		assert.NoError(t, layer.ValidateChannelName("specific.abc!", false))
	})

	t.Run("rejects empty name", func(t *testing.T) {
		t.Parallel()

		err := layer.ValidateChannelName("", false)
		require.ErrorIs(t, err, layer.ErrInvalidChannelName)
	})

	t.Run("rejects overlong name", func(t *testing.T) {
		t.Parallel()

		err := layer.ValidateChannelName(strings.Repeat("x", layer.MaxNameLength), false)
		require.ErrorIs(t, err, layer.ErrInvalidChannelName)

		assert.NoError(t, layer.ValidateChannelName(strings.Repeat("x", layer.MaxNameLength-1), false))
	})

	t.Run("rejects illegal characters", func(t *testing.T) {
		t.Parallel()

		for _, name := range []string{"has space", "sla/sh", "col:on", "uni©ode", "two!mark!ers"} {
			assert.ErrorIs(t, layer.ValidateChannelName(name, false), layer.ErrInvalidChannelName, name)
		}
	})

	t.Run("receive requires marker at end", func(t *testing.T) {
		t.Parallel()

		require.ErrorIs(t, layer.ValidateChannelName("specific.abc!def012", true), layer.ErrInvalidChannelName)
		assert.NoError(t, layer.ValidateChannelName("specific.abc!", true))
		assert.NoError(t, layer.ValidateChannelName("plain-name", true))
	})
}

func TestValidateGroupName(t *testing.T) {
	t.Parallel()

	t.Run("accepts plain names", func(t *testing.T) {
		t.Parallel()

		assert.NoError(t, layer.ValidateGroupName("room.42"))
		assert.NoError(t, layer.ValidateGroupName("broadcast-all"))
	})

	t.Run("rejects marker", func(t *testing.T) {
		t.Parallel()

		require.ErrorIs(t, layer.ValidateGroupName("room!abc"), layer.ErrInvalidGroupName)
	})

	t.Run("rejects empty and overlong names", func(t *testing.T) {
		t.Parallel()

		require.ErrorIs(t, layer.ValidateGroupName(""), layer.ErrInvalidGroupName)
		require.ErrorIs(t, layer.ValidateGroupName(strings.Repeat("g", layer.MaxNameLength)), layer.ErrInvalidGroupName)
	})
}

func TestNonLocalName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "chat", layer.NonLocalName("chat"))
	assert.Equal(t, "specific.abc!", layer.NonLocalName("specific.abc!def012"))
	assert.Equal(t, "specific.abc!", layer.NonLocalName("specific.abc!"))
}
