package ids

import (
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	first := New()
	second := New()

	assert.Len(t, first, 26)
	assert.NotEqual(t, first, second)
	assert.True(t, first < second, "ids must sort by creation order")

	_, err := ulid.Parse(first)
	require.NoError(t, err)
}

func TestConsumerTag(t *testing.T) {
	assert.True(t, strings.HasPrefix(ConsumerTag("search-provider"), "search-provider-"))
	assert.Len(t, ConsumerTag(""), 26)
}
