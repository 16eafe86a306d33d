package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id := New()
	u, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), u.Version())
	assert.NotEqual(t, id, New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("inv_")
	require.True(t, strings.HasPrefix(id, "inv_"))
	assert.Len(t, id, len("inv_")+32)

	u, err := uuid.Parse(strings.TrimPrefix(id, "inv_"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}

func TestWithPrefix_TimeOrdered(t *testing.T) {
	first := WithPrefix("whd_")
	time.Sleep(2 * time.Millisecond)
	second := WithPrefix("whd_")
	assert.Less(t, first, second)
}
