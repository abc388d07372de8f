package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpaceRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	space := Space{ID: "t1", Domains: []string{"a.test"}}
	ctx := WithSpace(context.Background(), space)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, space, got)
}
