package whitelist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestList(t *testing.T) {
	l := New(false, []string{" 42 ", "", "7"})
	require.False(t, l.Enabled())
	require.True(t, l.Allowed("anyone"))
	require.True(t, l.Contains("42"))
	require.Equal(t, []string{"42", "7"}, l.IDs())

	l.Apply(true, []string{"42"})
	require.True(t, l.Enabled())
	require.True(t, l.Allowed("42"))
	require.False(t, l.Allowed("7"))

	var zero List
	require.False(t, zero.Enabled())
	require.True(t, zero.Allowed("x"))
	require.Nil(t, zero.IDs())
}
