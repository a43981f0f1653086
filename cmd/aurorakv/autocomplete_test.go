package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func suffixes(out [][]rune) []string {
	var s []string
	for _, r := range out {
		s = append(s, string(r))
	}
	return s
}

func TestCompleterCommands(t *testing.T) {
	c := completer{}
	out, n := c.Do([]rune("st"), 2)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"ats", "art"}, suffixes(out))

	out, n = c.Do([]rune("start ti"), 8)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"ering"}, suffixes(out))

	out, _ = c.Do([]rune("flush x y"), 9)
	require.Empty(t, out)
}

func TestCompleterKeys(t *testing.T) {
	s, _ := newTestSession(t)
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, s.db.Put([]byte(k), []byte("v")))
	}
	c := completer{db: s.db}

	out, n := c.Do([]rune("get us"), 6)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"er:1", "er:2"}, suffixes(out))

	out, n = c.Do([]rune("del "), 4)
	require.Equal(t, 0, n)
	require.Len(t, out, 3)
}
