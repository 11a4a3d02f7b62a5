package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testJobInfo struct {
	CallbackURL string
}

func TestStoreAndRetrieve(t *testing.T) {
	c := New[testJobInfo]()
	c.Store(
		"job_42_1700000000000",
		testJobInfo{
			CallbackURL: "http://some-callback-url.com",
		},
	)
	require.Equal(t, "http://some-callback-url.com", c.Get("job_42_1700000000000").CallbackURL)
	require.Equal(t, 1, c.Len())
}

func TestStoreAndRemove(t *testing.T) {
	c := New[testJobInfo]()
	c.Store(
		"job_42_1700000000000",
		testJobInfo{
			CallbackURL: "http://some-callback-url.com",
		},
	)
	require.Equal(t, "http://some-callback-url.com", c.Get("job_42_1700000000000").CallbackURL)

	c.Remove("job_42_1700000000000")
	require.Equal(t, "", c.Get("job_42_1700000000000").CallbackURL)
	require.Empty(t, c.GetKeys())
}
