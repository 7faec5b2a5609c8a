package fetcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSV(t *testing.T) {
	in := "\ufeffroute_id, route_type ,route_short_name\nr1,700,S1\nr2, 102 \n"

	var got [][2]string
	err := ReadCSV(context.Background(), strings.NewReader(in), func(r Record) error {
		got = append(got, [2]string{r.Get("route_id"), r.Get("route_type")})
		assert.Empty(t, r.Get("missing"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"r1", "700"}, {"r2", "102"}}, got)
}

func TestReadCSV_Empty(t *testing.T) {
	called := false
	err := ReadCSV(context.Background(), strings.NewReader(""), func(Record) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestReadCSV_CallbackError(t *testing.T) {
	stop := errors.New("stop")
	err := ReadCSV(context.Background(), strings.NewReader("a\n1\n2\n"), func(Record) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestReadCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ReadCSV(ctx, strings.NewReader("a\n1\n"), func(Record) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}
