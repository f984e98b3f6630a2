package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workfarm/internal/executor"
	"github.com/mattjoyce/workfarm/internal/serializer"
)

func raw(t *testing.T, vs ...any) executor.Args {
	t.Helper()
	encoded := make([][]byte, len(vs))
	for i, v := range vs {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		encoded[i] = b
	}
	return executor.NewArgs(encoded, serializer.JSON{})
}

func TestEcho(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want any
	}{
		{"none", nil, nil},
		{"one", []any{"hi"}, "hi"},
		{"many", []any{"a", 1.0}, []any{"a", 1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := echo(context.Background(), raw(t, tt.args...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpper(t *testing.T) {
	got, err := upper(context.Background(), raw(t, "shout"))
	require.NoError(t, err)
	assert.Equal(t, "SHOUT", got)

	_, err = upper(context.Background(), raw(t))
	assert.Error(t, err)
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sleep(ctx, raw(t, 60_000))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFail(t *testing.T) {
	_, err := module().Methods["fail"](context.Background(), raw(t, "nope"))
	assert.EqualError(t, err, "nope")
	var st executor.Stacker
	require.ErrorAs(t, err, &st)
	assert.NotEmpty(t, st.Stack())
}
