package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend(t *testing.T) {
	assert.Equal(t, "9\nssdb_sync\n\n", string(Append(nil, "ssdb_sync")))
	assert.Equal(t, "2\nok\n2\nok\n\n", string(Append(nil, "ok", "ok")))
	assert.Equal(t, "0\n\n\n", string(Append(nil, "")))
	assert.Equal(t, "\n", string(Append(nil)))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		items []string
	}{
		{"single", "2\nok\n\n", []string{"ok"}},
		{"multi", "5\nerror\n31\nrr_transfer_snapshot unfinished\n\n",
			[]string{"error", "rr_transfer_snapshot unfinished"}},
		{"empty-item", "0\n\n\n", []string{""}},
		{"newline-in-data", "3\na\nb\n\n", []string{"a\nb"}},
		{"crlf", "2\r\nok\r\n\r\n", []string{"ok"}},
		{"empty-message", "\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := []byte(tt.input + "trailing")
			items, n, err := Parse(input)
			require.NoError(t, err)
			assert.Equal(t, tt.items, items)
			assert.Equal(t, len(tt.input), n)
		})
	}
}

func TestParse_partial(t *testing.T) {
	msg := Append(nil, "rr_transfer_snapshot", "127.0.0.1", "8888")
	for i := 0; i < len(msg); i++ {
		_, n, err := Parse(msg[:i])
		assert.ErrorIs(t, err, ErrNeedMore, "prefix %d", i)
		assert.Equal(t, 0, n)
	}
	items, n, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, []string{"rr_transfer_snapshot", "127.0.0.1", "8888"}, items)
}

func TestParse_malformed(t *testing.T) {
	for _, input := range []string{
		"x\nok\n\n",
		"-1\nok\n\n",
		"2\nokX\n",
		"2\nok\rX",
		"123456789012345",
		"99999999999\n",
	} {
		_, _, err := Parse([]byte(input))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", input)
	}
}

func TestIsFailure(t *testing.T) {
	assert.True(t, IsFailure(nil))
	assert.True(t, IsFailure([]string{"failed"}))
	assert.True(t, IsFailure([]string{"error", "reason"}))
	assert.False(t, IsFailure([]string{"ok"}))
	assert.False(t, IsFailure([]string{"ok", "ok"}))
	assert.True(t, IsOK([]string{"ok"}))
	assert.False(t, IsOK(nil))
}
