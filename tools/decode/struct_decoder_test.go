package decode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type claims struct {
	Sub   string         `json:"sub"`
	Exp   time.Time      `json:"exp"`
	Scope []string       `json:"scope"`
	Level int            `json:"level"`
	Extra map[string]any `json:"extra"`
}

func TestMapWeakTyping(t *testing.T) {
	out, err := Map[claims](map[string]any{
		"sub":   "u1",
		"exp":   float64(1735689600),
		"scope": []any{"chat", "notify"},
		"level": "3",
		"extra": `{"k":"v"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", out.Sub)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), out.Exp)
	assert.Equal(t, []string{"chat", "notify"}, out.Scope)
	assert.Equal(t, 3, out.Level)
	assert.Equal(t, "v", out.Extra["k"])
}

func TestMapMillisAndRFC3339(t *testing.T) {
	out, err := Map[claims](map[string]any{"exp": float64(1735689600000)})
	require.NoError(t, err)
	assert.Equal(t, int64(1735689600), out.Exp.Unix())

	out, err = Map[claims](map[string]any{"exp": "2025-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, int64(1735689600), out.Exp.Unix())
}

func TestMapErrorUnused(t *testing.T) {
	_, err := Map[claims](map[string]any{"nope": 1}, Options{ErrorUnused: true})
	assert.Error(t, err)
}

func TestJSON(t *testing.T) {
	out, err := JSON[claims]([]byte(`{"sub":"u2","level":4}`))
	require.NoError(t, err)
	assert.Equal(t, "u2", out.Sub)
	assert.Equal(t, 4, out.Level)

	_, err = JSON[claims]([]byte(`not json`))
	assert.Error(t, err)
	_, err = Map[claims](nil)
	assert.Error(t, err)
}
