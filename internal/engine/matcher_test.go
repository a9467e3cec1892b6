package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		raw  string
		kind PatternKind
		err  bool
	}{
		{"producto.creado", PatternExact, false},
		{"producto.*", PatternPrefixWildcard, false},
		{"*", PatternMatchAll, false},
		{" producto.* ", PatternPrefixWildcard, false},
		{"", 0, true},
		{".*", 0, true},
		{"producto*", 0, true},
		{"*.creado", 0, true},
		{"a.*.b", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, err := CompilePattern(tt.raw)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind)
		})
	}
}

func TestMatcher_Matches(t *testing.T) {
	m, err := CompileMatcher([]string{"producto.*"})
	require.NoError(t, err)

	assert.True(t, m.Matches("producto.creado"))
	assert.True(t, m.Matches("producto.actualizado"))
	assert.False(t, m.Matches("prescripcion.creada"))
	assert.False(t, m.Matches("producto"))
	assert.False(t, m.Matches("productos.creado"))

	all, err := CompileMatcher([]string{"*"})
	require.NoError(t, err)
	for _, et := range []string{"producto.creado", "comparacion.generada", "x"} {
		assert.True(t, all.Matches(et))
	}

	exact, err := CompileMatcher([]string{"prescripcion.creada", "comparacion.generada"})
	require.NoError(t, err)
	assert.True(t, exact.Matches("prescripcion.creada"))
	assert.True(t, exact.Matches("comparacion.generada"))
	assert.False(t, exact.Matches("prescripcion.actualizada"))
}

func TestCompileMatcher_RequiresPatterns(t *testing.T) {
	_, err := CompileMatcher(nil)
	assert.Error(t, err)

	_, err = CompileMatcher([]string{"ok.event", "bad*"})
	assert.Error(t, err)
}

func TestPattern_String(t *testing.T) {
	for _, raw := range []string{"producto.*", "*", "producto.creado"} {
		p, err := CompilePattern(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, p.String())
	}
}
