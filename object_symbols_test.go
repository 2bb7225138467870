package dynhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/dynhook/internal/symbols"
	"github.com/k2io/dynhook/internal/testutil"
)

func TestInstallDetourSymbol(t *testing.T) {
	exe := testutil.BuildFixture(t)
	v, err := LookupSymbol(exe, testutil.FixtureSymbol)
	require.NoError(t, err)
	syms, err := Symbols(exe)
	require.NoError(t, err)
	assert.Equal(t, v, syms[testutil.FixtureSymbol])

	e := newEngine(t)
	s, err := e.NewSetup(ReturnType{Type: Void}, CDecl, ThisIgnore)
	require.NoError(t, err)
	d, err := e.InstallDetourSymbol(s, exe, testutil.FixtureSymbol, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, v+0x1000, d.Address())

	_, err = e.InstallDetourSymbol(s, exe, "no.such.symbol", 0)
	assert.ErrorIs(t, err, symbols.ErrSymbolNotFound)
}
