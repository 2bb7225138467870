package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/dynhook/internal/convention"
	"github.com/k2io/dynhook/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseParam(t *testing.T) {
	tests := []struct {
		in   string
		want convention.Param
	}{
		{"int", convention.Param{Type: convention.Int}},
		{"int@ECX", convention.Param{Type: convention.Int, Register: convention.ECX}},
		{"object:12", convention.Param{Type: convention.Object, Size: 12}},
		{"float:8:ref", convention.Param{Type: convention.Float, Size: 8, Pass: convention.ByRef}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := parseParam(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}

	_, err := parseParam("string")
	assert.ErrorIs(t, err, convention.ErrUnknownType)
	_, err = parseParam("int:big")
	assert.Error(t, err)
	_, err = parseParam("int@zz")
	assert.Error(t, err)
}

func TestBridgeCommand(t *testing.T) {
	out, err := run(t, "bridge", "--abi", "sysv", "--ret", "int", "--param", "int", "--param", "float:8")
	require.NoError(t, err)
	assert.Contains(t, out, "arg 0")
	assert.Contains(t, out, "rdi")
	assert.Contains(t, out, "xmm0")
	assert.Contains(t, out, "pre stub:\n")
	assert.Contains(t, out, "post stub:\n")

	_, err = run(t, "bridge", "--abi", "sysv", "--param", "void")
	assert.Error(t, err)
	_, err = run(t, "bridge", "--conv", "pascal")
	assert.Error(t, err)
}

func TestSymbolsCommand(t *testing.T) {
	exe := testutil.BuildFixture(t)

	out, err := run(t, "symbols", exe, testutil.FixtureSymbol)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), " "+testutil.FixtureSymbol), out)

	out, err = run(t, "symbols", "--format", "json", exe, testutil.FixtureSymbol)
	require.NoError(t, err)
	var list []struct {
		Name string `json:"name"`
		Addr string `json:"addr"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, testutil.FixtureSymbol, list[0].Name)

	_, err = run(t, "symbols", exe, "no.such.symbol")
	assert.Error(t, err)
}
