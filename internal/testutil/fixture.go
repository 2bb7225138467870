// Package testutil provides testing utilities shared by the dynhook packages.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// FixtureSymbol is a function defined by the fixture program.
const FixtureSymbol = "main.target"

const fixtureSource = `package main

//go:noinline
func target(a, b int) int { return a + b }

func main() { println(target(1, 2)) }
`

// BuildFixture compiles a small program with its symbol table intact and
// returns the path of the binary. Test binaries themselves are linked
// without symbols, so they cannot serve as lookup targets.
func BuildFixture(t *testing.T) string {
	t.Helper()

	gobin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not available")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module fixture\n\ngo 1.21\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(fixtureSource), 0o600))

	out := filepath.Join(dir, "fixture")
	cmd := exec.Command(gobin, "build", "-o", out, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOWORK=off", "GOTOOLCHAIN=local", "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "build fixture: %s", output)
	return out
}
