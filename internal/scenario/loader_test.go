package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, file, company, name string, inbound bool) {
	t.Helper()
	body := `
company: ` + company + `
name: ` + name + `
display_name: ` + name + `
flow:
  entry:
    id: entry
    kind: entry
    next: hang
  hang:
    id: hang
    kind: hangup
`
	if inbound {
		body += `
inbound_flow:
  entry:
    id: entry
    kind: entry
    next: hang
  hang:
    id: hang
    kind: hangup
`
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644))
}

func TestLoad_RequiresOutboundEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("company: acme\nname: bad\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestRegistry_NextOutbound_RoundRobinsAndFiltersByActive(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", "acme", "alpha", false)
	writeScenario(t, dir, "b.yaml", "acme", "beta", false)
	writeScenario(t, dir, "c.yaml", "acme", "gamma", false)

	reg, err := Load(dir)
	require.NoError(t, err)

	active := []string{"alpha", "gamma"}

	var seen []string
	for i := 0; i < 4; i++ {
		s, ok := reg.NextOutbound("acme", active)
		require.True(t, ok)
		seen = append(seen, s.Name)
	}

	require.Equal(t, []string{"alpha", "gamma", "alpha", "gamma"}, seen)
}

func TestRegistry_NextInbound_RequiresInboundFlow(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", "acme", "alpha", false)
	writeScenario(t, dir, "b.yaml", "acme", "beta", true)

	reg, err := Load(dir)
	require.NoError(t, err)

	s, ok := reg.NextInbound("acme", []string{"alpha", "beta"})
	require.True(t, ok)
	require.Equal(t, "beta", s.Name)

	s, ok = reg.NextInbound("acme", []string{"alpha", "beta"})
	require.True(t, ok)
	require.Equal(t, "beta", s.Name)
}

func TestRegistry_NextOutbound_NoneActive(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", "acme", "alpha", false)

	reg, err := Load(dir)
	require.NoError(t, err)

	_, ok := reg.NextOutbound("acme", []string{"unrelated"})
	require.False(t, ok)
}
