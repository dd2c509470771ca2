package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePollfile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "polldevs.cf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParsePollfileAppliesDefaultsAndOverrides(t *testing.T) {
	cfg := &Config{SNMP: SNMPConfig{Community: "public", Version: "v2c", Timeout: 2, Retries: 3, MaxRepetitions: 10}}
	path := writePollfile(t, `
name: sw1
address: 10.0.0.1
interval: 5
do_bgp: yes

name: sw2
address: 10.0.0.2
community: private
snmpversion: v1
interval: 10
statistics: true
watchpat: ^Gi
`)

	devices, err := ParsePollfile(path, cfg)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	sw1 := devices[0]
	assert.Equal(t, "sw1", sw1.Name)
	assert.Equal(t, "public", sw1.Community, "unset community falls back to the SNMP section default")
	assert.Equal(t, "v2c", sw1.SNMPVersion)
	assert.True(t, sw1.EnableBGP)
	assert.Equal(t, 5, sw1.IntervalMin)

	sw2 := devices[1]
	assert.Equal(t, "private", sw2.Community)
	assert.Equal(t, "v1", sw2.SNMPVersion)
	assert.True(t, sw2.EnableIfStats)
	assert.False(t, sw2.InterfaceIgnored("GigabitEthernet0/1"))
	assert.True(t, sw2.InterfaceIgnored("TenGigE0/0"), "watchpat excludes any interface that doesn't match it")
}

func TestParsePollfileSkipsCommentsAndBlankLines(t *testing.T) {
	cfg := &Config{SNMP: SNMPConfig{Community: "public", Version: "v2c"}}
	path := writePollfile(t, `
# a comment before the first block
name: sw1
address: 10.0.0.1
# a comment inside a block
interval: 5
`)
	devices, err := ParsePollfile(path, cfg)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "sw1", devices[0].Name)
}

func TestParsePollfileSkipsBlockWithoutName(t *testing.T) {
	cfg := &Config{SNMP: SNMPConfig{Community: "public", Version: "v2c"}}
	path := writePollfile(t, `
address: 10.0.0.1

name: sw1
address: 10.0.0.2
`)
	devices, err := ParsePollfile(path, cfg)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "sw1", devices[0].Name)
}
