package envaggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configured(commands *[]string) *Aggregator {
	a := New(func(gid string) { *commands = append(*commands, gid) })
	a.Configure("001", GroupThresholds{
		UseRainfall:  true,
		UseWindSpeed: true,
		MaxWindSpeed: 15,
		UseCloud:     true,
		MaxCloudPct:  60,
		UseDomeSlit:  true,
	})
	// Establish a safe baseline so the first real sample can transition.
	a.ApplyWind("001", 5, 90)
	*commands = nil
	return a
}

func TestWindOverLimitClosesSlitOnce(t *testing.T) {
	var commands []string
	a := configured(&commands)

	a.ApplyWind("001", 16, 90)
	require.Equal(t, []string{"001"}, commands)
	r, ok := a.Record("001")
	require.True(t, ok)
	assert.False(t, r.Safe)

	// Still unsafe: no second close command.
	a.ApplyWind("001", 17, 90)
	assert.Len(t, commands, 1)
}

func TestRecoveryDoesNotReopen(t *testing.T) {
	var commands []string
	a := configured(&commands)

	a.ApplyWind("001", 16, 90)
	require.Len(t, commands, 1)

	a.ApplyWind("001", 10, 90)
	r, _ := a.Record("001")
	assert.True(t, r.Safe)
	assert.Len(t, commands, 1, "unsafe->safe must not command the slit")
}

func TestRainAndCloudThresholds(t *testing.T) {
	var commands []string
	a := configured(&commands)

	a.ApplyRain("001", true)
	require.Len(t, commands, 1)
	a.ApplyRain("001", false)

	a.ApplyCloud("001", 61)
	assert.Len(t, commands, 2)
}

func TestDisabledSensorsIgnored(t *testing.T) {
	var commands []string
	a := New(func(gid string) { commands = append(commands, gid) })
	a.Configure("002", GroupThresholds{UseDomeSlit: true})
	a.ApplyWind("002", 5, 0) // establish safe baseline

	a.ApplyRain("002", true)
	a.ApplyWind("002", 99, 0)
	a.ApplyCloud("002", 100)
	r, _ := a.Record("002")
	assert.True(t, r.Safe)
	assert.Empty(t, commands)
}

func TestNoSlitWithoutUseDomeSlit(t *testing.T) {
	var commands []string
	a := New(func(gid string) { commands = append(commands, gid) })
	a.Configure("003", GroupThresholds{UseWindSpeed: true, MaxWindSpeed: 15})
	a.ApplyWind("003", 5, 0)

	a.ApplyWind("003", 20, 0)
	r, _ := a.Record("003")
	assert.False(t, r.Safe)
	assert.Empty(t, commands)
}
