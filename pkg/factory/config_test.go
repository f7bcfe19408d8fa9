package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/sessiond/internal/model"
)

const minimalConfig = `
info:
  version: 1.0.0
pipelined:
  peerAddr: 127.0.0.1:8805
  nodeId: 10.0.0.1
proxy:
  baseUrl: http://127.0.0.1:9090
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadConfigAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sessiondcfg.yaml", minimalConfig)

	cfg, err := ReadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.InDelta(t, 0.8, cfg.Sessiond.QuotaExhaustionThreshold, 1e-9)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, "0.0.0.0:8095", cfg.Sbi.ListenAddr)
	assert.Equal(t, "0.0.0.0:8096", cfg.Southbound.ListenAddr)
	assert.Equal(t, 3, cfg.Sessiond.ConflictRetries)
	assert.Equal(t, int64(5000), cfg.Sessiond.ForceTerminationTimeout().Milliseconds())
	assert.Zero(t, cfg.Pipelined.PollInterval())
}

func TestReadConfigSample(t *testing.T) {
	cfg, err := ReadConfig(filepath.Join("..", "..", "config", "sessiondcfg.yaml"))
	require.NoError(t, err)

	assert.Equal(t, StoreDriverBadger, cfg.Store.Driver)
	require.Len(t, cfg.StaticRules, 3)
	assert.Equal(t, "internet", cfg.StaticRules[0].ID)
	assert.Equal(t, model.TrackingOnlyOCS, cfg.StaticRules[0].TrackingType)
	require.Len(t, cfg.StaticRules[0].FlowList, 1)
	assert.Equal(t, model.FlowUplink, cfg.StaticRules[0].FlowList[0].Direction)
}

func TestStaticRulesFileIsMerged(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", `
rules:
  - id: from-file
    priority: 5
    monitoringKey: mk1
    trackingType: ONLY_PCRF
`)
	path := writeFile(t, dir, "sessiondcfg.yaml", minimalConfig+`
staticRules:
  - id: inline
    ratingGroup: 7
    trackingType: ONLY_OCS
staticRulesFile: `+rulesPath+`
`)

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.StaticRules, 2)
	assert.Equal(t, "inline", cfg.StaticRules[0].ID)
	assert.Equal(t, "from-file", cfg.StaticRules[1].ID)
	assert.Equal(t, "mk1", cfg.StaticRules[1].MonitoringKey)
}

func TestReadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad threshold":      minimalConfig + "sessiond:\n  quotaExhaustionThreshold: 1.5\n",
		"redis without addr": minimalConfig + "store:\n  driver: redis\n",
		"unknown driver":     minimalConfig + "store:\n  driver: etcd\n",
		"bad log level":      minimalConfig + "logging:\n  level: loud\n",
		"bad access url":     minimalConfig + "access:\n  lteBaseUrl: not-a-url\n",
		"duplicate rules":    minimalConfig + "staticRules:\n  - id: a\n  - id: a\n",
		"missing version":    "pipelined:\n  peerAddr: 127.0.0.1:8805\n  nodeId: 10.0.0.1\nproxy:\n  baseUrl: http://h:1\n",
		"ipv6 node id":       "info:\n  version: 1\npipelined:\n  peerAddr: 127.0.0.1:8805\n  nodeId: \"::1\"\nproxy:\n  baseUrl: http://h:1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "sessiondcfg.yaml", content)
			_, err := ReadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestHostPortAndURLHelpers(t *testing.T) {
	assert.True(t, isValidHostPort("127.0.0.1:8805"))
	assert.True(t, isValidHostPort("[::1]:80"))
	assert.False(t, isValidHostPort("127.0.0.1"))
	assert.False(t, isValidHostPort(":80"))

	assert.True(t, isValidBaseURL("https://ocs.example:8443/api"))
	assert.False(t, isValidBaseURL("ocs.example"))
}
