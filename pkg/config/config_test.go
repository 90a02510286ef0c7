package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
node_id: gw-a
peer_id: gw-b
poll_interval: 5s
failure_threshold: 3
peer:
  address: 10.0.1.5:9810
  shared_key: cluster-secret
cloud:
  api_endpoint: https://cloud.example.net
  credential: api-token
bindings:
  - name: rt-main
    kind: route
    resource_id: /routeTables/rt-main/routes/default
    targets:
      gw-a: 10.0.1.4
      gw-b: 10.0.1.5
  - name: vip
    kind: floating-ip
    resource_id: /publicIPs/cluster-vip
    targets:
      gw-a: nic-a-ipconfig
      gw-b: nic-b-ipconfig
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "gw-a", cfg.NodeID)
	assert.Equal(t, "gw-b", cfg.PeerID)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.FailureThreshold)
	require.Len(t, cfg.Bindings, 2)
	assert.Equal(t, "route", cfg.Bindings[0].Kind)
	assert.Equal(t, "10.0.1.4", cfg.Bindings[0].Targets["gw-a"])

	// Secrets are converted and plaintext fields cleared.
	require.True(t, cfg.Peer.SharedKey.IsSet())
	assert.Empty(t, cfg.Peer.SharedKeyStr)
	require.True(t, cfg.Cloud.Credential.IsSet())
	assert.Empty(t, cfg.Cloud.CredentialStr)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
node_id: gw-a
peer_id: gw-b
peer:
  address: 10.0.1.5:9810
`))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, []string{"cphaprob", "stat"}, cfg.LocalState.Command)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseBackoff)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.JitterBound)
	assert.Equal(t, 64, cfg.Events.RingSize)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CLUSTERHAD_FAILURE_THRESHOLD", "4")
	t.Setenv("CLUSTERHAD_PEER_ADDRESS", "10.0.2.5:9810")

	cfg, err := Load(writeConfig(t, `
node_id: gw-a
peer_id: gw-b
peer:
  address: 10.0.1.5:9810
`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.FailureThreshold)
	assert.Equal(t, "10.0.2.5:9810", cfg.Peer.Address)
}

func TestLoadValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing node id",
			yaml: "peer_id: gw-b\npeer:\n  address: x:1\n",
			want: "node_id",
		},
		{
			name: "identical ids",
			yaml: "node_id: gw-a\npeer_id: gw-a\npeer:\n  address: x:1\n",
			want: "must differ",
		},
		{
			name: "missing peer address",
			yaml: "node_id: gw-a\npeer_id: gw-b\n",
			want: "peer.address",
		},
		{
			name: "unknown binding kind",
			yaml: `
node_id: gw-a
peer_id: gw-b
peer:
  address: x:1
cloud:
  api_endpoint: https://cloud.example.net
bindings:
  - name: b1
    kind: teleport
    resource_id: /x
    targets: {gw-a: a, gw-b: b}
`,
			want: "unknown kind",
		},
		{
			name: "binding missing peer target",
			yaml: `
node_id: gw-a
peer_id: gw-b
peer:
  address: x:1
cloud:
  api_endpoint: https://cloud.example.net
bindings:
  - name: b1
    kind: route
    resource_id: /x
    targets: {gw-a: a}
`,
			want: "missing target",
		},
		{
			name: "bindings without endpoint",
			yaml: `
node_id: gw-a
peer_id: gw-b
peer:
  address: x:1
bindings:
  - name: b1
    kind: route
    resource_id: /x
    targets: {gw-a: a, gw-b: b}
`,
			want: "api_endpoint",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
