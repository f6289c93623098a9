package provider

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/driver"
)

func staticTopo() config.StaticMasterReplica {
	return config.StaticMasterReplica{
		Nodes: []config.Node{
			{Host: "10.0.0.1", Port: 7000},
			{Host: "10.0.0.2", Port: 7001},
			{Host: "10.0.0.3", Port: 7002},
		},
	}
}

func newStaticProvider(t *testing.T, client config.ClientConfig) *replicaProvider {
	t.Helper()
	topo := staticTopo()
	p, err := newReplicaProvider(testHandle(t, topo), topo, client, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func readerAddrs(p *replicaProvider) []string {
	addrs := make([]string, 0, len(p.readers))
	for _, node := range p.readers {
		addrs = append(addrs, node.Addr)
	}
	return addrs
}

func TestReplicaReadPreferenceOrders(t *testing.T) {
	cases := []struct {
		pref config.ReadFrom
		want []string
	}{
		{pref: "", want: []string{"10.0.0.1:7000"}},
		{pref: config.ReadFromMaster, want: []string{"10.0.0.1:7000"}},
		{pref: config.ReadFromReplica, want: []string{"10.0.0.2:7001", "10.0.0.3:7002"}},
		{pref: config.ReadFromReplicaPreferred, want: []string{"10.0.0.2:7001", "10.0.0.3:7002", "10.0.0.1:7000"}},
		{pref: config.ReadFromMasterPreferred, want: []string{"10.0.0.1:7000", "10.0.0.2:7001", "10.0.0.3:7002"}},
		{pref: config.ReadFromAny, want: []string{"10.0.0.1:7000", "10.0.0.2:7001", "10.0.0.3:7002"}},
	}
	for _, tc := range cases {
		p := newStaticProvider(t, config.ClientConfig{ReadFrom: tc.pref})
		require.Equal(t, tc.want, readerAddrs(p), "preference %q", tc.pref)
	}
}

func TestReplicaReadPreferenceWithoutReplicas(t *testing.T) {
	topo := config.StaticMasterReplica{Nodes: []config.Node{{Host: "10.0.0.1", Port: 7000}}}
	p, err := newReplicaProvider(testHandle(t, topo), topo, config.ClientConfig{ReadFrom: config.ReadFromReplica}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:7000"}, readerAddrs(p), "a lone master must serve replica reads")
}

func TestReplicaFilterSelectsMatchingNodes(t *testing.T) {
	client := config.ClientConfig{
		ReadFrom:       config.ReadFromAny,
		ReadFromFilter: `role == "replica" && port != 7002`,
	}
	p := newStaticProvider(t, client)
	require.Equal(t, []string{"10.0.0.2:7001"}, readerAddrs(p))
}

func TestReplicaFilterFallsBackWhenNothingMatches(t *testing.T) {
	client := config.ClientConfig{
		ReadFrom:       config.ReadFromReplica,
		ReadFromFilter: `port == 9999`,
	}
	p := newStaticProvider(t, client)
	require.Equal(t, []string{"10.0.0.2:7001", "10.0.0.3:7002"}, readerAddrs(p))
}

func TestReplicaFilterCompileFailure(t *testing.T) {
	topo := staticTopo()
	_, err := newReplicaProvider(testHandle(t, topo), topo, config.ClientConfig{ReadFromFilter: `role ==`}, zerolog.Nop())
	require.Error(t, err)
	require.ErrorContains(t, err, "read_from_filter")
}

func TestReplicaRoundRobinCyclesReaders(t *testing.T) {
	p := newStaticProvider(t, config.ClientConfig{ReadFrom: config.ReadFromReplica})

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		seen[p.nextReader().Addr]++
	}
	require.Equal(t, 3, seen["10.0.0.2:7001"])
	require.Equal(t, 3, seen["10.0.0.3:7002"])
}

func TestReplicaAcquireNodeRejectsForeignAddr(t *testing.T) {
	p := newStaticProvider(t, config.ClientConfig{})

	_, err := p.AcquireNode(context.Background(), driver.KindCommand, "203.0.113.9:7000")
	require.Error(t, err)
	require.ErrorContains(t, err, "not part of the static topology")
}
