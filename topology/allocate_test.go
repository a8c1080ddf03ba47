package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var etcdBases = Bases{RoleClient: 2001, RolePeer: 3001}

func TestAllocateColocatedNodes(t *testing.T) {
	nodes := []Node{
		{Private: Loopback, Public: Loopback},
		{Private: Loopback, Public: Loopback},
		{Private: Loopback, Public: Loopback},
	}

	a := Allocate(nodes, etcdBases)
	require.Equal(t, 3, a.Len())

	for i := 0; i < a.Len(); i++ {
		assert.Equal(t, 2001+i, a.Port(i, RoleClient))
		assert.Equal(t, 3001+i, a.Port(i, RolePeer))
	}
}

func TestAllocateDistinctHostsReusePorts(t *testing.T) {
	nodes := []Node{
		{Private: "10.0.0.1", Public: "34.1.1.1"},
		{Private: "10.0.0.2", Public: "34.1.1.2"},
		{Private: "10.0.0.1", Public: "34.1.1.1"},
	}

	a := Allocate(nodes, etcdBases)

	assert.Equal(t, 2001, a.Port(0, RoleClient))
	assert.Equal(t, 2001, a.Port(1, RoleClient))
	assert.Equal(t, 2002, a.Port(2, RoleClient))
	assert.Equal(t, 3001, a.Port(1, RolePeer))
	assert.Equal(t, 3002, a.Port(2, RolePeer))
	assert.Equal(t, []int{2001, 2002}, a.Lookup("34.1.1.1", RoleClient))
}

func TestAllocateTracksAddressSpacesIndependently(t *testing.T) {
	// Same public address, different private addresses: client ports must
	// step, peer ports live on different private hosts and may repeat.
	nodes := []Node{
		{Private: "10.0.0.1", Public: "34.1.1.1"},
		{Private: "10.0.0.2", Public: "34.1.1.1"},
	}

	a := Allocate(nodes, etcdBases)

	assert.Equal(t, 2001, a.Port(0, RoleClient))
	assert.Equal(t, 2002, a.Port(1, RoleClient))
	assert.Equal(t, 3001, a.Port(0, RolePeer))
	assert.Equal(t, 3001, a.Port(1, RolePeer))
	assert.Equal(t, "10.0.0.2:3001", a.Addr(1, RolePeer))
	assert.Equal(t, "34.1.1.1:2002", a.Addr(1, RoleClient))
}

func TestAllocateStrictlyIncreasingPerHost(t *testing.T) {
	nodes := []Node{
		{Private: "a", Public: "a"},
		{Private: "b", Public: "b"},
		{Private: "a", Public: "a"},
		{Private: "a", Public: "a"},
		{Private: "b", Public: "b"},
	}
	bases := Bases{RoleClient: 2001, RolePeer: 3001, RoleService: 2101}

	a := Allocate(nodes, bases)

	for _, host := range []string{"a", "b"} {
		for _, role := range bases.Roles() {
			ports := a.Lookup(host, role)
			for i := 1; i < len(ports); i++ {
				assert.Greater(t, ports[i], ports[i-1],
					"host %s role %s ports %v", host, role, ports)
			}
		}
	}
}

func TestAllocateDeterministic(t *testing.T) {
	nodes := []Node{
		{Private: "10.0.0.1", Public: "34.1.1.1"},
		{Private: Loopback, Public: Loopback},
		{Private: "10.0.0.1", Public: "34.1.1.1"},
	}
	bases := Bases{RoleClient: 2001, RolePeer: 3001, RoleService: 2101}

	first := Allocate(nodes, bases)
	second := Allocate(nodes, bases)

	assert.Equal(t, first.Placements(), second.Placements())
	assert.Equal(t, first.String(), second.String())
}

func TestNodeIsLocal(t *testing.T) {
	tests := []struct {
		node Node
		want bool
	}{
		{Node{Private: Loopback, Public: Loopback}, true},
		{Node{Private: Loopback, Public: "34.1.1.1"}, false},
		{Node{Private: "10.0.0.1", Public: Loopback}, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.node.IsLocal(), "%+v", tt.node)
	}
}

func TestPlacementsAreCopies(t *testing.T) {
	a := Allocate([]Node{{Private: Loopback, Public: Loopback}}, etcdBases)

	placements := a.Placements()
	placements[0].Ports[RoleClient] = 9999
	placements[0].Node.Public = "34.0.0.1"

	assert.Equal(t, 2001, a.Port(0, RoleClient))
	assert.Equal(t, Loopback, a.Node(0).Public)
}
