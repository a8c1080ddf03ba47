// Package topology describes the hosts of a benchmarked cluster and assigns
// collision-free ports to the roles each host exposes.
package topology

// Loopback is the address that marks a node as running on this machine.
const Loopback = "127.0.0.1"

// Node is one physical or virtual host participating in a cluster. Peer
// traffic uses the private address, client traffic the public one.
type Node struct {
	Private string `mapstructure:"private" json:"private" validate:"required,ip|hostname"`
	Public  string `mapstructure:"public" json:"public" validate:"required,ip|hostname"`
}

// IsLocal reports whether both addresses of the node are the loopback
// address, in which case its processes are started directly on this machine.
func (n Node) IsLocal() bool {
	return n.Private == Loopback && n.Public == Loopback
}

// AddressSpace selects which of a node's two addresses a role binds to.
type AddressSpace int

const (
	PrivateSpace AddressSpace = iota
	PublicSpace
)

// Addr returns the node's address in the given space.
func (n Node) Addr(space AddressSpace) string {
	if space == PrivateSpace {
		return n.Private
	}

	return n.Public
}
