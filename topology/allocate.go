package topology

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Role is a logical network function a node exposes. Every role a target
// needs gets its own port on every node.
type Role string

const (
	RolePeer     Role = "peer"
	RoleClient   Role = "client"
	RoleService  Role = "service"
	RoleElection Role = "election"
)

// Space returns the address space the role binds to. Consensus traffic stays
// on private addresses; anything reached from outside the cluster uses the
// public one.
func (r Role) Space() AddressSpace {
	switch r {
	case RolePeer, RoleElection:
		return PrivateSpace
	default:
		return PublicSpace
	}
}

// Bases holds the first port handed out for each role on a fresh host.
type Bases map[Role]int

// Roles returns the roles in sorted order.
func (b Bases) Roles() []Role {
	roles := make([]Role, 0, len(b))
	for r := range b {
		roles = append(roles, r)
	}

	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	return roles
}

// Placement is one node together with the ports allocated to it.
type Placement struct {
	Node  Node
	Ports map[Role]int
}

// Assignment is the result of Allocate. Placements are kept in input order.
type Assignment struct {
	placements []Placement
}

type hostRole struct {
	host string
	role Role
}

// Allocate assigns a port per role to every node. Within a host the first
// occurrence of a role gets the role's base port and every later occurrence
// gets the next one, so nodes that share a host never collide while distinct
// hosts reuse the same numbers. Hosts are told apart by the address the role
// binds to.
//
// The result depends only on the order of nodes; callers must keep that
// order stable between starting and stopping a cluster.
func Allocate(nodes []Node, bases Bases) *Assignment {
	next := make(map[hostRole]int)
	roles := bases.Roles()

	placements := make([]Placement, 0, len(nodes))

	for _, n := range nodes {
		ports := make(map[Role]int, len(roles))

		for _, role := range roles {
			key := hostRole{host: n.Addr(role.Space()), role: role}

			port, seen := next[key]
			if !seen {
				port = bases[role]
			}

			ports[role] = port
			next[key] = port + 1
		}

		placements = append(placements, Placement{Node: n, Ports: ports})
	}

	return &Assignment{placements: placements}
}

// Len returns the number of nodes in the assignment.
func (a *Assignment) Len() int {
	return len(a.placements)
}

// Node returns the i-th node.
func (a *Assignment) Node(i int) Node {
	return a.placements[i].Node
}

// Port returns the port of role on the i-th node, or 0 if the role was not
// allocated.
func (a *Assignment) Port(i int, role Role) int {
	return a.placements[i].Ports[role]
}

// Addr returns host:port for role on the i-th node, using the address the
// role binds to.
func (a *Assignment) Addr(i int, role Role) string {
	n := a.placements[i].Node

	return net.JoinHostPort(n.Addr(role.Space()), strconv.Itoa(a.Port(i, role)))
}

// PublicAddr returns public-host:port for role on the i-th node regardless of
// the role's own address space.
func (a *Assignment) PublicAddr(i int, role Role) string {
	return net.JoinHostPort(a.placements[i].Node.Public, strconv.Itoa(a.Port(i, role)))
}

// Placements returns a copy of all placements in node order, port maps
// included.
func (a *Assignment) Placements() []Placement {
	out := make([]Placement, len(a.placements))

	for i, p := range a.placements {
		ports := make(map[Role]int, len(p.Ports))
		for r, port := range p.Ports {
			ports[r] = port
		}

		out[i] = Placement{Node: p.Node, Ports: ports}
	}

	return out
}

// Lookup returns every port allocated for role on host, in node order.
func (a *Assignment) Lookup(host string, role Role) []int {
	var ports []int

	for _, p := range a.placements {
		if p.Node.Addr(role.Space()) != host {
			continue
		}

		if port, ok := p.Ports[role]; ok {
			ports = append(ports, port)
		}
	}

	return ports
}

// String renders the assignment one node per line.
func (a *Assignment) String() string {
	var s string

	for i, p := range a.placements {
		s += fmt.Sprintf("node%d private=%s public=%s", i+1, p.Node.Private, p.Node.Public)

		for _, r := range sortedRoles(p.Ports) {
			s += fmt.Sprintf(" %s=%d", r, p.Ports[r])
		}

		s += "\n"
	}

	return s
}

func sortedRoles(ports map[Role]int) []Role {
	b := make(Bases, len(ports))
	for r, p := range ports {
		b[r] = p
	}

	return b.Roles()
}
