package cluster

import (
	"github.com/fadhilkurnia/distro/topology"
)

// Member is one node as it appears in a rendered config file.
type Member struct {
	// Index is the node number the target uses, 0- or 1-based.
	Index int
	// ID is a target-specific node name, e.g. "1.2" for paxi.
	ID string

	Peer         string
	PeerHost     string
	PeerPort     int
	ElectionPort int

	Client     string
	ClientPort int
}

// ConfigData is what every config template is rendered with.
type ConfigData struct {
	Members []Member
	// Self is the node the file is rendered for. Cluster-wide files leave
	// it zero.
	Self   Member
	Quorum int

	DataDir        string
	Reconfigurator string
}

// newConfigData describes every node of a. index and id number the nodes
// the way the target does; id may be nil.
func newConfigData(a *topology.Assignment, index func(i int) int, id func(i int) string) ConfigData {
	members := make([]Member, a.Len())

	for i := range members {
		n := a.Node(i)
		members[i] = Member{
			Index:        index(i),
			Peer:         a.Addr(i, topology.RolePeer),
			PeerHost:     n.Private,
			PeerPort:     a.Port(i, topology.RolePeer),
			ElectionPort: a.Port(i, topology.RoleElection),
			Client:       a.Addr(i, topology.RoleClient),
			ClientPort:   a.Port(i, topology.RoleClient),
		}

		if id != nil {
			members[i].ID = id(i)
		}
	}

	return ConfigData{
		Members: members,
		Quorum:  len(members)/2 + 1,
	}
}

// For returns a copy of d rendered for node i.
func (d ConfigData) For(i int, dataDir string) ConfigData {
	d.Self = d.Members[i]
	d.DataDir = dataDir

	return d
}

func zeroBased(i int) int { return i }

func oneBased(i int) int { return i + 1 }
