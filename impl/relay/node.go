package relay

import (
	"github.com/usernamenenad/ordered-chat/core"
)

var _ core.Node = (*Node)(nil)

// Node is this replica's identity within the config.
type Node struct {
	id     core.ReplicaId
	config *Config
}

func NewNode(id core.ReplicaId, config *Config) *Node {
	return &Node{
		id:     id,
		config: config,
	}
}

func (n *Node) GetReplicaId() core.ReplicaId {
	return n.id
}

// Self returns this replica's config line.
func (n *Node) Self() (Replica, bool) {
	return n.config.Replica(n.id)
}

// IsPeer reports whether addr belongs to a configured replica, this one included.
func (n *Node) IsPeer(addr string) bool {
	_, ok := n.config.Resolve(addr)
	return ok
}
