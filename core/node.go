package core

// ReplicaId is the 1-based position of a replica in the config file.
type ReplicaId int

// Represents a general replica data interface
type Node interface {
	GetReplicaId() ReplicaId
}
