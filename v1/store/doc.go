// Package store defines the key-value collaborator a distributed mutex relies
// on and ships Redis, in-memory, NATS JetStream and etcd implementations.
// Every implementation must make SetNX and CompareAndDelete atomic with
// respect to other clients of the same backend.
package store
