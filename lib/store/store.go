// Package store defines svalin's persisted-state interfaces — user,
// agent, and session-certificate records — plus in-memory
// implementations suitable for tests and single-process deployments.
// The wire layout mirrors spec.md §6: userdata/<fingerprint>,
// usernames/<username>, agents/<fingerprint>, sessions/<fingerprint>.
package store

import (
	"github.com/svalinhq/svalin/lib/pki"
)

// StoredUser is the record persisted at userdata/<fingerprint>.
type StoredUser struct {
	Certificate         *pki.Certificate
	Username            string
	EncryptedCredential *pki.EncryptedBlob
	ClientHashParams    pki.Argon2Params
	PasswordDoubleHash  pki.DoubleHash
	TOTPSecret          string
}

// Fingerprint is a convenience accessor over the user's certificate.
func (u StoredUser) Fingerprint() pki.Fingerprint { return u.Certificate.Fingerprint() }

// PublicAgentData is the payload an agent's SignedObject carries: its
// own certificate plus whatever metadata the control plane displays
// in an agent list.
type PublicAgentData struct {
	Certificate []byte `cbor:"certificate"`
	Hostname    string `cbor:"hostname"`
}

// AgentUpdateKind distinguishes the notifications the agent store
// broadcasts to subscribers of agent_list.
type AgentUpdateKind int

const (
	// AgentAdded is broadcast once a new agent record is persisted.
	AgentAdded AgentUpdateKind = iota
	// AgentRemoved is broadcast once an agent record is deleted.
	AgentRemoved
	// AgentLagged is delivered in place of a dropped update when a
	// subscriber's channel is full: it carries no fingerprint, and
	// tells the subscriber its view of the roster may be stale and it
	// must call List() to resync rather than trust the incremental
	// stream.
	AgentLagged
)

// AgentUpdate is one notification delivered to agent_list subscribers.
type AgentUpdate struct {
	Kind        AgentUpdateKind
	Fingerprint pki.Fingerprint
}
