package store

import (
	"sync"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/defaults"
	"github.com/svalinhq/svalin/lib/pki"
)

// AgentStore persists agent records at agents/<fingerprint> as a
// SignedObject<PublicAgentData>, and broadcasts AgentUpdate
// notifications to agent_list subscribers on every mutation.
type AgentStore interface {
	Put(agent *pki.SignedObject) error
	ByFingerprint(fingerprint pki.Fingerprint) (*pki.SignedObject, error)
	List() []*pki.SignedObject
	Remove(fingerprint pki.Fingerprint) error
	CertificateByFingerprint(fingerprint pki.Fingerprint) (*pki.Certificate, error)
	Subscribe() (<-chan AgentUpdate, func())
}

// MemoryAgentStore is an in-memory AgentStore.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[pki.Fingerprint]*pki.SignedObject

	subMu sync.Mutex
	subs  map[chan AgentUpdate]struct{}
}

// NewMemoryAgentStore builds an empty in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents: make(map[pki.Fingerprint]*pki.SignedObject),
		subs:   make(map[chan AgentUpdate]struct{}),
	}
}

// Put inserts or replaces the agent record, keyed by the fingerprint
// of its embedded certificate (not its signer — the signer is
// whichever user approved the join), then broadcasts AgentAdded.
func (s *MemoryAgentStore) Put(agent *pki.SignedObject) error {
	var data PublicAgentData
	if err := agent.DecodeUnverified(&data); err != nil {
		return trace.Wrap(err, "decoding agent public data")
	}
	cert, err := pki.ParseCertificate(data.Certificate)
	if err != nil {
		return trace.Wrap(err, "parsing agent certificate")
	}
	fp := cert.Fingerprint()

	s.mu.Lock()
	s.agents[fp] = agent
	s.mu.Unlock()

	s.broadcast(AgentUpdate{Kind: AgentAdded, Fingerprint: fp})
	return nil
}

// ByFingerprint looks up an agent record.
func (s *MemoryAgentStore) ByFingerprint(fingerprint pki.Fingerprint) (*pki.SignedObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[fingerprint]
	if !ok {
		return nil, trace.NotFound("no agent with that fingerprint")
	}
	return agent, nil
}

// List returns every agent record, in no particular order.
func (s *MemoryAgentStore) List() []*pki.SignedObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pki.SignedObject, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agent)
	}
	return out
}

// Remove deletes the record for fingerprint, then broadcasts
// AgentRemoved. Removing an absent fingerprint is a no-op.
func (s *MemoryAgentStore) Remove(fingerprint pki.Fingerprint) error {
	s.mu.Lock()
	_, ok := s.agents[fingerprint]
	delete(s.agents, fingerprint)
	s.mu.Unlock()

	if ok {
		s.broadcast(AgentUpdate{Kind: AgentRemoved, Fingerprint: fingerprint})
	}
	return nil
}

// CertificateByFingerprint implements verify.CertLookup by parsing the
// certificate embedded in the agent's signed public data.
func (s *MemoryAgentStore) CertificateByFingerprint(fingerprint pki.Fingerprint) (*pki.Certificate, error) {
	agent, err := s.ByFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	var data PublicAgentData
	if err := agent.DecodeUnverified(&data); err != nil {
		return nil, trace.Wrap(err, "decoding agent public data")
	}
	cert, err := pki.ParseCertificate(data.Certificate)
	if err != nil {
		return nil, trace.Wrap(err, "parsing agent certificate")
	}
	return cert, nil
}

// Subscribe registers a new agent_list subscriber, returning its
// channel and a cancel function that unregisters it. The channel is
// bounded per defaults.BroadcastChannelCapacity; a subscriber that
// falls behind receives an AgentLagged notification in place of
// whatever update it missed, telling it to resync from List() rather
// than trust the incremental stream.
func (s *MemoryAgentStore) Subscribe() (<-chan AgentUpdate, func()) {
	ch := make(chan AgentUpdate, defaults.BroadcastChannelCapacity)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *MemoryAgentStore) broadcast(update AgentUpdate) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- update:
		default:
			// Slow subscriber: rather than silently drop (the
			// subscriber would then have no way to tell "no change"
			// from "missed a change"), evict the oldest queued update
			// and replace it with AgentLagged, per spec.md §5 — the
			// subscriber's next receive tells it to resync via List().
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- AgentUpdate{Kind: AgentLagged}:
			default:
			}
		}
	}
}
