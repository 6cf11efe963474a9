package store

import (
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/pki"
)

// SessionStore persists short-lived session certificates at
// sessions/<fingerprint>, used by the composed verifier to recognize
// an interactive session's own certificate alongside the longer-lived
// user/agent ones.
type SessionStore interface {
	Put(cert *pki.Certificate) error
	CertificateByFingerprint(fingerprint pki.Fingerprint) (*pki.Certificate, error)
	Prune(now time.Time) int
}

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	mu    sync.RWMutex
	certs map[pki.Fingerprint]*pki.Certificate
}

// NewMemorySessionStore builds an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{certs: make(map[pki.Fingerprint]*pki.Certificate)}
}

// Put inserts or replaces a session certificate record.
func (s *MemorySessionStore) Put(cert *pki.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[cert.Fingerprint()] = cert
	return nil
}

// CertificateByFingerprint implements verify.CertLookup.
func (s *MemorySessionStore) CertificateByFingerprint(fingerprint pki.Fingerprint) (*pki.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[fingerprint]
	if !ok {
		return nil, trace.NotFound("no session certificate with that fingerprint")
	}
	return cert, nil
}

// Prune removes every session certificate no longer valid at now,
// returning the count removed.
func (s *MemorySessionStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for fp, cert := range s.certs {
		if cert.CheckValidityAt(now) != nil {
			delete(s.certs, fp)
			removed++
		}
	}
	return removed
}
