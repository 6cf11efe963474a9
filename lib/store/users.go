package store

import (
	"sync"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/pki"
)

// UserStore persists users: the userdata/<fingerprint> record plus the
// usernames/<username> index. It satisfies verify.CertLookup so a
// ComposedVerifier can resolve a user's certificate directly.
type UserStore interface {
	Put(user StoredUser) error
	ByFingerprint(fingerprint pki.Fingerprint) (StoredUser, error)
	ByUsername(username string) (StoredUser, error)
	CertificateByFingerprint(fingerprint pki.Fingerprint) (*pki.Certificate, error)
}

// MemoryUserStore is an in-memory UserStore, one RWMutex guarding both
// indexes: concurrent readers, single writer, per spec.md §5's "Shared
// mutability" store model.
type MemoryUserStore struct {
	mu        sync.RWMutex
	byFP      map[pki.Fingerprint]StoredUser
	usernames map[string]pki.Fingerprint
}

// NewMemoryUserStore builds an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byFP:      make(map[pki.Fingerprint]StoredUser),
		usernames: make(map[string]pki.Fingerprint),
	}
}

// Put inserts user. Duplicate username or fingerprint both fail with
// AlreadyExists, per spec.md §4.8.
func (s *MemoryUserStore) Put(user StoredUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := user.Fingerprint()
	if _, ok := s.byFP[fp]; ok {
		return trace.AlreadyExists("user with fingerprint already exists")
	}
	if _, ok := s.usernames[user.Username]; ok {
		return trace.AlreadyExists("username %q already exists", user.Username)
	}

	s.byFP[fp] = user
	s.usernames[user.Username] = fp
	return nil
}

// ByFingerprint looks up a user record by certificate fingerprint.
func (s *MemoryUserStore) ByFingerprint(fingerprint pki.Fingerprint) (StoredUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.byFP[fingerprint]
	if !ok {
		return StoredUser{}, trace.NotFound("no user with that fingerprint")
	}
	return user, nil
}

// ByUsername looks up a user record by username.
func (s *MemoryUserStore) ByUsername(username string) (StoredUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.usernames[username]
	if !ok {
		return StoredUser{}, trace.NotFound("no user named %q", username)
	}
	return s.byFP[fp], nil
}

// CertificateByFingerprint implements verify.CertLookup.
func (s *MemoryUserStore) CertificateByFingerprint(fingerprint pki.Fingerprint) (*pki.Certificate, error) {
	user, err := s.ByFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	return user.Certificate, nil
}
