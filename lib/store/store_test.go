package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/store"
)

func buildCredential(t *testing.T, issuer *pki.Credential, certType pki.CertType) *pki.Credential {
	t.Helper()
	keys, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now()

	if issuer == nil {
		cert, err := pki.BuildRootCertificate(keys, now.Add(-time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		cred, err := pki.NewCredential(cert, keys)
		require.NoError(t, err)
		return cred
	}

	cert, err := pki.BuildCertificate(keys.Public, issuer, certType, now.Add(-time.Hour), now.Add(time.Hour), nil)
	require.NoError(t, err)
	cred, err := pki.NewCredential(cert, keys)
	require.NoError(t, err)
	return cred
}

func TestMemoryUserStore(t *testing.T) {
	root := buildCredential(t, nil, pki.CertTypeRoot)
	user := buildCredential(t, root, pki.CertTypeUser)

	s := store.NewMemoryUserStore()
	double, err := pki.ComputeDoubleHash([]byte("client-hash"))
	require.NoError(t, err)
	params, err := pki.NewArgon2Params()
	require.NoError(t, err)

	record := store.StoredUser{
		Certificate:        user.Certificate,
		Username:           "admin",
		ClientHashParams:   *params,
		PasswordDoubleHash: *double,
	}
	require.NoError(t, s.Put(record))

	require.Error(t, s.Put(record), "duplicate fingerprint must fail")

	other := buildCredential(t, root, pki.CertTypeUser)
	dup := record
	dup.Certificate = other.Certificate
	require.Error(t, s.Put(dup), "duplicate username must fail")

	got, err := s.ByUsername("admin")
	require.NoError(t, err)
	require.Equal(t, user.Certificate.Fingerprint(), got.Fingerprint())

	cert, err := s.CertificateByFingerprint(user.Certificate.Fingerprint())
	require.NoError(t, err)
	require.Equal(t, user.Certificate.Fingerprint(), cert.Fingerprint())

	_, err = s.ByUsername("nobody")
	require.Error(t, err)
}

func TestMemoryAgentStoreAndSubscribe(t *testing.T) {
	root := buildCredential(t, nil, pki.CertTypeRoot)
	agent := buildCredential(t, root, pki.CertTypeAgent)
	user := buildCredential(t, root, pki.CertTypeUser)

	s := store.NewMemoryAgentStore()
	updates, cancel := s.Subscribe()
	defer cancel()

	signed, err := pki.Sign(store.PublicAgentData{Certificate: agent.Certificate.Raw(), Hostname: "office-nuc"}, user)
	require.NoError(t, err)

	require.NoError(t, s.Put(signed))

	select {
	case update := <-updates:
		require.Equal(t, store.AgentAdded, update.Kind)
		require.Equal(t, agent.Certificate.Fingerprint(), update.Fingerprint)
	case <-time.After(time.Second):
		t.Fatal("expected an AgentAdded update")
	}

	cert, err := s.CertificateByFingerprint(agent.Certificate.Fingerprint())
	require.NoError(t, err)
	require.Equal(t, agent.Certificate.Fingerprint(), cert.Fingerprint())

	require.Len(t, s.List(), 1)

	require.NoError(t, s.Remove(agent.Certificate.Fingerprint()))
	select {
	case update := <-updates:
		require.Equal(t, store.AgentRemoved, update.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected an AgentRemoved update")
	}
	require.Len(t, s.List(), 0)
}

func TestMemorySessionStorePrune(t *testing.T) {
	root := buildCredential(t, nil, pki.CertTypeRoot)

	keys, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now()
	expired, err := pki.BuildCertificate(keys.Public, root, pki.CertTypeSession, now.Add(-2*time.Hour), now.Add(-time.Hour), nil)
	require.NoError(t, err)

	valid := buildCredential(t, root, pki.CertTypeSession)

	s := store.NewMemorySessionStore()
	require.NoError(t, s.Put(expired))
	require.NoError(t, s.Put(valid.Certificate))

	removed := s.Prune(now)
	require.Equal(t, 1, removed)

	_, err = s.CertificateByFingerprint(valid.Certificate.Fingerprint())
	require.NoError(t, err)
}
