package verify

import (
	"sync"
	"time"

	"github.com/svalinhq/svalin/lib/pki"
)

// ChainFetcher retrieves an unverified certificate chain for
// fingerprint, leaf first. RemoteVerifier never trusts the chain
// itself; it only trusts that the leaf verifies against its own root.
// Implemented by the rpc layer via the chain_request command, kept as
// a narrow interface here so this package never depends on rpc/*.
type ChainFetcher interface {
	FetchChain(fingerprint pki.Fingerprint) ([]*pki.Certificate, error)
}

type cacheEntry struct {
	leaf *pki.Certificate
}

// RemoteVerifier fetches a fresh chain from a peer on a cache miss,
// validates it against root, and caches the leaf by SPKI hash.
// Validity is re-checked on every cache hit; a validity failure evicts
// the entry so the next lookup fetches again.
type RemoteVerifier struct {
	root    *pki.Certificate
	fetcher ChainFetcher

	mu    sync.Mutex
	cache map[pki.Fingerprint]cacheEntry
}

// Remote builds a Verifier that trusts root and fetches unknown leaves
// through fetcher.
func Remote(root *pki.Certificate, fetcher ChainFetcher) *RemoteVerifier {
	return &RemoteVerifier{
		root:    root,
		fetcher: fetcher,
		cache:   make(map[pki.Fingerprint]cacheEntry),
	}
}

// VerifyFingerprint implements Verifier.
func (v *RemoteVerifier) VerifyFingerprint(fingerprint pki.Fingerprint, at time.Time) (*pki.Certificate, error) {
	if leaf, ok := v.cachedValid(fingerprint, at); ok {
		return leaf, nil
	}

	chain, err := v.fetcher.FetchChain(fingerprint)
	if err != nil {
		return nil, Internal(err)
	}
	if len(chain) == 0 {
		return nil, Unknown("peer returned empty chain for fingerprint")
	}

	leaf := chain[0]
	if leaf.Fingerprint() != fingerprint {
		return nil, Mismatch("fetched chain's leaf does not match requested fingerprint")
	}
	if err := leaf.CheckValidityAt(at); err != nil {
		return nil, Expired(err)
	}
	if err := v.root.CheckValidityAt(at); err != nil {
		return nil, Expired(err)
	}
	if err := leaf.VerifySignature(v.root.PublicKey()); err != nil {
		return nil, Mismatch("fetched leaf does not chain to trusted root: %v", err)
	}

	v.mu.Lock()
	v.cache[fingerprint] = cacheEntry{leaf: leaf}
	v.mu.Unlock()

	return leaf, nil
}

func (v *RemoteVerifier) cachedValid(fingerprint pki.Fingerprint, at time.Time) (*pki.Certificate, bool) {
	v.mu.Lock()
	entry, ok := v.cache[fingerprint]
	v.mu.Unlock()
	if !ok {
		return nil, false
	}
	if err := entry.leaf.CheckValidityAt(at); err != nil {
		v.mu.Lock()
		delete(v.cache, fingerprint)
		v.mu.Unlock()
		return nil, false
	}
	return entry.leaf, true
}
