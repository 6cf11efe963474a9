package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/pki"
)

// identityFile is the on-disk shape a data directory persists a
// credential as: the certificate and its matching private key, plus
// (for anything other than a bootstrap transport identity) the
// deployment root it was issued under.
type identityFile struct {
	Root        []byte `cbor:"root,omitempty"`
	Certificate []byte `cbor:"certificate"`
	PrivateKey  []byte `cbor:"private_key"`
}

// loadOrCreateTransportIdentity loads the credential a process
// presents as its own QUIC/TLS leaf from path, minting and persisting
// a fresh self-signed one on first run. This identity authenticates
// the transport, not the application: for a server it is replaced in
// meaning (but not in bytes) the moment first_init runs, since the
// deployment's actual root of trust is negotiated over the
// connection, not read from this file.
func loadOrCreateTransportIdentity(path string) (*pki.Credential, error) {
	if _, err := os.Stat(path); err == nil {
		return loadCredential(path)
	} else if !os.IsNotExist(err) {
		return nil, trace.Wrap(err, "checking for existing transport identity at %s", path)
	}

	keys, err := pki.GenerateKeyPair()
	if err != nil {
		return nil, trace.Wrap(err, "generating transport keypair")
	}
	now := time.Now()
	cert, err := pki.BuildRootCertificate(keys, now.Add(-time.Minute), now.Add(10*365*24*time.Hour))
	if err != nil {
		return nil, trace.Wrap(err, "building transport identity certificate")
	}
	credential, err := pki.NewCredential(cert, keys)
	if err != nil {
		return nil, trace.Wrap(err, "pairing transport identity")
	}
	if err := saveCredential(path, nil, credential); err != nil {
		return nil, trace.Wrap(err, "persisting transport identity to %s", path)
	}
	return credential, nil
}

// loadCredential reads an identityFile from path and parses it into a
// credential, ignoring any root certificate field it may also carry.
func loadCredential(path string) (*pki.Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading identity file %s", path)
	}
	var file identityFile
	if err := codec.DecodeObject(raw, &file); err != nil {
		return nil, trace.Wrap(err, "decoding identity file %s", path)
	}
	cert, err := pki.ParseCertificate(file.Certificate)
	if err != nil {
		return nil, trace.Wrap(err, "parsing identity certificate")
	}
	keys, err := pki.KeyPairFromPrivate(file.PrivateKey)
	if err != nil {
		return nil, trace.Wrap(err, "parsing identity private key")
	}
	return pki.NewCredential(cert, keys)
}

// loadRootAndCredential reads an identityFile that also carries the
// deployment root certificate (the server's and agent's permanent
// identities, as opposed to a throwaway transport identity).
func loadRootAndCredential(path string) (*pki.Certificate, *pki.Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, trace.Wrap(err, "reading identity file %s", path)
	}
	var file identityFile
	if err := codec.DecodeObject(raw, &file); err != nil {
		return nil, nil, trace.Wrap(err, "decoding identity file %s", path)
	}
	root, err := pki.ParseCertificate(file.Root)
	if err != nil {
		return nil, nil, trace.Wrap(err, "parsing deployment root certificate")
	}
	cert, err := pki.ParseCertificate(file.Certificate)
	if err != nil {
		return nil, nil, trace.Wrap(err, "parsing identity certificate")
	}
	keys, err := pki.KeyPairFromPrivate(file.PrivateKey)
	if err != nil {
		return nil, nil, trace.Wrap(err, "parsing identity private key")
	}
	credential, err := pki.NewCredential(cert, keys)
	if err != nil {
		return nil, nil, err
	}
	return root, credential, nil
}

// saveCredential persists credential (and, if non-nil, root) to path,
// creating its parent directory and restricting permissions to the
// owner since the file embeds a private key.
func saveCredential(path string, root *pki.Certificate, credential *pki.Credential) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.Wrap(err, "creating identity directory")
	}
	file := identityFile{
		Certificate: credential.Certificate.Raw(),
		PrivateKey:  credential.Keys.PrivateBytes(),
	}
	if root != nil {
		file.Root = root.Raw()
	}
	encoded, err := codec.EncodeObject(file)
	if err != nil {
		return trace.Wrap(err, "encoding identity file")
	}
	return trace.Wrap(os.WriteFile(path, encoded, 0o600))
}
