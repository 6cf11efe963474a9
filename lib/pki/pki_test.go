package pki_test

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/lib/pki"
)

func TestSignatureIntegrity(t *testing.T) {
	keys, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("hello agent")
	signature := keys.Sign(message)
	require.True(t, pki.Verify(keys.Public, message, signature))

	flippedMessage := append([]byte(nil), message...)
	flippedMessage[0] ^= 0x01
	require.False(t, pki.Verify(keys.Public, flippedMessage, signature))

	flippedSig := append([]byte(nil), signature...)
	flippedSig[0] ^= 0x01
	require.False(t, pki.Verify(keys.Public, message, flippedSig))

	other, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, pki.Verify(other.Public, message, signature))
}

func TestCertificateValidityBoundaries(t *testing.T) {
	root, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	t0 := time.Unix(1_000_000, 0).UTC()
	t1 := t0.Add(time.Hour)

	cert, err := pki.BuildRootCertificate(root, t0, t1)
	require.NoError(t, err)

	require.NoError(t, cert.CheckValidityAt(t0))
	require.NoError(t, cert.CheckValidityAt(t1.Add(-time.Second)))
	require.Error(t, cert.CheckValidityAt(t0.Add(-time.Second)))
	require.Error(t, cert.CheckValidityAt(t1))
}

func TestCertificateSelfSignedAndChain(t *testing.T) {
	root, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	t0 := time.Now()
	t1 := t0.Add(24 * time.Hour)

	rootCert, err := pki.BuildRootCertificate(root, t0, t1)
	require.NoError(t, err)
	require.True(t, rootCert.IsSelfSigned())
	require.Equal(t, pki.CertTypeRoot, rootCert.Type())
	require.NoError(t, rootCert.VerifySignature(root.Public))

	rootCredential, err := pki.NewCredential(rootCert, root)
	require.NoError(t, err)

	user, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	userCert, err := pki.BuildCertificate(user.Public, rootCredential, pki.CertTypeUser, t0, t1, nil)
	require.NoError(t, err)
	require.False(t, userCert.IsSelfSigned())
	require.NoError(t, userCert.VerifySignature(root.Public))

	other, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	require.Error(t, userCert.VerifySignature(other.Public))
}

func TestCertificateRoundTrip(t *testing.T) {
	root, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	t0 := time.Now()
	cert, err := pki.BuildRootCertificate(root, t0, t0.Add(time.Hour))
	require.NoError(t, err)

	parsed, err := pki.ParseCertificate(cert.Raw())
	require.NoError(t, err)
	require.Equal(t, cert.Fingerprint(), parsed.Fingerprint())
	require.Equal(t, cert.Type(), parsed.Type())
	require.NoError(t, parsed.VerifySignature(root.Public))
}

func TestCSRProofOfPossession(t *testing.T) {
	agentKeys, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	csr, err := pki.NewCSR(agentKeys, pki.CertTypeAgent)
	require.NoError(t, err)
	require.NoError(t, csr.Verify())

	raw, err := csr.Marshal()
	require.NoError(t, err)
	parsed, err := pki.ParseCSR(raw)
	require.NoError(t, err)
	require.NoError(t, parsed.Verify())
	require.Equal(t, pki.CertTypeAgent, parsed.RequestedType())

	root, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	t0 := time.Now()
	rootCert, err := pki.BuildRootCertificate(root, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	rootCredential, err := pki.NewCredential(rootCert, root)
	require.NoError(t, err)

	issued, err := pki.SignCSR(parsed, rootCredential, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, pki.CertTypeAgent, issued.Type())
	require.NoError(t, issued.VerifySignature(root.Public))
}

func TestEncryptedBlobRoundTrip(t *testing.T) {
	password := []byte("correct horse battery staple")
	plaintext := []byte("super secret private key bytes")

	blob, err := pki.EncryptWithPassword(password, plaintext)
	require.NoError(t, err)

	decrypted, err := blob.Decrypt(password)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)

	_, err = blob.Decrypt([]byte("wrong password"))
	require.Error(t, err)

	raw, err := blob.Marshal()
	require.NoError(t, err)
	parsed, err := pki.ParseEncryptedBlob(raw)
	require.NoError(t, err)
	roundTripped, err := parsed.Decrypt(password)
	require.NoError(t, err)
	require.Equal(t, plaintext, roundTripped)
}

type fakeVerifier struct {
	certs map[pki.Fingerprint]*pki.Certificate
}

func (f *fakeVerifier) VerifyFingerprint(fp pki.Fingerprint, at time.Time) (*pki.Certificate, error) {
	cert, ok := f.certs[fp]
	if !ok {
		return nil, trace.NotFound("unknown fingerprint")
	}
	return cert, cert.CheckValidityAt(at)
}

func TestSignedObjectRoundTrip(t *testing.T) {
	root, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	t0 := time.Now()
	rootCert, err := pki.BuildRootCertificate(root, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)

	signer := &pki.Credential{Certificate: rootCert, Keys: root}

	type payload struct {
		Message string
	}
	signed, err := pki.Sign(payload{Message: "hi"}, signer)
	require.NoError(t, err)

	verifier := &fakeVerifier{certs: map[pki.Fingerprint]*pki.Certificate{rootCert.Fingerprint(): rootCert}}

	var decoded payload
	require.NoError(t, signed.Verify(verifier, t0, &decoded))
	require.Equal(t, "hi", decoded.Message)

	signed.PayloadBytes[0] ^= 0xFF
	require.Error(t, signed.Verify(verifier, t0, &decoded))
}

func TestDoubleHash(t *testing.T) {
	clientHash := []byte("argon2-output-from-client-side-hash")

	double, err := pki.ComputeDoubleHash(clientHash)
	require.NoError(t, err)
	require.True(t, double.Check(clientHash))
	require.False(t, double.Check([]byte("wrong client hash value")))
}
