package joinagent

import (
	"crypto/tls"
	"time"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/store"
	"github.com/svalinhq/svalin/lib/verify"
)

// ephemeralValidity bounds the throwaway self-signed identity each
// side mints purely to carry the post-splice TLS handshake; it is
// discarded once a real certificate exists for the same keys (or, on
// the agent side, kept no longer than it takes a human to confirm).
const ephemeralValidity = 24 * time.Hour

// certMessage is exchanged in the clear, over the just-spliced raw
// transport, before either side knows anything about the other. It
// lets each side pin its TLS verification to exactly the certificate
// it was just shown, rather than trusting any certificate authority:
// neither a CA nor a prior fingerprint exists yet for this peer.
type certMessage struct {
	Certificate []byte `cbor:"certificate"`
}

// hostnameMessage is the first object sent over the upgraded TLS
// session, agent to operator, so the operator can label the pending
// confirmation in its UI before the human compares digits.
type hostnameMessage struct {
	Hostname string `cbor:"hostname"`
}

// agentCertMessage carries the operator's freshly signed Agent
// certificate for the agent's public key, plus the deployment root it
// chains to, sent only after the operator calls Confirm. The agent has
// no other way to learn the root: its confirm-stage TLS pinning trusts
// only the operator's ephemeral join certificate, never the
// deployment's actual root of trust.
type agentCertMessage struct {
	Certificate []byte `cbor:"certificate"`
	Root        []byte `cbor:"root"`
}

// ackMessage acknowledges receipt of agentCertMessage.
type ackMessage struct {
	OK      bool   `cbor:"ok"`
	Message string `cbor:"message,omitempty"`
}

// exchangeCertificate writes own over transport and reads back the
// peer's certificate, running the write concurrently with the read so
// neither side can deadlock waiting on the other to go first.
func exchangeCertificate(transport session.Transport, own *pki.Certificate) (*pki.Certificate, error) {
	writer := codec.NewObjectWriter(transport)
	reader := codec.NewObjectReader(transport)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writer.WriteObject(certMessage{Certificate: own.Raw()})
	}()

	var msg certMessage
	readErr := reader.ReadObject(&msg)
	if err := <-writeErr; err != nil {
		return nil, trace.Wrap(err, "sending join certificate")
	}
	if readErr != nil {
		return nil, trace.Wrap(readErr, "receiving join certificate")
	}

	peerCert, err := pki.ParseCertificate(msg.Certificate)
	if err != nil {
		return nil, trace.Wrap(err, "parsing peer join certificate")
	}
	return peerCert, nil
}

// pinnedTLSConfig builds a mutual-auth TLS config trusting only
// peerCert — no certificate authority is consulted, since neither side
// has one for the other yet.
func pinnedTLSConfig(credential *pki.Credential, peerCert *pki.Certificate, asServer bool) *tls.Config {
	adapter := verify.NewTLSConfig(verify.Exact(peerCert))
	cfg := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{credential.Certificate.Raw()},
			PrivateKey:  credential.Keys.Signer(),
		}},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: adapter.VerifyPeerCertificate,
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{"svalin-join/1"},
	}
	if asServer {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg
}

// ephemeralIdentity mints a throwaway self-signed root-typed credential
// over a fresh keypair, the same pattern firstinit uses to give a
// brand new peer a TLS identity before any certificate authority
// recognizes it. The agent side reuses these same keys for its real,
// eventually-issued Agent certificate; only the wrapping self-signed
// certificate is thrown away.
func ephemeralIdentity() (*pki.Credential, error) {
	keys, err := pki.GenerateKeyPair()
	if err != nil {
		return nil, trace.Wrap(err, "generating ephemeral join keypair")
	}
	now := time.Now()
	cert, err := pki.BuildRootCertificate(keys, now.Add(-time.Minute), now.Add(ephemeralValidity))
	if err != nil {
		return nil, trace.Wrap(err, "building ephemeral join certificate")
	}
	credential, err := pki.NewCredential(cert, keys)
	if err != nil {
		return nil, trace.Wrap(err, "pairing ephemeral join credential")
	}
	return credential, nil
}

// AgentJoin is the agent side of a join in progress, from the moment
// its inner TLS handshake with the operator completes up to the human
// confirmation step.
type AgentJoin struct {
	conn             *tls.Conn
	reader           *codec.ObjectReader
	writer           *codec.ObjectWriter
	confirmationCode string
	keys             *pki.KeyPair
}

// ConfirmationCode is the short digit string to display and compare
// against the operator's.
func (j *AgentJoin) ConfirmationCode() string { return j.confirmationCode }

// Confirm blocks until the operator submits its signed Agent
// certificate for this agent's public key (or deadline passes), then
// returns the credential the agent should persist as its permanent
// identity, along with the deployment root it chains to.
func (j *AgentJoin) Confirm(deadline time.Time) (*pki.Credential, *pki.Certificate, error) {
	j.conn.SetReadDeadline(deadline)
	defer j.conn.SetReadDeadline(time.Time{})

	var msg agentCertMessage
	if err := j.reader.ReadObject(&msg); err != nil {
		return nil, nil, trace.Wrap(err, "waiting for signed agent certificate")
	}

	cert, err := pki.ParseCertificate(msg.Certificate)
	if err != nil {
		j.writer.WriteObject(ackMessage{OK: false, Message: err.Error()})
		return nil, nil, trace.Wrap(err, "parsing signed agent certificate")
	}
	if !cert.PublicKey().Equal(j.keys.Public) {
		j.writer.WriteObject(ackMessage{OK: false, Message: "certificate does not match this agent's key"})
		return nil, nil, trace.BadParameter("operator signed a certificate for the wrong public key")
	}

	root, err := pki.ParseCertificate(msg.Root)
	if err != nil {
		j.writer.WriteObject(ackMessage{OK: false, Message: err.Error()})
		return nil, nil, trace.Wrap(err, "parsing deployment root certificate")
	}
	if err := cert.VerifySignature(root.PublicKey()); err != nil {
		j.writer.WriteObject(ackMessage{OK: false, Message: "agent certificate is not signed by the supplied root"})
		return nil, nil, trace.Wrap(err, "verifying agent certificate against deployment root")
	}

	credential, err := pki.NewCredential(cert, j.keys)
	if err != nil {
		j.writer.WriteObject(ackMessage{OK: false, Message: err.Error()})
		return nil, nil, trace.Wrap(err, "pairing signed agent certificate with this agent's key")
	}

	if err := j.writer.WriteObject(ackMessage{OK: true}); err != nil {
		return nil, nil, trace.Wrap(err, "acknowledging signed agent certificate")
	}
	return credential, root, nil
}

// Cancel abandons the join, closing the inner connection.
func (j *AgentJoin) Cancel() error {
	return trace.Wrap(j.conn.Close())
}

// ClientJoin is the operator side of a join in progress.
type ClientJoin struct {
	conn             *tls.Conn
	reader           *codec.ObjectReader
	writer           *codec.ObjectWriter
	confirmationCode string
	hostname         string
	agentCert        *pki.Certificate
}

// ConfirmationCode is the short digit string to display and compare
// against the agent's.
func (j *ClientJoin) ConfirmationCode() string { return j.confirmationCode }

// Hostname is the label the agent reported for itself.
func (j *ClientJoin) Hostname() string { return j.hostname }

// AgentCertValidity is how long the permanent Agent certificate a
// confirmed join mints is valid for.
const AgentCertValidity = 5 * 365 * 24 * time.Hour

// Confirm signs a permanent Agent certificate for the agent's public
// key under credential, hands it and root to the agent over the inner
// connection, and — once acknowledged — submits it to the server via
// submit. Returns the SignedObject now stored on the server, for local
// display.
func (j *ClientJoin) Confirm(root *pki.Certificate, credential *pki.Credential, submit func(agent *pki.SignedObject) error) (*pki.SignedObject, error) {
	now := time.Now()
	cert, err := pki.BuildCertificate(j.agentCert.PublicKey(), credential, pki.CertTypeAgent, now.Add(-time.Minute), now.Add(AgentCertValidity), nil)
	if err != nil {
		return nil, trace.Wrap(err, "signing agent certificate")
	}

	if err := j.writer.WriteObject(agentCertMessage{Certificate: cert.Raw(), Root: root.Raw()}); err != nil {
		return nil, trace.Wrap(err, "sending signed agent certificate")
	}

	var ack ackMessage
	if err := j.reader.ReadObject(&ack); err != nil {
		return nil, trace.Wrap(err, "waiting for agent acknowledgement")
	}
	if !ack.OK {
		return nil, trace.BadParameter("agent rejected signed certificate: %s", ack.Message)
	}

	signed, err := pki.Sign(store.PublicAgentData{Certificate: cert.Raw(), Hostname: j.hostname}, credential)
	if err != nil {
		return nil, trace.Wrap(err, "signing public agent record")
	}
	if err := submit(signed); err != nil {
		return nil, trace.Wrap(err, "submitting agent record to server")
	}
	return signed, nil
}

// Cancel abandons the join, closing the inner connection.
func (j *ClientJoin) Cancel() error {
	return trace.Wrap(j.conn.Close())
}
