package joinagent

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/commands/addagent"
	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/defaults"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/sas"
)

// DispatchAgentJoin runs the agent side of the whole join-by-code flow
// up through the inner TLS handshake: it parks the agent's connection
// under code, waits for an operator to claim it, exchanges ephemeral
// certificates over the splice, and completes a mutually pinned TLS
// handshake. It returns once the confirmation code is ready to
// display; the caller drives the rest via the returned AgentJoin.
func DispatchAgentJoin(ctx context.Context, opener command.SessionOpener, code, hostname string) (*AgentJoin, error) {
	transport, err := dispatchJoinRequest(ctx, opener, code)
	if err != nil {
		return nil, err
	}

	credential, err := ephemeralIdentity()
	if err != nil {
		transport.Close()
		return nil, err
	}

	peerCert, err := exchangeCertificate(transport, credential.Certificate)
	if err != nil {
		transport.Close()
		return nil, trace.Wrap(err, "exchanging join certificates")
	}

	cfg := pinnedTLSConfig(credential, peerCert, true)
	tlsConn := tls.Server(session.AsNetConn(transport), cfg)

	hctx, cancel := context.WithTimeout(ctx, defaults.ConfirmationTTL)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		transport.Close()
		return nil, trace.Wrap(err, "agent join TLS handshake")
	}

	code6, err := sas.Code(tlsConn.ConnectionState())
	if err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(err, "deriving join confirmation code")
	}

	writer := codec.NewObjectWriter(tlsConn)
	reader := codec.NewObjectReader(tlsConn)
	if err := writer.WriteObject(hostnameMessage{Hostname: hostname}); err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(err, "sending agent hostname")
	}

	return &AgentJoin{
		conn:             tlsConn,
		reader:           reader,
		writer:           writer,
		confirmationCode: code6,
		keys:             credential.Keys,
	}, nil
}

// DispatchClientJoin runs the operator side: it claims code from the
// server, exchanges ephemeral certificates over the resulting splice,
// and completes the inner TLS handshake. It returns once the
// confirmation code and the agent's reported hostname are available
// for display; the caller drives the rest via the returned ClientJoin.
func DispatchClientJoin(ctx context.Context, opener command.SessionOpener, code string) (*ClientJoin, error) {
	transport, err := dispatchAcceptJoin(ctx, opener, code)
	if err != nil {
		return nil, err
	}

	credential, err := ephemeralIdentity()
	if err != nil {
		transport.Close()
		return nil, err
	}

	peerCert, err := exchangeCertificate(transport, credential.Certificate)
	if err != nil {
		transport.Close()
		return nil, trace.Wrap(err, "exchanging join certificates")
	}

	cfg := pinnedTLSConfig(credential, peerCert, false)
	tlsConn := tls.Client(session.AsNetConn(transport), cfg)

	hctx, cancel := context.WithTimeout(ctx, defaults.ConfirmationTTL)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		transport.Close()
		return nil, trace.Wrap(err, "operator join TLS handshake")
	}

	confirmationCode, err := sas.Code(tlsConn.ConnectionState())
	if err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(err, "deriving join confirmation code")
	}

	writer := codec.NewObjectWriter(tlsConn)
	reader := codec.NewObjectReader(tlsConn)
	var hostMsg hostnameMessage
	if err := reader.ReadObject(&hostMsg); err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(err, "receiving agent hostname")
	}

	return &ClientJoin{
		conn:             tlsConn,
		reader:           reader,
		writer:           writer,
		confirmationCode: confirmationCode,
		hostname:         hostMsg.Hostname,
		agentCert:        peerCert,
	}, nil
}

// SubmitFunc builds the submit callback ClientJoin.Confirm needs,
// dispatching add_agent over serverOpener (the operator's own
// already-authenticated connection to the server, distinct from the
// splice the join itself ran over).
func SubmitFunc(ctx context.Context, serverOpener command.SessionOpener) func(*pki.SignedObject) error {
	return func(agent *pki.SignedObject) error {
		return addagent.Dispatch(ctx, serverOpener, agent)
	}
}

// ConfirmDeadline is a convenience for building the deadline AgentJoin.Confirm expects.
func ConfirmDeadline() time.Time {
	return time.Now().Add(defaults.ConfirmationTTL)
}
