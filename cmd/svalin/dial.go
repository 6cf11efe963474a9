package main

import (
	"context"
	"crypto/tls"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"

	"github.com/svalinhq/svalin/lib/defaults"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/connection"
)

// dialBootstrap opens a connection.Direct to addr. Every subcommand in
// this binary dials without verifying the server's presented leaf:
// svalin never relies on the ambient CA system a generic TLS client
// would trust, and trust is instead established at the application
// layer by the protocol each subcommand runs next — first_init signs
// the server's own CSR back over the encrypted channel, join-by-code
// pins an exchanged ephemeral certificate, and an already-joined
// client or agent authenticates itself to the server via credential
// (verified server-side against the deployment's root and its
// agent/session/user stores) rather than authenticating the server in
// return. credential may be nil for a fully anonymous dial.
func dialBootstrap(ctx context.Context, addr string, credential *pki.Credential) (*connection.Direct, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{defaults.ALPNProtocol},
	}
	if credential != nil {
		cfg.Certificates = []tls.Certificate{{
			Certificate: [][]byte{credential.Certificate.Raw()},
			PrivateKey:  credential.Keys.Signer(),
		}}
	}
	return dial(ctx, addr, cfg)
}

func dial(ctx context.Context, addr string, cfg *tls.Config) (*connection.Direct, error) {
	quicConn, err := quic.DialAddr(ctx, addr, cfg, nil)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing %s", addr)
	}
	direct, err := connection.NewDirect(quicConn)
	if err != nil {
		quicConn.CloseWithError(0, "handshake rejected")
		return nil, trace.Wrap(err, "wrapping dialed connection")
	}
	return direct, nil
}
