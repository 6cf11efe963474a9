package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/svalinhq/svalin/commands/joinagent"
	"github.com/svalinhq/svalin/commands/realtimestatus"
	"github.com/svalinhq/svalin/commands/tunnel"
	"github.com/svalinhq/svalin/lib/agent"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/connection"
)

// statusInterval is how often an agent's realtime_status source ticks
// a fresh frame to its subscribers.
const statusInterval = 5 * time.Second

// agentIdentityFile is the name, within an agent's data directory, of
// its permanent post-join identity: the agent's own credential signed
// by the deployment root, and the root itself.
const agentIdentityFile = "agent_identity.cbor"

// dialBackend opens the non-caller side of a tunnel splice. It serves
// tcp_forward by dialing Request.Target directly; remote_terminal, a
// PTY-backed shell, is OS-level plumbing this binary does not
// implement, so it falls through to NotImplementedBackend.
type dialBackend struct{}

func (dialBackend) Open(ctx context.Context, req tunnel.Request) (io.ReadWriteCloser, error) {
	if req.Target == "" {
		return tunnel.NotImplementedBackend{}.Open(ctx, req)
	}
	dialer := net.Dialer{}
	return dialer.DialContext(ctx, "tcp", req.Target)
}

// statusSnapshot reports the frame an agent's realtime_status
// subscribers receive: presently just a fixed marker, since collecting
// real host metrics is OS-level plumbing out of this binary's scope,
// matching dialBackend's treatment of remote_terminal.
func statusSnapshot() []byte {
	return []byte("alive")
}

// runAgent connects to addr using the agent's persisted post-join
// identity and serves forwarded commands until ctx is cancelled.
func runAgent(ctx context.Context, dataDir, addr string) int {
	path := filepath.Join(dataDir, agentIdentityFile)
	root, credential, err := loadRootAndCredential(path)
	if err != nil {
		fmt.Println(trace.Wrap(err, "loading agent identity from %s; run \"agent join\" first", path))
		return exitStorageError
	}

	conn, err := dialBootstrap(ctx, addr, credential)
	if err != nil {
		fmt.Println(trace.Wrap(err, "connecting to %s", addr))
		return exitNetworkError
	}
	defer conn.Close()

	serverFingerprint, err := serverFingerprintFor(conn)
	if err != nil {
		fmt.Println(trace.Wrap(err, "identifying server"))
		return exitNetworkError
	}

	source := realtimestatus.NewTickerSource(clockwork.NewRealClock(), statusInterval, statusSnapshot)
	ag := agent.New(credential, root, serverFingerprint, dialBackend{}, source)

	fmt.Println("agent connected, serving forwarded commands")
	if err := ag.Serve(ctx, conn); err != nil {
		fmt.Println(trace.Wrap(err, "serving"))
		return exitNetworkError
	}
	return exitClean
}

// serverFingerprintFor returns the fingerprint of the peer identity
// conn has already authenticated during its TLS handshake: the
// deployment server, since this is the agent's own Direct connection
// to it.
func serverFingerprintFor(conn *connection.Direct) (pki.Fingerprint, error) {
	peer := conn.Peer()
	if peer.Anonymous || peer.Certificate == nil {
		return pki.Fingerprint{}, trace.BadParameter("server did not present a certificate")
	}
	return peer.Certificate.Fingerprint(), nil
}

// runAgentJoin runs the agent side of join-by-code against addr,
// waits for the operator to confirm, and persists the resulting
// permanent identity to dataDir.
func runAgentJoin(ctx context.Context, dataDir, addr, code, hostname string) int {
	conn, err := dialBootstrap(ctx, addr, nil)
	if err != nil {
		fmt.Println(trace.Wrap(err, "connecting to %s", addr))
		return exitNetworkError
	}
	defer conn.Close()

	join, err := joinagent.DispatchAgentJoin(ctx, conn, code, hostname)
	if err != nil {
		fmt.Println(trace.Wrap(err, "starting join"))
		return exitNetworkError
	}

	fmt.Printf("confirmation code: %s\n", join.ConfirmationCode())
	fmt.Println("waiting for operator to confirm...")

	credential, root, err := join.Confirm(joinagent.ConfirmDeadline())
	if err != nil {
		join.Cancel()
		fmt.Println(trace.Wrap(err, "confirming join"))
		return exitNetworkError
	}

	path := filepath.Join(dataDir, agentIdentityFile)
	if err := saveCredential(path, root, credential); err != nil {
		fmt.Println(trace.Wrap(err, "persisting agent identity"))
		return exitStorageError
	}

	fmt.Printf("joined deployment, agent fingerprint %x\n", credential.Certificate.Fingerprint())
	return exitClean
}
