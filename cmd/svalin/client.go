package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/commands/firstinit"
	"github.com/svalinhq/svalin/commands/joinagent"
	"github.com/svalinhq/svalin/commands/ping"
	"github.com/svalinhq/svalin/commands/publicstatus"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/store"
)

// runClientStatus dials addr anonymously and prints public_status, the
// one piece of information svalin exposes to a peer with no
// credential at all.
func runClientStatus(ctx context.Context, addr string) int {
	conn, err := dialBootstrap(ctx, addr, nil)
	if err != nil {
		fmt.Println(trace.Wrap(err, "connecting to %s", addr))
		return exitNetworkError
	}
	defer conn.Close()

	status, err := publicstatus.Dispatch(ctx, conn)
	if err != nil {
		fmt.Println(trace.Wrap(err, "querying public status"))
		return exitNetworkError
	}
	fmt.Println(status)
	return exitClean
}

// runClientPing dials addr anonymously and round-trips a ping.
func runClientPing(ctx context.Context, addr string) int {
	conn, err := dialBootstrap(ctx, addr, nil)
	if err != nil {
		fmt.Println(trace.Wrap(err, "connecting to %s", addr))
		return exitNetworkError
	}
	defer conn.Close()

	const nonce uint64 = 0x5fa1104e
	echoed, err := ping.Dispatch(ctx, conn, nonce)
	if err != nil {
		fmt.Println(trace.Wrap(err, "pinging %s", addr))
		return exitNetworkError
	}
	if echoed != nonce {
		fmt.Println("server echoed an unexpected nonce")
		return exitNetworkError
	}
	fmt.Println("pong")
	return exitClean
}

// rootIdentityFile is the name, within a client's data directory, of
// the deployment's root certificate and the operator's own first-init
// credential, persisted once first-init completes.
const rootIdentityFile = "root_identity.cbor"

// runClientInit runs first-init against a brand new deployment at
// addr and persists the resulting root certificate locally.
func runClientInit(ctx context.Context, dataDir, addr string) int {
	conn, err := dialBootstrap(ctx, addr, nil)
	if err != nil {
		fmt.Println(trace.Wrap(err, "connecting to %s", addr))
		return exitNetworkError
	}
	defer conn.Close()

	rootKeys, err := pki.GenerateKeyPair()
	if err != nil {
		fmt.Println(trace.Wrap(err, "generating root keypair"))
		return exitConfigError
	}

	root, err := firstinit.Dispatch(ctx, conn, rootKeys)
	if err != nil {
		fmt.Println(trace.Wrap(err, "running first-init against %s", addr))
		return exitNetworkError
	}

	rootCredential, err := pki.NewCredential(root, rootKeys)
	if err != nil {
		fmt.Println(trace.Wrap(err, "pairing root credential"))
		return exitConfigError
	}

	path := filepath.Join(dataDir, rootIdentityFile)
	if err := saveCredential(path, root, rootCredential); err != nil {
		fmt.Println(trace.Wrap(err, "persisting deployment root"))
		return exitStorageError
	}

	fmt.Printf("deployment initialized, root fingerprint %x\n", root.Fingerprint())
	return exitClean
}

// runClientAddAgent confirms a pending agent join: it claims code,
// signs the agent its permanent certificate under the deployment root,
// and submits the result to the server via add_agent. Comparing the
// displayed confirmation digits against the agent's own printout is
// left to the operator running this command, since there is no
// interactive prompt here to drive that comparison.
func runClientAddAgent(ctx context.Context, dataDir, addr, code string) int {
	root, rootCredential, err := loadRootAndCredential(filepath.Join(dataDir, rootIdentityFile))
	if err != nil {
		fmt.Println(trace.Wrap(err, "loading deployment root; run \"client init\" first"))
		return exitStorageError
	}

	conn, err := dialBootstrap(ctx, addr, rootCredential)
	if err != nil {
		fmt.Println(trace.Wrap(err, "connecting to %s", addr))
		return exitNetworkError
	}
	defer conn.Close()

	join, err := joinagent.DispatchClientJoin(ctx, conn, code)
	if err != nil {
		fmt.Println(trace.Wrap(err, "claiming join code"))
		return exitNetworkError
	}

	fmt.Printf("agent %q confirmation code: %s\n", join.Hostname(), join.ConfirmationCode())

	signed, err := join.Confirm(root, rootCredential, joinagent.SubmitFunc(ctx, conn))
	if err != nil {
		join.Cancel()
		fmt.Println(trace.Wrap(err, "confirming join"))
		return exitNetworkError
	}

	var data store.PublicAgentData
	if err := signed.DecodeUnverified(&data); err != nil {
		fmt.Println(trace.Wrap(err, "decoding confirmed agent record"))
		return exitNetworkError
	}
	agentCert, err := pki.ParseCertificate(data.Certificate)
	if err != nil {
		fmt.Println(trace.Wrap(err, "parsing confirmed agent certificate"))
		return exitNetworkError
	}

	fmt.Printf("agent %q added, fingerprint %x\n", data.Hostname, agentCert.Fingerprint())
	return exitClean
}
