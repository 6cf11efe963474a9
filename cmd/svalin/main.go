// Command svalin is the single host binary for svalin's server, agent,
// and client roles, mirroring the teacher's single-binary-with-subcommands
// CLI idiom (tool/teleport) rather than one binary per role.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Exit codes, per spec.md section 6.
const (
	exitClean        = 0
	exitConfigError  = 1
	exitNetworkError = 2
	exitStorageError = 3
)

// dataDirEnvar and logEnvar are the environment overrides spec.md
// section 6 names.
const (
	dataDirEnvar = "SVALIN_DATA_DIR"
	logEnvar     = "SVALIN_LOG"
)

const defaultDataDir = "./data"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("svalin", "Remote device management over a QUIC-based RPC fabric.")

	var dataDir string
	var logLevel string
	app.Flag("data-dir", fmt.Sprintf("Local data directory. Overridden by %s.", dataDirEnvar)).
		Envar(dataDirEnvar).
		Default(defaultDataDir).
		StringVar(&dataDir)
	app.Flag("log", fmt.Sprintf("Log level (panic, fatal, error, warn, info, debug, trace). Overridden by %s.", logEnvar)).
		Envar(logEnvar).
		Default("info").
		StringVar(&logLevel)

	serverCmd := app.Command("server", "Run the control-plane server.")
	var serverAddr string
	serverCmd.Flag("addr", "Address to bind the QUIC listener on.").Default(":1234").StringVar(&serverAddr)

	agentCmd := app.Command("agent", "Run the managed-device agent.")
	agentRunCmd := agentCmd.Command("run", "Connect to the server and serve forwarded commands.")
	var agentServerAddr string
	agentRunCmd.Flag("server", "Address of the server to connect to.").Required().StringVar(&agentServerAddr)
	agentJoinCmd := agentCmd.Command("join", "Join a deployment using a one-time code.")
	var joinServerAddr, joinCode, joinHostname string
	agentJoinCmd.Flag("server", "Address of the server to connect to.").Required().StringVar(&joinServerAddr)
	agentJoinCmd.Flag("code", "One-time join code displayed by the operator.").Required().StringVar(&joinCode)
	agentJoinCmd.Flag("hostname", "Hostname to report to the operator.").StringVar(&joinHostname)

	clientCmd := app.Command("client", "Operator-facing commands.")
	var clientServerAddr string
	clientStatusCmd := clientCmd.Command("status", "Query the server's public status.")
	clientStatusCmd.Flag("server", "Address of the server to query.").Required().StringVar(&clientServerAddr)
	clientInitCmd := clientCmd.Command("init", "Run first-init against a brand new deployment.")
	clientInitCmd.Flag("server", "Address of the server to initialize.").Required().StringVar(&clientServerAddr)
	clientPingCmd := clientCmd.Command("ping", "Round-trip a ping against the server.")
	clientPingCmd.Flag("server", "Address of the server to ping.").Required().StringVar(&clientServerAddr)
	clientAddAgentCmd := clientCmd.Command("add-agent", "Confirm a pending agent join by code.")
	var addAgentCode string
	clientAddAgentCmd.Flag("server", "Address of the server to confirm against.").Required().StringVar(&clientServerAddr)
	clientAddAgentCmd.Flag("code", "The join code the agent displayed.").Required().StringVar(&addAgentCode)

	selected, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.Wrap(err, "parsing log level %q", logLevel))
		return exitConfigError
	}
	log.SetLevel(level)

	ctx, cancel := signalContext()
	defer cancel()

	switch selected {
	case serverCmd.FullCommand():
		return runServer(ctx, filepath.Clean(dataDir), serverAddr)
	case agentRunCmd.FullCommand():
		return runAgent(ctx, filepath.Clean(dataDir), agentServerAddr)
	case agentJoinCmd.FullCommand():
		return runAgentJoin(ctx, filepath.Clean(dataDir), joinServerAddr, joinCode, joinHostname)
	case clientStatusCmd.FullCommand():
		return runClientStatus(ctx, clientServerAddr)
	case clientInitCmd.FullCommand():
		return runClientInit(ctx, filepath.Clean(dataDir), clientServerAddr)
	case clientPingCmd.FullCommand():
		return runClientPing(ctx, clientServerAddr)
	case clientAddAgentCmd.FullCommand():
		return runClientAddAgent(ctx, filepath.Clean(dataDir), clientServerAddr, addAgentCode)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", selected)
		return exitConfigError
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, for a
// clean shutdown path (exit code 0) rather than an abrupt kill.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
