package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/quic-go/quic-go"

	"github.com/svalinhq/svalin/lib/server"
)

// transportIdentityFile is the name, within a server's data directory,
// of the self-signed leaf the QUIC listener presents. It is unrelated
// to the deployment's root of trust, which lib/server itself persists
// once first_init runs.
const transportIdentityFile = "transport_identity.cbor"

// shutdownTimeout bounds how long runServer waits for Serve's in-flight
// tasks to drain once ctx is cancelled, before giving up and returning
// anyway. This is the caller-supplied deadline spec.md §5 asks for;
// server.Shutdown's own defaults.ShutdownGrace only covers closing the
// listener itself, a narrower step nested inside this window.
const shutdownTimeout = 30 * time.Second

// runServer starts the control-plane server, binding addr and serving
// until ctx is cancelled, then runs a bounded graceful shutdown before
// returning.
func runServer(ctx context.Context, dataDir, addr string) int {
	transport, err := loadOrCreateTransportIdentity(filepath.Join(dataDir, transportIdentityFile))
	if err != nil {
		fmt.Println(trace.Wrap(err, "loading transport identity"))
		return exitStorageError
	}

	srv := server.New(clockwork.NewRealClock())

	tlsCfg, err := srv.TLSConfig(transport)
	if err != nil {
		fmt.Println(trace.Wrap(err, "building server tls config"))
		return exitConfigError
	}

	quicListener, err := quic.ListenAddr(addr, tlsCfg, nil)
	if err != nil {
		fmt.Println(trace.Wrap(err, "binding quic listener on %s", addr))
		return exitNetworkError
	}
	listener := server.NewQUICListener(quicListener)

	fmt.Printf("svalin server listening on %s\n", listener.Addr())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, listener) }()

	select {
	case err := <-serveErr:
		listener.Close()
		if err != nil {
			fmt.Println(trace.Wrap(err, "serving"))
			return exitNetworkError
		}
		return exitClean
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Println(trace.Wrap(err, "shutting down"))
	}
	<-serveErr
	return exitClean
}
