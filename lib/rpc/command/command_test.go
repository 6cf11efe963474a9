package command_test

import (
	"context"
	"net"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

type pingRequest struct {
	Nonce uint32 `cbor:"nonce"`
}

type pingResponse struct {
	Nonce uint32 `cbor:"nonce"`
}

type pingHandler struct {
	permission permission.Permission
}

func (h pingHandler) RequiredPermission(rawRequest []byte) permission.Permission {
	return h.permission
}

func (h pingHandler) Handle(ctx context.Context, s *session.Session, rawRequest []byte) error {
	var req pingRequest
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return err
	}
	return s.WriteObject(pingResponse{Nonce: req.Nonce})
}

type allowAllPermission struct{}

func (allowAllPermission) May(peer verify.Peer, p permission.Permission) error { return nil }

type denyAllPermission struct{}

func (denyAllPermission) May(peer verify.Peer, p permission.Permission) error {
	return trace.AccessDenied("denied")
}

func newPipe() (session.Transport, session.Transport) {
	a, b := net.Pipe()
	return a, b
}

type pipeOpener struct {
	s *session.Session
}

func (p pipeOpener) OpenSession(ctx context.Context) (*session.Session, error) {
	return p.s, nil
}

func TestAcceptRunsHandlerAndClosesStandardSession(t *testing.T) {
	clientConn, serverConn := newPipe()

	registry := command.NewRegistry()
	registry.Register("ping", pingHandler{permission: permission.ViewPublic})

	server := session.New(serverConn, verify.Peer{Anonymous: true})
	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- command.Accept(context.Background(), registry, allowAllPermission{}, server)
	}()

	client := session.New(clientConn, verify.Peer{Anonymous: true})
	dispatchErr := command.Dispatch(context.Background(), pipeOpener{client}, "ping", pingRequest{Nonce: 9}, func(ctx context.Context, s *session.Session) (bool, error) {
		var resp pingResponse
		if err := s.ReadObject(&resp); err != nil {
			return false, err
		}
		require.Equal(t, uint32(9), resp.Nonce)
		return false, nil
	})

	require.NoError(t, dispatchErr)
	require.NoError(t, <-acceptErr)
}

func TestAcceptUnknownCommand(t *testing.T) {
	clientConn, serverConn := newPipe()

	registry := command.NewRegistry()
	server := session.New(serverConn, verify.Peer{Anonymous: true})

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- command.Accept(context.Background(), registry, allowAllPermission{}, server)
	}()

	client := session.New(clientConn, verify.Peer{Anonymous: true})
	require.NoError(t, client.WriteEnvelope("nonexistent", pingRequest{}))
	status, err := client.ReadStatus()
	require.NoError(t, err)
	require.Equal(t, session.StatusUnknownCommand, status.Code)
	require.Error(t, <-acceptErr)
}

func TestAcceptPermissionDenied(t *testing.T) {
	clientConn, serverConn := newPipe()

	registry := command.NewRegistry()
	registry.Register("ping", pingHandler{permission: permission.RootOnly})

	server := session.New(serverConn, verify.Peer{Anonymous: true})
	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- command.Accept(context.Background(), registry, denyAllPermission{}, server)
	}()

	client := session.New(clientConn, verify.Peer{Anonymous: true})
	require.NoError(t, client.WriteEnvelope("ping", pingRequest{Nonce: 1}))
	status, err := client.ReadStatus()
	require.NoError(t, err)
	require.Equal(t, session.StatusPermissionDenied, status.Code)
	require.Error(t, <-acceptErr)
}

type takeableHandler struct{ ran chan struct{} }

func (h *takeableHandler) RequiredPermission(rawRequest []byte) permission.Permission {
	return permission.ViewPublic
}

func (h *takeableHandler) Handle(ctx context.Context, s *session.Session, rawRequest []byte) error {
	close(h.ran)
	// Takeable handlers own the session after this point; they are
	// responsible for eventually closing it themselves.
	return nil
}

func (h *takeableHandler) Takeable() {}

func TestAcceptDoesNotCloseTakeableSession(t *testing.T) {
	clientConn, serverConn := newPipe()

	handler := &takeableHandler{ran: make(chan struct{})}
	registry := command.NewRegistry()
	registry.Register("take", handler)

	server := session.New(serverConn, verify.Peer{Anonymous: true})
	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- command.Accept(context.Background(), registry, allowAllPermission{}, server)
	}()

	client := session.New(clientConn, verify.Peer{Anonymous: true})
	require.NoError(t, client.WriteEnvelope("take", pingRequest{}))
	<-handler.ran
	require.NoError(t, <-acceptErr)
	require.Equal(t, session.Open, server.State())
	server.Close()
}
