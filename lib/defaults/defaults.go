// Package defaults centralizes the constants used across svalin so they
// are changed in exactly one place.
package defaults

import "time"

const (
	// ALPNProtocol is the QUIC ALPN identifier negotiated on every
	// connection.
	ALPNProtocol = "svalin/1"

	// ServerPort is the default UDP port the server listens on.
	ServerPort = 1234

	// MaxFrameLength is the largest chunk the object transport will
	// write or accept, matching the 31-bit length field.
	MaxFrameLength = 1<<31 - 1

	// ShortLengthCutoff is the boundary between the 1-byte and 4-byte
	// frame length prefix.
	ShortLengthCutoff = 128

	// JoinCodeTTL is how long an agent's join code stays valid while
	// waiting for a client to claim it.
	JoinCodeTTL = 120 * time.Second

	// ConfirmationTTL is how long the human confirmation step (SAS
	// comparison) is allowed to take before the join is abandoned.
	ConfirmationTTL = 60 * time.Second

	// JoinCodeLength is the number of characters in a generated join
	// code.
	JoinCodeLength = 6

	// ConfirmationDigits is the number of digits in the displayed SAS.
	ConfirmationDigits = 6

	// BroadcastChannelCapacity bounds the agent-update and realtime
	// broadcast channels; slow subscribers lag rather than block
	// publishers.
	BroadcastChannelCapacity = 10

	// ArgonSaltSize is the size in bytes of the random Argon2id salt
	// stored alongside every encrypted credential blob.
	ArgonSaltSize = 16

	// AEADKeySize is the derived key size for XChaCha20-Poly1305.
	AEADKeySize = 32

	// FingerprintSize is the size in bytes of a certificate fingerprint
	// (SHA-256 of the SPKI).
	FingerprintSize = 32

	// SignatureSize is the size in bytes of an Ed25519 signature.
	SignatureSize = 64

	// HandshakeTimeout bounds the TLS-over-session upgrade used by
	// forwarded end-to-end sessions.
	HandshakeTimeout = 10 * time.Second

	// ShutdownGrace bounds how long Shutdown waits for the QUIC
	// listener to finish closing before it stops waiting on it and
	// moves on to joining the task tracker.
	ShutdownGrace = 10 * time.Second

	// MaxHandlerTasks bounds the number of session handlers a Server
	// runs concurrently across all connections. A connection's own
	// incoming-stream acceptor is unbounded; only the handler task set
	// it feeds is capped, per spec.md §5.
	MaxHandlerTasks = 4096
)

// Argon2Params are the default cost parameters for deriving a key from a
// user password. They are stored alongside every encrypted blob so they
// can be tuned later without breaking existing blobs.
var Argon2Params = struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
}
