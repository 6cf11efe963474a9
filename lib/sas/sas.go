// Package sas derives the short authentication string both sides of a
// join handshake display to a human for manual confirmation, from the
// already-established TLS session's exporter secret — neither side
// needs to exchange anything further to agree on the same digits.
package sas

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/hkdf"
)

const exportLabel = "svalin-join-confirmation"

// Digits is the number of digits in a derived confirmation code.
const Digits = 6

// Code derives a Digits-digit confirmation code from state's TLS
// exporter secret (RFC 5705) via HKDF-SHA256. Both peers of the same
// handshake compute an identical value without further communication;
// an active attacker mounting a different handshake on either leg
// would derive a different one, which is exactly what the human
// comparison step is meant to catch.
func Code(state tls.ConnectionState) (string, error) {
	secret, err := state.ExportKeyingMaterial(exportLabel, nil, 32)
	if err != nil {
		return "", trace.Wrap(err, "exporting keying material for confirmation code")
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte("svalin-join-sas"))
	out := make([]byte, 4)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return "", trace.Wrap(err, "deriving confirmation code")
	}

	modulus := uint32(1)
	for i := 0; i < Digits; i++ {
		modulus *= 10
	}
	value := binary.BigEndian.Uint32(out) % modulus
	return fmt.Sprintf("%0*d", Digits, value), nil
}
