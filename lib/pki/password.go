package pki

import (
	"crypto/rand"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/svalinhq/svalin/lib/defaults"
)

// Argon2Params are the cost parameters used to derive a key from a
// password, stored alongside every encrypted blob so verifiers can
// reproduce the derivation even if the defaults change later.
type Argon2Params struct {
	Salt    []byte
	Time    uint32
	Memory  uint32
	Threads uint8
}

// NewArgon2Params generates fresh parameters with a random salt and
// svalin's current default cost.
func NewArgon2Params() (*Argon2Params, error) {
	salt := make([]byte, defaults.ArgonSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, trace.Wrap(err, "generating argon2 salt")
	}
	return &Argon2Params{
		Salt:    salt,
		Time:    defaults.Argon2Params.Time,
		Memory:  defaults.Argon2Params.Memory,
		Threads: defaults.Argon2Params.Threads,
	}, nil
}

// DeriveKey runs Argon2id over password with these parameters,
// producing an AEAD-sized key.
func (p *Argon2Params) DeriveKey(password []byte) []byte {
	return argon2.IDKey(password, p.Salt, p.Time, p.Memory, p.Threads, defaults.AEADKeySize)
}

// EncryptedBlob is a password-encrypted payload: the Argon2 parameters
// used to derive the key, the AEAD nonce, and the ciphertext.
type EncryptedBlob struct {
	Params     Argon2Params
	Nonce      []byte
	Ciphertext []byte
}

// EncryptWithPassword derives a key from password via fresh Argon2id
// parameters and seals plaintext with XChaCha20-Poly1305.
func EncryptWithPassword(password, plaintext []byte) (*EncryptedBlob, error) {
	params, err := NewArgon2Params()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return encryptWithParams(params, password, plaintext)
}

func encryptWithParams(params *Argon2Params, password, plaintext []byte) (*EncryptedBlob, error) {
	key := params.DeriveKey(password)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, trace.Wrap(err, "constructing aead")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return &EncryptedBlob{Params: *params, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt derives the key from password using the blob's own stored
// parameters and opens the ciphertext.
func (b *EncryptedBlob) Decrypt(password []byte) ([]byte, error) {
	key := b.Params.DeriveKey(password)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, trace.Wrap(err, "constructing aead")
	}
	plaintext, err := aead.Open(nil, b.Nonce, b.Ciphertext, nil)
	if err != nil {
		return nil, trace.AccessDenied("decrypting blob: wrong password or corrupted data")
	}
	return plaintext, nil
}

// Marshal encodes the blob for storage.
func (b *EncryptedBlob) Marshal() ([]byte, error) {
	out, err := cbor.Marshal(b)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling encrypted blob")
	}
	return out, nil
}

// ParseEncryptedBlob decodes a blob produced by Marshal.
func ParseEncryptedBlob(raw []byte) (*EncryptedBlob, error) {
	var blob EncryptedBlob
	if err := cbor.Unmarshal(raw, &blob); err != nil {
		return nil, trace.BadParameter("decoding encrypted blob: %v", err)
	}
	return &blob, nil
}

// DoubleHash implements the server-side "double hash" password check:
// the client never sends its plaintext password, only
// Argon2(password, client_params); the server re-hashes that value
// under its own freshly generated parameters before storing it, so a
// leaked server-side record cannot be used directly against the client
// protocol.
type DoubleHash struct {
	ServerParams Argon2Params
	Hash         []byte
}

// ComputeDoubleHash derives the server-stored double hash from the
// client's already-hashed password value.
func ComputeDoubleHash(clientHash []byte) (*DoubleHash, error) {
	params, err := NewArgon2Params()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &DoubleHash{ServerParams: *params, Hash: params.DeriveKey(clientHash)}, nil
}

// Check reports whether candidateClientHash reproduces this double
// hash under the stored server parameters.
func (d *DoubleHash) Check(candidateClientHash []byte) bool {
	candidate := d.ServerParams.DeriveKey(candidateClientHash)
	if len(candidate) != len(d.Hash) {
		return false
	}
	var diff byte
	for i := range candidate {
		diff |= candidate[i] ^ d.Hash[i]
	}
	return diff == 0
}
