package common

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signature schemes accepted at the cryptographic primitive boundary.
// The state layer never implements the math itself; it dispatches to the
// collaborator libraries and treats them as input bytes -> accept/reject.
const (
	SchemeEd25519   uint8 = 0
	SchemeSecp256k1 uint8 = 1
)

// AddressLength is the byte length of an account address derived from a
// public key (first 20 bytes of the key's BLAKE2b hash).
const AddressLength = 20

// PubKeyToAddress derives the canonical account address string for a public
// key. The address is the lowercase hex of the first 20 bytes of
// blake2b(scheme byte || pubkey), so the two schemes can never collide.
func PubKeyToAddress(scheme uint8, pubkey []byte) string {
	h := ComputeHash(append([]byte{scheme}, pubkey...))
	return fmt.Sprintf("%x", h[:AddressLength])
}

// VerifySignature verifies sig over msg under the given scheme and public
// key. The message is hashed with BLAKE2b before verification for the
// secp256k1 scheme; ed25519 signs the raw message.
func VerifySignature(scheme uint8, pubkey, msg, sig []byte) bool {
	switch scheme {
	case SchemeEd25519:
		if len(pubkey) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pubkey), msg, sig)
	case SchemeSecp256k1:
		// 64-byte (r||s) signature over the blake2b digest, uncompressed or
		// compressed 33/65-byte public key as go-ethereum expects.
		if len(sig) != 64 {
			return false
		}
		digest := ComputeHash(msg)
		return crypto.VerifySignature(pubkey, digest, sig)
	default:
		return false
	}
}
