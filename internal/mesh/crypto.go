package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"strings"

	apperrors "meshbridge/pkg/errors"
)

// PrepareKey decodes a channel key from its base64 form. Keys are commonly
// distributed url-safe and unpadded, so padding is restored and the url-safe
// alphabet mapped back before decoding. The decoded key must be a valid AES
// key length (16, 24 or 32 bytes).
func PrepareKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, apperrors.ErrConfig.WithMessage("encryption key is empty")
	}

	if m := len(encoded) % 4; m != 0 {
		encoded += strings.Repeat("=", 4-m)
	}
	encoded = strings.ReplaceAll(encoded, "-", "+")
	encoded = strings.ReplaceAll(encoded, "_", "/")

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.ErrConfig.WithMessage("encryption key is not valid base64").WithCause(err)
	}

	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, apperrors.ErrConfig.WithMessage("encryption key must decode to 16, 24 or 32 bytes")
	}
}

// Decrypt applies the channel cipher to a packet payload. The transform is
// AES-CTR with a counter block derived from the packet id and the sending
// node, so it is stateless and replayable; running it over ciphertext
// decrypts, running it over plaintext encrypts.
//
// It fails only on an invalid key length. Ciphertext content never errors:
// a wrong key simply yields garbage, which the decoder downstream rejects.
func Decrypt(key []byte, packetID uint64, fromNode uint32, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.ErrDecrypt.WithMessage("invalid key length %d", len(key)).WithCause(err)
	}

	nonce := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint64(nonce[0:8], packetID)
	binary.LittleEndian.PutUint64(nonce[8:16], uint64(fromNode))

	out := make([]byte, len(ciphertext))
	cipher.NewCTR(block, nonce).XORKeyStream(out, ciphertext)
	return out, nil
}
