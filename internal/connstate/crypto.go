package connstate

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// decryptFCMPayload reverses the client's AES-256-GCM envelope
// (base64(nonce || ciphertext)) using the session's secretKey as the raw
// AES key. The algorithm is part of the client contract (spec §4.5); the
// broker only needs to agree on a concrete scheme to extract the device
// token fields, so AES-GCM is chosen here since it is what the session
// secretKey (32 random bytes) is already sized for.
func decryptFCMPayload(secretKeyHex, encryptedDataB64 string) ([]byte, error) {
	key, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding secret key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encryptedDataB64)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("envelope shorter than nonce size")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
