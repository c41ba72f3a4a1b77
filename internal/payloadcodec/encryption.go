package payloadcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// aesGCMEncryptor implements AES-256-GCM. AEAD's tag is produced by
// sealing it onto the ciphertext; we split it back off so BlockFile's
// extended header can carry auth_tag and ciphertext separately, matching
// spec.md §6's layout.
type aesGCMEncryptor struct{}

func (aesGCMEncryptor) nonceSize() int { return 12 }

func (aesGCMEncryptor) encrypt(plaintext, key, iv []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]
	return ciphertext, tag, nil
}

func (aesGCMEncryptor) decrypt(ciphertext, key, iv, authTag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), ciphertext...), authTag...)
	return gcm.Open(nil, iv, sealed, nil)
}

type chachaEncryptor struct{}

func (chachaEncryptor) nonceSize() int { return chacha20poly1305.NonceSize }

func (chachaEncryptor) encrypt(plaintext, key, iv []byte) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-aead.Overhead()]
	tag := sealed[len(sealed)-aead.Overhead():]
	return ciphertext, tag, nil
}

func (chachaEncryptor) decrypt(ciphertext, key, iv, authTag []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), ciphertext...), authTag...)
	return aead.Open(nil, iv, sealed, nil)
}

// aesCBCHMACEncryptor implements AES-256-CBC with HMAC-SHA256 in an
// encrypt-then-MAC construction (the auth_tag is the HMAC, not an AEAD
// tag proper, since CBC alone carries no authentication).
type aesCBCHMACEncryptor struct{}

func (aesCBCHMACEncryptor) nonceSize() int { return aes.BlockSize }

func (aesCBCHMACEncryptor) encrypt(plaintext, key, iv []byte) ([]byte, []byte, error) {
	if len(key) < 64 {
		return nil, nil, errors.New("aes-cbc-hmac requires a 64-byte key (32 encrypt + 32 mac)")
	}
	encKey, macKey := key[:32], key[32:64]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)
	return ciphertext, tag, nil
}

func (aesCBCHMACEncryptor) decrypt(ciphertext, key, iv, authTag []byte) ([]byte, error) {
	if len(key) < 64 {
		return nil, errors.New("aes-cbc-hmac requires a 64-byte key (32 encrypt + 32 mac)")
	}
	encKey, macKey := key[:32], key[32:64]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, authTag) {
		return nil, errors.New("hmac mismatch")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+padLen)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty buffer")
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > len(b) {
		return nil, errors.New("invalid padding")
	}
	return b[:len(b)-padLen], nil
}
