package keystore

import (
	"crypto/rand"

	"golang.org/x/crypto/scrypt"

	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// scrypt parameters matching go-ethereum's keystore defaults, per
// SPEC_FULL.md §5.3.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
	nonceLen     = 12
)

// PasswordUnwrapper implements Unwrapper for MethodPassword: a scrypt-
// derived key wraps/unwraps the master key with AES-256-GCM.
type PasswordUnwrapper struct{}

func (PasswordUnwrapper) deriveKey(passphrase, salt []byte) ([]byte, error) {
	return scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
}

func (p PasswordUnwrapper) Seal(masterKey, credential []byte) (KeyExchangeContent, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return KeyExchangeContent{}, emailerr.Wrap(emailerr.Internal, err, "generate salt")
	}
	unwrapKey, err := p.deriveKey(credential, salt)
	if err != nil {
		return KeyExchangeContent{}, emailerr.Wrap(emailerr.Internal, err, "derive unwrap key")
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return KeyExchangeContent{}, emailerr.Wrap(emailerr.Internal, err, "generate nonce")
	}
	sealed, err := aesGCMSeal(unwrapKey, nonce, masterKey)
	if err != nil {
		return KeyExchangeContent{}, emailerr.Wrap(emailerr.Internal, err, "seal master key")
	}
	return KeyExchangeContent{
		Method:          MethodPassword,
		Salt:            salt,
		SealedMasterKey: sealed,
		Nonce:           nonce,
		Active:          true,
	}, nil
}

func (p PasswordUnwrapper) Unwrap(kx KeyExchangeContent, credential []byte) ([]byte, error) {
	unwrapKey, err := p.deriveKey(credential, kx.Salt)
	if err != nil {
		return nil, emailerr.Wrap(emailerr.Internal, err, "derive unwrap key")
	}
	master, err := aesGCMOpen(unwrapKey, kx.Nonce, kx.SealedMasterKey)
	if err != nil {
		return nil, emailerr.Wrap(emailerr.BadCredential, err, "wrong passphrase or corrupted KeyExchange block")
	}
	return master, nil
}

// WebAuthn/PGP/PKCS11 have no Unwrapper and no entry in the unwrappers
// map: Bootstrap rejects them with NoUnlockMethods rather than failing at
// Unwrap time, and Unlock skips KeyExchange blocks that use them.
