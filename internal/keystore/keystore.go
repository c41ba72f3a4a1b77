// Package keystore implements spec.md §4.3: the in-band master key and
// per-purpose data key manager backed by KeyExchange and KeyManager
// blocks. Only the Password unlock method is implemented; WebAuthn, PGP,
// and PKCS#11 are modeled as Unwrapper slots left unfilled (see
// DESIGN.md).
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// Purpose is what a managed key is used for.
type Purpose string

const (
	PurposeDataEncryption  Purpose = "data_encryption"
	PurposeIndexEncryption Purpose = "index_encryption"
	PurposeBackup          Purpose = "backup"
)

// UnlockMethod identifies how the master key is sealed in a KeyExchange
// block. Only MethodPassword has a working Unwrapper.
type UnlockMethod string

const (
	MethodPassword UnlockMethod = "password"
	MethodWebAuthn UnlockMethod = "webauthn"
	MethodPGP      UnlockMethod = "pgp"
	MethodPKCS11   UnlockMethod = "pkcs11"
)

// KeyExchangeContent is the persisted shape of a KeyExchange block
// (spec.md §3).
type KeyExchangeContent struct {
	Method          UnlockMethod
	Salt            []byte // scrypt salt, Password method only
	SealedMasterKey []byte // AES-256-GCM(master_key) under the unwrap key
	Nonce           []byte
	Active          bool
}

// EncryptedKeyEntry is one managed key inside a KeyManager block.
type EncryptedKeyEntry struct {
	KeyID      string
	Purpose    Purpose
	Algorithm  uint8 // payloadcodec encryption id this key is sized for
	Sealed     []byte
	Nonce      []byte
	CreatedAt  int64
	RevokedAt  *int64
}

// KeyManagerContent is the persisted shape of a KeyManager block
// (spec.md §3).
type KeyManagerContent struct {
	Version        int
	PreviousBlockID *int64
	Salt            []byte
	Entries         []EncryptedKeyEntry
}

// Unwrapper recovers the master key from a KeyExchangeContent and a
// caller-supplied credential. Password is the only implementation;
// WebAuthn/PGP/PKCS11 have no entry in the unwrappers map, so Bootstrap
// rejects them with NoUnlockMethods and Unlock skips KeyExchange blocks
// that use them.
type Unwrapper interface {
	Unwrap(kx KeyExchangeContent, credential []byte) (masterKey []byte, err error)
	Seal(masterKey []byte, credential []byte) (kx KeyExchangeContent, err error)
}

// state is the Locked/Unlocked state machine spec.md §4.3 names.
type state int

const (
	stateLocked state = iota
	stateUnlocked
)

// Store is the KeyStore. It holds no BlockFile reference itself — callers
// persist/retrieve KeyExchange and KeyManager blocks via BlockStore and
// hand the decoded content to Store's methods, keeping this package free
// of on-disk framing concerns.
type Store struct {
	mu    sync.Mutex
	st    state
	clk   clock.Clock
	master []byte // zeroed on Lock

	unwrappers map[UnlockMethod]Unwrapper

	// keys is the flattened, decrypted view of the latest KeyManager
	// block's entries, rebuilt on Unlock and on every key mutation.
	keys map[string]decryptedKey
	head *int64 // latest KeyManager block id, once known
}

type decryptedKey struct {
	entry EncryptedKeyEntry
	bytes []byte
}

func New(clk clock.Clock) *Store {
	return &Store{
		st:  stateLocked,
		clk: clk,
		unwrappers: map[UnlockMethod]Unwrapper{
			MethodPassword: PasswordUnwrapper{},
		},
		keys: make(map[string]decryptedKey),
	}
}

// Bootstrap generates a random master key and seals it with method/credential,
// returning the KeyExchangeContent and an initial KeyManagerContent carrying
// one DataEncryption and one IndexEncryption key, both sealed with the new
// master key. Callers persist both as blocks (spec.md §4.3 Bootstrap).
func (s *Store) Bootstrap(method UnlockMethod, credential []byte, dataKeyAlgo, indexKeyAlgo uint8) (KeyExchangeContent, KeyManagerContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uw, ok := s.unwrappers[method]
	if !ok {
		return KeyExchangeContent{}, KeyManagerContent{}, emailerr.New(emailerr.NoUnlockMethods, "unsupported unlock method %q", method)
	}

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return KeyExchangeContent{}, KeyManagerContent{}, emailerr.Wrap(emailerr.Internal, err, "generate master key")
	}

	kx, err := uw.Seal(master, credential)
	if err != nil {
		return KeyExchangeContent{}, KeyManagerContent{}, err
	}
	kx.Method = method
	kx.Active = true

	dataKey, dataEntry, err := sealNewKey(master, "data-1", PurposeDataEncryption, dataKeyAlgo, s.clk)
	if err != nil {
		return KeyExchangeContent{}, KeyManagerContent{}, err
	}
	indexKey, indexEntry, err := sealNewKey(master, "index-1", PurposeIndexEncryption, indexKeyAlgo, s.clk)
	if err != nil {
		return KeyExchangeContent{}, KeyManagerContent{}, err
	}

	km := KeyManagerContent{
		Version: 1,
		Entries: []EncryptedKeyEntry{dataEntry, indexEntry},
	}

	s.master = master
	s.st = stateUnlocked
	s.keys["data-1"] = decryptedKey{entry: dataEntry, bytes: dataKey}
	s.keys["index-1"] = decryptedKey{entry: indexEntry, bytes: indexKey}

	return kx, km, nil
}

// Unlock tries each active KeyExchange block in kxs (in order) against
// credential, stopping at the first success. On success it replays km
// (the latest KeyManager block, already walked to a readable one by the
// caller per spec.md §4.3 Recovery) to populate the decrypted key cache.
func (s *Store) Unlock(kxs []KeyExchangeContent, credential []byte, km KeyManagerContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var master []byte
	var lastErr error
	found := false
	for _, kx := range kxs {
		if !kx.Active {
			continue
		}
		uw, ok := s.unwrappers[kx.Method]
		if !ok {
			continue
		}
		m, err := uw.Unwrap(kx, credential)
		if err != nil {
			lastErr = err
			continue
		}
		master = m
		found = true
		break
	}
	if !found {
		if lastErr != nil {
			return emailerr.Wrap(emailerr.BadCredential, lastErr, "no KeyExchange block accepted the credential")
		}
		return emailerr.New(emailerr.NoUnlockMethods, "no active KeyExchange methods on file")
	}

	s.master = master
	s.keys = make(map[string]decryptedKey, len(km.Entries))
	for _, entry := range km.Entries {
		keyBytes, err := unsealEntry(master, entry)
		if err != nil {
			// One unreadable entry shouldn't block the rest of the
			// store from unlocking; record the gap by simply
			// omitting it, matching the recovery philosophy in
			// spec.md §4.3 (walk previous-block-id, report the gap).
			continue
		}
		s.keys[entry.KeyID] = decryptedKey{entry: entry, bytes: keyBytes}
	}
	s.st = stateUnlocked
	return nil
}

// Lock zeroes the master key and all decrypted data keys, returning the
// store to the Locked state.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.master)
	s.master = nil
	for id, dk := range s.keys {
		zero(dk.bytes)
		delete(s.keys, id)
	}
	s.st = stateLocked
}

// KeyBytes implements payloadcodec.KeyLookup.
func (s *Store) KeyBytes(keyID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != stateUnlocked {
		return nil, emailerr.New(emailerr.BadCredential, "key store is locked")
	}
	dk, ok := s.keys[keyID]
	if !ok {
		return nil, emailerr.New(emailerr.NotFound, "key %s", keyID)
	}
	return append([]byte(nil), dk.bytes...), nil
}

// LatestForPurpose returns the key id of the newest non-revoked key for
// purpose, for use as the key_id on new writes (spec.md §4.3 Rotate key:
// "new writes select the latest non-revoked key for the purpose").
func (s *Store) LatestForPurpose(purpose Purpose) (string, uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != stateUnlocked {
		return "", 0, emailerr.New(emailerr.BadCredential, "key store is locked")
	}
	var best decryptedKey
	var bestFound bool
	for _, dk := range s.keys {
		if dk.entry.Purpose != purpose || dk.entry.RevokedAt != nil {
			continue
		}
		if !bestFound || dk.entry.CreatedAt > best.entry.CreatedAt {
			best = dk
			bestFound = true
		}
	}
	if !bestFound {
		return "", 0, emailerr.New(emailerr.NotFound, "no active key for purpose %s", purpose)
	}
	return best.entry.KeyID, best.entry.Algorithm, nil
}

// RotateKey creates a new random key for purpose under a fresh key id,
// marks every existing non-revoked key of that purpose revoked (old blocks
// remain decryptable; see DESIGN.md), and returns a new KeyManagerContent
// the caller appends as the new head KeyManager block.
func (s *Store) RotateKey(purpose Purpose, algo uint8, newKeyID string, previousBlockID *int64, version int) (KeyManagerContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != stateUnlocked {
		return KeyManagerContent{}, emailerr.New(emailerr.BadCredential, "key store is locked")
	}

	newKeyBytes, newEntry, err := sealNewKey(s.master, newKeyID, purpose, algo, s.clk)
	if err != nil {
		return KeyManagerContent{}, err
	}

	now := s.clk.Now().UnixNano()
	entries := make([]EncryptedKeyEntry, 0, len(s.keys)+1)
	for id, dk := range s.keys {
		e := dk.entry
		if e.Purpose == purpose && e.RevokedAt == nil {
			revokedAt := now
			e.RevokedAt = &revokedAt
			dk.entry = e
			s.keys[id] = dk
		}
		entries = append(entries, e)
	}
	entries = append(entries, newEntry)
	s.keys[newKeyID] = decryptedKey{entry: newEntry, bytes: newKeyBytes}

	return KeyManagerContent{
		Version:         version,
		PreviousBlockID: previousBlockID,
		Entries:         entries,
	}, nil
}

func sealNewKey(master []byte, keyID string, purpose Purpose, algo uint8, clk clock.Clock) ([]byte, EncryptedKeyEntry, error) {
	size := keySizeForAlgorithm(algo)
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, EncryptedKeyEntry{}, emailerr.Wrap(emailerr.Internal, err, "generate data key")
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, EncryptedKeyEntry{}, emailerr.Wrap(emailerr.Internal, err, "generate nonce")
	}
	sealed, err := aesGCMSeal(master, nonce, key)
	if err != nil {
		return nil, EncryptedKeyEntry{}, emailerr.Wrap(emailerr.Internal, err, "seal data key")
	}
	return key, EncryptedKeyEntry{
		KeyID:     keyID,
		Purpose:   purpose,
		Algorithm: algo,
		Sealed:    sealed,
		Nonce:     nonce,
		CreatedAt: clk.Now().UnixNano(),
	}, nil
}

func unsealEntry(master []byte, entry EncryptedKeyEntry) ([]byte, error) {
	return aesGCMOpen(master, entry.Nonce, entry.Sealed)
}

// keySizeForAlgorithm returns the raw key length payloadcodec expects for
// a given encryption algorithm id. Mirrors payloadcodec's own id table
// without importing it, to avoid a dependency cycle (payloadcodec takes a
// KeyLookup interface; it does not import keystore).
func keySizeForAlgorithm(algo uint8) int {
	switch algo {
	case 3: // AES256CBCHMAC
		return 64
	default: // AES256GCM, ChaCha20Poly1305 both take 32-byte keys
		return 32
	}
}

func aesGCMSeal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func aesGCMOpen(key, nonce, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, sealed, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
