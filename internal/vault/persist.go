package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Snapshot file layout: 6-byte magic, 32-byte salt, AES-GCM blob
// (nonce || ciphertext) of the JSON snapshot. Mode 0600.
var snapshotMagic = []byte("XEMSv1")

const saltSize = 32

// ErrSnapshotMismatch covers a corrupt snapshot, a wrong secret, or a
// host-fingerprint change; the caller discards the file and starts empty.
var ErrSnapshotMismatch = errors.New("vault: snapshot unreadable on this host")

type snapshotEntry struct {
	Key        string    `json:"key"` // base64 tokenKey
	Ciphertext []byte    `json:"ct"`
	Nonce      []byte    `json:"nonce"`
	Sandbox    string    `json:"sandbox"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type snapshot struct {
	MasterKey []byte          `json:"masterKey"`
	Sessions  []snapshotEntry `json:"sessions"`
}

// deriveSnapshotKey binds the snapshot to both the operator secret and the
// host identity.
func deriveSnapshotKey(secret, hardwareID string, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), salt, []byte("xems-snapshot:"+hardwareID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Persist writes an encrypted snapshot of the current session map. Only live
// sessions are written; grace aliases and tombstones are transient by nature.
func (s *Store) Persist(path, secret, hardwareID string) error {
	var sessions []snapshotEntry
	err := s.do(func(st *state) {
		for k, e := range st.entries {
			if e.state != stateLive {
				continue
			}
			sessions = append(sessions, snapshotEntry{
				Key:        base64.StdEncoding.EncodeToString(k[:]),
				Ciphertext: append([]byte(nil), e.ciphertext...),
				Nonce:      append([]byte(nil), e.nonce...),
				Sandbox:    e.sandbox,
				CreatedAt:  e.createdAt,
				ExpiresAt:  e.expiresAt,
			})
		}
	})
	if err != nil {
		return err
	}

	plain, err := json.Marshal(snapshot{MasterKey: s.masterKey, Sessions: sessions})
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key, err := deriveSnapshotKey(secret, hardwareID, salt)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	blob := gcm.Seal(nonce, nonce, plain, snapshotMagic)
	wipe(plain)

	out := make([]byte, 0, len(snapshotMagic)+saltSize+len(blob))
	out = append(out, snapshotMagic...)
	out = append(out, salt...)
	out = append(out, blob...)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Restore loads a snapshot written by Persist. Any failure to read, decrypt,
// or authenticate returns ErrSnapshotMismatch; the caller starts empty.
func Restore(path, secret, hardwareID string, cfg Config) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotMismatch, err)
	}
	if len(raw) < len(snapshotMagic)+saltSize || string(raw[:len(snapshotMagic)]) != string(snapshotMagic) {
		return nil, ErrSnapshotMismatch
	}
	salt := raw[len(snapshotMagic) : len(snapshotMagic)+saltSize]
	blob := raw[len(snapshotMagic)+saltSize:]

	key, err := deriveSnapshotKey(secret, hardwareID, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, ErrSnapshotMismatch
	}
	plain, err := gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], snapshotMagic)
	if err != nil {
		return nil, ErrSnapshotMismatch
	}

	var snap snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		wipe(plain)
		return nil, ErrSnapshotMismatch
	}
	wipe(plain)
	if len(snap.MasterKey) != 32 {
		return nil, ErrSnapshotMismatch
	}

	s, err := NewWithKey(cfg, snap.MasterKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.do(func(st *state) {
		for _, se := range snap.Sessions {
			if now.After(se.ExpiresAt) {
				continue
			}
			rawKey, err := base64.StdEncoding.DecodeString(se.Key)
			if err != nil || len(rawKey) != sha256.Size {
				continue
			}
			var k tokenKey
			copy(k[:], rawKey)
			st.entries[k] = &entry{
				ciphertext: se.Ciphertext,
				nonce:      se.Nonce,
				sandbox:    se.Sandbox,
				createdAt:  se.CreatedAt,
				expiresAt:  se.ExpiresAt,
				state:      stateLive,
			}
			st.live++
		}
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
