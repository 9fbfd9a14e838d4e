package cryptoutils

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	RoleRouter = "router"
	RoleShard  = "shard"

	NonceSize = 32
)

var (
	ErrOpenFailed = errors.New("channel message failed authentication")

	reportDataDomain = []byte("attested-shard-router/handshake/v1")
	channelKDFInfo   = []byte("attested-shard-router/channel/v1")
)

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("could not derive public key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// NewNonce returns a random handshake nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// HandshakeReportData binds attestation evidence to a handshake participant's
// role, ephemeral public key and the handshake nonce.
func HandshakeReportData(role string, publicKey, nonce []byte) [64]byte {
	h := sha512.New()
	h.Write(reportDataDomain)
	h.Write([]byte{0})
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write(publicKey)
	h.Write(nonce)

	var rd [64]byte
	copy(rd[:], h.Sum(nil))
	return rd
}

// ChannelKeys seals outgoing and opens incoming messages of one session.
// Each direction has its own key, so a sequence number is never reused under a key.
type ChannelKeys struct {
	send cipher.AEAD
	recv cipher.AEAD
}

// DeriveChannelKeys performs X25519 with the peer's public key and expands the
// shared secret with HKDF-SHA256 into one key per direction. The initiator is the router.
func DeriveChannelKeys(local *KeyPair, peerPublic, nonce []byte, initiator bool) (*ChannelKeys, error) {
	shared, err := curve25519.X25519(local.Private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	initPub, respPub := local.Public, peerPublic
	if !initiator {
		initPub, respPub = peerPublic, local.Public
	}

	info := make([]byte, 0, len(channelKDFInfo)+len(initPub)+len(respPub))
	info = append(info, channelKDFInfo...)
	info = append(info, initPub...)
	info = append(info, respPub...)

	kdf := hkdf.New(sha256.New, shared, nonce, info)
	initToResp := make([]byte, chacha20poly1305.KeySize)
	respToInit := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, initToResp); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, respToInit); err != nil {
		return nil, err
	}

	sendKey, recvKey := initToResp, respToInit
	if !initiator {
		sendKey, recvKey = respToInit, initToResp
	}

	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}
	return &ChannelKeys{send: send, recv: recv}, nil
}

// Seal encrypts plaintext for the peer under sequence number seq.
func (k *ChannelKeys) Seal(sessionID string, seq uint64, plaintext []byte) []byte {
	nonce := sequenceNonce(seq)
	return k.send.Seal(nil, nonce, plaintext, additionalData(sessionID, seq))
}

// Open decrypts a message from the peer sealed under sequence number seq.
func (k *ChannelKeys) Open(sessionID string, seq uint64, sealed []byte) ([]byte, error) {
	nonce := sequenceNonce(seq)
	plaintext, err := k.recv.Open(nil, nonce, sealed, additionalData(sessionID, seq))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func sequenceNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], seq)
	return nonce
}

func additionalData(sessionID string, seq uint64) []byte {
	ad := make([]byte, 0, len(sessionID)+8)
	ad = append(ad, sessionID...)
	return binary.BigEndian.AppendUint64(ad, seq)
}
