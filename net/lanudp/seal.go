package lanudp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	"lanmesh/config"
)

// Payloads smaller than this never compress usefully.
const compressThreshold = 128

var errNotEncrypted = errors.New("encrypted payload but no encryption key configured")

// sealer applies the outbound payload pipeline (compress, then encrypt) and
// authenticates whole datagrams. Keys are derived from the configured
// strings by SHA-256, giving both ciphers their 32-byte keys.
type sealer struct {
	encKey   []byte
	macKey   []byte
	compress bool
}

func newSealer(cfg *config.Config) *sealer {
	s := &sealer{compress: cfg.Compression}
	if cfg.EncryptionKey != "" {
		k := sha256.Sum256([]byte(cfg.EncryptionKey))
		s.encKey = k[:]
	}
	if cfg.SigningKey != "" {
		k := sha256.Sum256([]byte(cfg.SigningKey))
		s.macKey = k[:]
	}
	return s
}

// seal prepares a payload for the wire and returns it with the flags that
// describe what was applied. Compression is kept only when it shrinks the
// payload; encryption uses XChaCha20-Poly1305 with a fresh random nonce
// prepended to the ciphertext.
func (s *sealer) seal(payload []byte, encrypt bool) ([]byte, uint8, error) {
	var flags uint8

	if s.compress && len(payload) >= compressThreshold {
		packed := s2.Encode(nil, payload)
		if len(packed) < len(payload) {
			payload = packed
			flags |= flagCompressed
		}
	}

	if encrypt && s.encKey != nil {
		aead, err := chacha20poly1305.NewX(s.encKey)
		if err != nil {
			return nil, 0, err
		}
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := rand.Read(nonce); err != nil {
			return nil, 0, err
		}
		payload = aead.Seal(nonce, nonce, payload, nil)
		flags |= flagEncrypted
	}

	return payload, flags, nil
}

// open reverses seal according to the flags.
func (s *sealer) open(payload []byte, flags uint8) ([]byte, error) {
	if flags&flagEncrypted != 0 {
		if s.encKey == nil {
			return nil, errNotEncrypted
		}
		aead, err := chacha20poly1305.NewX(s.encKey)
		if err != nil {
			return nil, err
		}
		if len(payload) < chacha20poly1305.NonceSizeX {
			return nil, errors.New("ciphertext shorter than nonce")
		}
		nonce, ciphertext := payload[:chacha20poly1305.NonceSizeX], payload[chacha20poly1305.NonceSizeX:]
		payload, err = aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt payload: %w", err)
		}
	}

	if flags&flagCompressed != 0 {
		decoded, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		payload = decoded
	}

	return payload, nil
}

// sign authenticates the datagram with keyed BLAKE3. Without a signing key
// datagrams go out unauthenticated.
func (s *sealer) sign(d *datagram) {
	if s.macKey == nil {
		return
	}
	d.Mac = s.mac(d)
}

// verify checks the datagram's MAC. Without a signing key every datagram
// verifies; with one, an absent or wrong MAC fails.
func (s *sealer) verify(d *datagram) bool {
	if s.macKey == nil {
		return true
	}
	return subtle.ConstantTimeCompare(d.Mac, s.mac(d)) == 1
}

func (s *sealer) mac(d *datagram) []byte {
	h := blake3.New(32, s.macKey)
	h.Write(d.macInput())
	return h.Sum(nil)
}
