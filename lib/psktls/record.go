package psktls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/gravitational/trace"
)

// recordType is the TLS record content type (RFC 5246 §6.2.1).
type recordType uint8

const (
	recordTypeChangeCipherSpec recordType = 20
	recordTypeAlert            recordType = 21
	recordTypeHandshake        recordType = 22
	recordTypeApplicationData  recordType = 23
)

const (
	recordVersionMajor = 3
	recordVersionMinor = 3 // TLS 1.2
	maxRecordPayload   = 1 << 14
)

// recordCipher protects one direction (client->server or server->client)
// of the record stream once the handshake has completed.
type recordCipher struct {
	suite  CipherSuite
	macKey []byte
	block  cipher.Block // nil for NULL suites
	hash   func() hash.Hash
	seqNum uint64
}

func newRecordCipher(suite CipherSuite, macKey, writeKey []byte) (*recordCipher, error) {
	info := suiteRegistry[suite]

	rc := &recordCipher{suite: suite, macKey: macKey}
	switch info.macSize {
	case sha256.Size:
		rc.hash = sha256.New
	case sha1.Size:
		rc.hash = sha1.New
	default:
		return nil, trace.BadParameter("unsupported MAC size %d", info.macSize)
	}

	switch info.cipher {
	case "aes":
		block, err := aes.NewCipher(writeKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		rc.block = block
	case "3des":
		block, err := des.NewTripleDESCipher(writeKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		rc.block = block
	case "null":
		rc.block = nil
	default:
		return nil, trace.BadParameter("unsupported bulk cipher %q", info.cipher)
	}
	return rc, nil
}

// seal MACs and (for non-NULL suites) CBC-encrypts plaintext, returning
// the bytes to place on the wire as a record payload.
func (rc *recordCipher) seal(rt recordType, plaintext []byte) ([]byte, error) {
	mac := rc.computeMAC(rt, plaintext)
	payload := append(append([]byte(nil), plaintext...), mac...)

	if rc.block == nil {
		rc.seqNum++
		return payload, nil
	}

	blockSize := rc.block.BlockSize()
	padLen := blockSize - (len(payload)+1)%blockSize
	if padLen == blockSize {
		padLen = 0
	}
	padding := make([]byte, padLen+1)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	payload = append(payload, padding...)

	iv := make([]byte, blockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, trace.Wrap(err)
	}
	ciphertext := make([]byte, len(payload))
	cipher.NewCBCEncrypter(rc.block, iv).CryptBlocks(ciphertext, payload)

	rc.seqNum++
	return append(iv, ciphertext...), nil
}

// open reverses seal: decrypts (if needed), strips and validates padding,
// verifies the MAC, and returns the plaintext.
func (rc *recordCipher) open(rt recordType, record []byte) ([]byte, error) {
	defer func() { rc.seqNum++ }()

	var payload []byte
	if rc.block == nil {
		payload = record
	} else {
		blockSize := rc.block.BlockSize()
		if len(record) < 2*blockSize {
			return nil, newHandshakeError(AlertDecryptError, "record too short for CBC")
		}
		iv, ciphertext := record[:blockSize], record[blockSize:]
		if len(ciphertext)%blockSize != 0 {
			return nil, newHandshakeError(AlertDecryptError, "ciphertext not block-aligned")
		}
		plain := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(rc.block, iv).CryptBlocks(plain, ciphertext)

		padLen := int(plain[len(plain)-1])
		if padLen+1 > len(plain) {
			return nil, newHandshakeError(AlertBadRecordMAC, "invalid CBC padding")
		}
		payload = plain[:len(plain)-padLen-1]
	}

	macSize := len(rc.macKey)
	if rc.hash != nil {
		macSize = rc.hash().Size()
	}
	if len(payload) < macSize {
		return nil, newHandshakeError(AlertBadRecordMAC, "record shorter than MAC")
	}
	plaintext, gotMAC := payload[:len(payload)-macSize], payload[len(payload)-macSize:]
	wantMAC := rc.computeMAC(rt, plaintext)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, newHandshakeError(AlertBadRecordMAC, "record MAC mismatch")
	}
	return plaintext, nil
}

// computeMAC implements the TLS 1.2 MAC input: HMAC(macKey, seq_num ||
// type || version || length || fragment) (RFC 5246 §6.2.3.1).
func (rc *recordCipher) computeMAC(rt recordType, fragment []byte) []byte {
	var header [13]byte
	binary.BigEndian.PutUint64(header[0:8], rc.seqNum)
	header[8] = byte(rt)
	header[9] = recordVersionMajor
	header[10] = recordVersionMinor
	binary.BigEndian.PutUint16(header[11:13], uint16(len(fragment)))

	mac := hmac.New(rc.hash, rc.macKey)
	mac.Write(header[:])
	mac.Write(fragment)
	return mac.Sum(nil)
}
