package dmq

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
)

// Compression types for the body codec.
const (
	GzipCompressionType = "gzip"
	ZstdCompressionType = "zstd"
)

const nonceSize = 12

// BodyCodec optionally compresses and encrypts event bodies before they hit
// the wire. Disabled stages pass bytes through untouched; Decode reverses the
// stages in the opposite order.
type BodyCodec struct {
	config  *BodyCodecConfig
	hashKey []byte
}

// NewBodyCodec builds a codec from config. When encryption is enabled the
// AES-256 key is derived from the passphrase and salt with Argon2id.
func NewBodyCodec(config *BodyCodecConfig, passphrase, salt string) (*BodyCodec, error) {

	if config == nil {
		config = &BodyCodecConfig{}
	}

	codec := &BodyCodec{config: config}

	if config.EncryptionEnabled {
		if passphrase == "" || salt == "" {
			return nil, errors.New("encryption requires a passphrase and a salt")
		}

		timeConsideration := config.TimeConsideration
		if timeConsideration == 0 {
			timeConsideration = 1
		}
		threads := config.Threads
		if threads == 0 {
			threads = 1
		}
		memory := config.MemoryMultiplier
		if memory == 0 {
			memory = 64
		}

		codec.hashKey = argon2.IDKey([]byte(passphrase), []byte(salt), timeConsideration, memory*1024, threads, 32)
	}

	return codec, nil
}

// Enabled reports whether any codec stage transforms the body.
func (bc *BodyCodec) Enabled() bool {
	return bc != nil && (bc.config.CompressionEnabled || bc.config.EncryptionEnabled)
}

// Encode compresses and then encrypts data per the configured stages.
func (bc *BodyCodec) Encode(data []byte) ([]byte, error) {

	if !bc.Enabled() {
		return data, nil
	}

	if bc.config.CompressionEnabled {
		compressed, err := bc.compress(data)
		if err != nil {
			return nil, err
		}
		data = compressed
	}

	if bc.config.EncryptionEnabled {
		encrypted, err := encryptAes(data, bc.hashKey)
		if err != nil {
			return nil, err
		}
		data = encrypted
	}

	return data, nil
}

// Decode decrypts and then decompresses data per the configured stages.
func (bc *BodyCodec) Decode(data []byte) ([]byte, error) {

	if !bc.Enabled() {
		return data, nil
	}

	if bc.config.EncryptionEnabled {
		decrypted, err := decryptAes(data, bc.hashKey)
		if err != nil {
			return nil, err
		}
		data = decrypted
	}

	if bc.config.CompressionEnabled {
		decompressed, err := bc.decompress(data)
		if err != nil {
			return nil, err
		}
		data = decompressed
	}

	return data, nil
}

func (bc *BodyCodec) compress(data []byte) ([]byte, error) {

	buffer := &bytes.Buffer{}

	switch bc.config.CompressionType {
	case ZstdCompressionType:
		zstdWriter, err := zstd.NewWriter(buffer)
		if err != nil {
			return nil, err
		}
		if _, err = zstdWriter.Write(data); err != nil {
			_ = zstdWriter.Close()
			return nil, err
		}
		if err = zstdWriter.Close(); err != nil {
			return nil, err
		}
	case GzipCompressionType:
		fallthrough
	default:
		gzipWriter := gzip.NewWriter(buffer)
		if _, err := gzipWriter.Write(data); err != nil {
			return nil, err
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, err
		}
	}

	return buffer.Bytes(), nil
}

func (bc *BodyCodec) decompress(data []byte) ([]byte, error) {

	switch bc.config.CompressionType {
	case ZstdCompressionType:
		zstdReader, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zstdReader.Close()
		return io.ReadAll(zstdReader)
	case GzipCompressionType:
		fallthrough
	default:
		gzipReader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		out, err := io.ReadAll(gzipReader)
		if err != nil {
			return nil, err
		}
		if err := gzipReader.Close(); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func encryptAes(data, hashKey []byte) ([]byte, error) {

	if len(data) == 0 || len(hashKey) == 0 {
		return nil, errors.New("data or key can't be zero length")
	}

	block, err := aes.NewCipher(hashKey)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aesGcm.Seal(nonce, nonce, data, nil), nil
}

func decryptAes(cipherDataWithNonce, hashKey []byte) ([]byte, error) {

	if len(cipherDataWithNonce) <= nonceSize || len(hashKey) == 0 {
		return nil, errors.New("cipher data too short or key empty")
	}

	block, err := aes.NewCipher(hashKey)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := cipherDataWithNonce[:nonceSize]
	return aesGcm.Open(nil, nonce, cipherDataWithNonce[nonceSize:], nil)
}
