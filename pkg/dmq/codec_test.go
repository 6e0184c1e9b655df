package dmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBody = `{"id":"tx-1","eventType":"donation.created","data":{"amount":100}}`

func TestBodyCodecDisabledPassesThrough(t *testing.T) {
	codec, err := NewBodyCodec(&BodyCodecConfig{}, "", "")
	require.NoError(t, err)

	assert.False(t, codec.Enabled())

	out, err := codec.Encode([]byte(testBody))
	require.NoError(t, err)
	assert.Equal(t, []byte(testBody), out)
}

func TestBodyCodecNilIsDisabled(t *testing.T) {
	var codec *BodyCodec
	assert.False(t, codec.Enabled())
}

func TestBodyCodecGzipRoundTrip(t *testing.T) {
	codec, err := NewBodyCodec(&BodyCodecConfig{
		CompressionEnabled: true,
		CompressionType:    GzipCompressionType,
	}, "", "")
	require.NoError(t, err)

	encoded, err := codec.Encode([]byte(testBody))
	require.NoError(t, err)
	assert.NotEqual(t, []byte(testBody), encoded)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte(testBody), decoded)
}

func TestBodyCodecZstdRoundTrip(t *testing.T) {
	codec, err := NewBodyCodec(&BodyCodecConfig{
		CompressionEnabled: true,
		CompressionType:    ZstdCompressionType,
	}, "", "")
	require.NoError(t, err)

	encoded, err := codec.Encode([]byte(testBody))
	require.NoError(t, err)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte(testBody), decoded)
}

func TestBodyCodecEncryptionRoundTrip(t *testing.T) {
	codec, err := NewBodyCodec(&BodyCodecConfig{
		EncryptionEnabled: true,
	}, "SuperStreetFighter2TurboHDRemix", "MBIIBU")
	require.NoError(t, err)

	encoded, err := codec.Encode([]byte(testBody))
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "donation.created")

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte(testBody), decoded)
}

func TestBodyCodecCompressThenEncryptRoundTrip(t *testing.T) {
	codec, err := NewBodyCodec(&BodyCodecConfig{
		CompressionEnabled: true,
		CompressionType:    ZstdCompressionType,
		EncryptionEnabled:  true,
	}, "SuperStreetFighter2TurboHDRemix", "MBIIBU")
	require.NoError(t, err)

	encoded, err := codec.Encode([]byte(testBody))
	require.NoError(t, err)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte(testBody), decoded)
}

func TestBodyCodecEncryptionRequiresSecrets(t *testing.T) {
	_, err := NewBodyCodec(&BodyCodecConfig{EncryptionEnabled: true}, "", "")
	require.Error(t, err)

	_, err = NewBodyCodec(&BodyCodecConfig{EncryptionEnabled: true}, "passphrase", "")
	require.Error(t, err)
}

func TestBodyCodecDecodeGarbage(t *testing.T) {
	codec, err := NewBodyCodec(&BodyCodecConfig{
		EncryptionEnabled: true,
	}, "SuperStreetFighter2TurboHDRemix", "MBIIBU")
	require.NoError(t, err)

	_, err = codec.Decode([]byte("definitely not ciphertext"))
	require.Error(t, err)
}

func TestBodyCodecWrongKeyFailsToDecode(t *testing.T) {
	encoder, err := NewBodyCodec(&BodyCodecConfig{EncryptionEnabled: true}, "passphrase-one", "salt")
	require.NoError(t, err)

	decoder, err := NewBodyCodec(&BodyCodecConfig{EncryptionEnabled: true}, "passphrase-two", "salt")
	require.NoError(t, err)

	encoded, err := encoder.Encode([]byte(testBody))
	require.NoError(t, err)

	_, err = decoder.Decode(encoded)
	require.Error(t, err)
}
