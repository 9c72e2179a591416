package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACSign(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret"}

	sig := auth.Sign("symbol=BTCUSDT&side=BUY")
	assert.Len(t, sig, 64, "hex-encoded SHA-256 digest")
	assert.Equal(t, sig, auth.Sign("symbol=BTCUSDT&side=BUY"), "deterministic")
	assert.NotEqual(t, sig, auth.Sign("symbol=BTCUSDT&side=SELL"))
}

func TestHMACHeaders(t *testing.T) {
	auth := &HMACAuth{Key: "my-api-key", Secret: "s"}
	assert.Equal(t, "my-api-key", auth.Headers()["X-MBX-APIKEY"])
}

func TestHMACStringRedactsSecret(t *testing.T) {
	auth := &HMACAuth{Key: "abcdef123456", Secret: "topsecretvalue"}
	s := auth.String()
	assert.NotContains(t, s, "topsecretvalue")
	assert.NotContains(t, s, "abcdef123456")
	assert.Contains(t, s, "abcd****")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("the-api-secret", "hunter2")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "the-api-secret", got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptSecret("the-api-secret", "hunter2")
	require.NoError(t, err)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptRejectsEmptyInputs(t *testing.T) {
	_, err := EncryptSecret("", "pw")
	assert.Error(t, err)

	_, err = EncryptSecret("secret", "")
	assert.Error(t, err)
}

func TestEncryptSaltsEveryBlob(t *testing.T) {
	a, err := EncryptSecret("s", "pw")
	require.NoError(t, err)
	b, err := EncryptSecret("s", "pw")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh salt and nonce per encryption")
}

func TestLoadSecretPrefersRaw(t *testing.T) {
	got, err := LoadSecret(SecretConfig{RawSecret: "plain", EncryptedSecretPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, "plain", got)
}

func TestLoadSecretFromEncryptedFile(t *testing.T) {
	blob, err := EncryptSecret("file-secret", "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadSecret(SecretConfig{EncryptedSecretPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "file-secret", got)
}

func TestLoadSecretNoSource(t *testing.T) {
	_, err := LoadSecret(SecretConfig{})
	assert.Error(t, err)
}
