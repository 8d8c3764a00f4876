package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSignAndVerify(t *testing.T) {
	priv, err := Generate()
	require.NoError(t, err)

	data := []byte("deploy web to host")
	sig, err := priv.Sign(data)
	require.NoError(t, err)

	pub := priv.PublicKey()
	require.True(t, pub.Verify(sig, data))
	require.False(t, pub.Verify(sig, []byte("tampered")))
	require.False(t, pub.Verify("not-base64!!", data))
}

func TestPrivateKeyRoundTripWithoutPassphrase(t *testing.T) {
	priv, err := Generate()
	require.NoError(t, err)

	s, err := priv.ToString("")
	require.NoError(t, err)
	require.NotContains(t, s, "\n")

	restored, err := PrivateKeyFromString(s, "")
	require.NoError(t, err)
	require.Equal(t, priv.ID(), restored.ID())
}

func TestPrivateKeyRoundTripWithPassphrase(t *testing.T) {
	priv, err := Generate()
	require.NoError(t, err)

	s, err := priv.ToString("hunter2")
	require.NoError(t, err)

	restored, err := PrivateKeyFromString(s, "hunter2")
	require.NoError(t, err)
	require.Equal(t, priv.ID(), restored.ID())

	_, err = PrivateKeyFromString(s, "wrong")
	require.Error(t, err)
}

func TestPublicKeyRoundTripAndID(t *testing.T) {
	priv, err := Generate()
	require.NoError(t, err)
	pub := priv.PublicKey()

	s := pub.ToString()
	require.True(t, len(s) > len(publicKeyPrefix))
	require.Equal(t, publicKeyPrefix, s[:len(publicKeyPrefix)])

	restored, err := PublicKeyFromString(s)
	require.NoError(t, err)
	require.Equal(t, pub.ID(), restored.ID())
	require.Len(t, pub.ID(), 10)
}

func TestPublicKeyFromStringRejectsMissingPrefix(t *testing.T) {
	_, err := PublicKeyFromString("not-a-key")
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	priv, err := Generate()
	require.NoError(t, err)
	pub := priv.PublicKey()

	ciphertext, err := pub.Encrypt([]byte("secret payload"))
	require.NoError(t, err)

	plaintext, err := priv.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, "secret payload", string(plaintext))
}

func TestPrivateAndPublicKeyShareID(t *testing.T) {
	priv, err := Generate()
	require.NoError(t, err)
	require.Equal(t, priv.ID(), priv.PublicKey().ID())
}
