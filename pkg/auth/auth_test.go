package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/paasd/pkg/keys"
	"github.com/stretchr/testify/require"
)

func writeAuthorizedKeys(t *testing.T, pubs ...*keys.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authorized_keys")
	var content string
	content += "# comment line\n\n"
	for _, p := range pubs {
		content += p.ToString() + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// signToken builds a "<unix>-<nonce>" token signed by priv, using a
// nonce unrelated to priv's fingerprint — the id query parameter is
// how the caller identifies itself, not the token's own contents.
func signToken(t *testing.T, priv *keys.PrivateKey, unixTime int64) (token, signature string) {
	t.Helper()
	token = fmt.Sprintf("%d-nonce-%p", unixTime, priv)
	sig, err := priv.Sign([]byte(token))
	require.NoError(t, err)
	return token, sig
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	priv, err := keys.Generate()
	require.NoError(t, err)
	path := writeAuthorizedKeys(t, priv.PublicKey())

	a := New(path)
	token, sig := signToken(t, priv, time.Now().Unix())

	fp := a.Authenticate(priv.ID(), token, sig)
	require.Equal(t, priv.ID(), fp)
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	priv, err := keys.Generate()
	require.NoError(t, err)
	other, err := keys.Generate()
	require.NoError(t, err)
	path := writeAuthorizedKeys(t, other.PublicKey())

	a := New(path)
	token, sig := signToken(t, priv, time.Now().Unix())

	require.Equal(t, "", a.Authenticate(priv.ID(), token, sig))
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	priv, err := keys.Generate()
	require.NoError(t, err)
	path := writeAuthorizedKeys(t, priv.PublicKey())

	a := New(path)
	token, sig := signToken(t, priv, time.Now().Add(-30*time.Second).Unix())

	require.Equal(t, "", a.Authenticate(priv.ID(), token, sig))
}

func TestAuthenticateRejectsReplayedToken(t *testing.T) {
	priv, err := keys.Generate()
	require.NoError(t, err)
	path := writeAuthorizedKeys(t, priv.PublicKey())

	a := New(path)
	token, sig := signToken(t, priv, time.Now().Unix())

	require.Equal(t, priv.ID(), a.Authenticate(priv.ID(), token, sig))
	require.Equal(t, "", a.Authenticate(priv.ID(), token, sig), "second use of the same token must be rejected")
}

func TestAuthenticateRejectsTamperedSignature(t *testing.T) {
	priv, err := keys.Generate()
	require.NoError(t, err)
	path := writeAuthorizedKeys(t, priv.PublicKey())

	a := New(path)
	token, _ := signToken(t, priv, time.Now().Unix())

	require.Equal(t, "", a.Authenticate(priv.ID(), token, "bm90LWEtc2lnbmF0dXJl"))
}

func TestAuthenticateRejectsMissingFields(t *testing.T) {
	a := New(filepath.Join(t.TempDir(), "authorized_keys"))
	require.Equal(t, "", a.Authenticate("", "tok", "sig"))
	require.Equal(t, "", a.Authenticate("id", "", "sig"))
	require.Equal(t, "", a.Authenticate("id", "tok", ""))
}

func TestAuthenticateTreatsMissingKeysFileAsEmpty(t *testing.T) {
	priv, err := keys.Generate()
	require.NoError(t, err)
	a := New(filepath.Join(t.TempDir(), "does-not-exist"))
	token, sig := signToken(t, priv, time.Now().Unix())

	require.Equal(t, "", a.Authenticate(priv.ID(), token, sig))
}

func TestVerifyPayloadAcceptsMatchingSignature(t *testing.T) {
	priv, err := keys.Generate()
	require.NoError(t, err)
	path := writeAuthorizedKeys(t, priv.PublicKey())
	a := New(path)

	payload := []byte("zip-archive-bytes")
	sig, err := priv.Sign(payload)
	require.NoError(t, err)

	require.True(t, a.VerifyPayload(priv.ID(), sig, payload))
}

func TestVerifyPayloadRejectsTamperedPayload(t *testing.T) {
	priv, err := keys.Generate()
	require.NoError(t, err)
	path := writeAuthorizedKeys(t, priv.PublicKey())
	a := New(path)

	sig, err := priv.Sign([]byte("original"))
	require.NoError(t, err)

	require.False(t, a.VerifyPayload(priv.ID(), sig, []byte("tampered")))
}

func TestVerifyPayloadRejectsUnknownFingerprint(t *testing.T) {
	a := New(filepath.Join(t.TempDir(), "authorized_keys"))
	require.False(t, a.VerifyPayload("unknown", "sig", []byte("data")))
}
