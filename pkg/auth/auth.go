// Package auth implements the Authenticator (C6): validating a
// signed push/status token against the authorized-keys file, with a
// short re-read cache and an anti-replay window.
package auth

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/paasd/pkg/keys"
	"github.com/cuemby/paasd/pkg/log"
	"github.com/cuemby/paasd/pkg/paaserr"
)

const (
	// keyCacheTTL bounds how often the authorized-keys file is
	// re-read from disk, to blunt a flood of auth attempts.
	keyCacheTTL = 5 * time.Second

	// tokenSkew is how far a client's embedded timestamp may lag (or
	// lead) the server's clock and still be accepted.
	tokenSkew = 5 * time.Second

	// replayWindow is how long a spent token is remembered to reject
	// replays of an intercepted signature.
	replayWindow = 10 * time.Second
)

// Authenticator validates push/status requests against a file of
// authorized public keys.
type Authenticator struct {
	keysFile string

	mu          sync.Mutex
	lastKeyRead time.Time
	authorized  map[string]*keys.PublicKey
	spentTokens []spentToken
	now         func() time.Time
}

type spentToken struct {
	at    time.Time
	token string
}

// New creates an Authenticator that reads authorized public keys from
// keysFile (one "rsa-pub-..." line per key; blank lines and lines
// starting with "#" are ignored).
func New(keysFile string) *Authenticator {
	return &Authenticator{
		keysFile:   keysFile,
		authorized: map[string]*keys.PublicKey{},
		now:        time.Now,
	}
}

// publicKey returns the authorized public key for fingerprint,
// re-reading the keys file if the cache is older than keyCacheTTL.
func (a *Authenticator) publicKey(fingerprint string) *keys.PublicKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.now().Sub(a.lastKeyRead) >= keyCacheTTL {
		a.lastKeyRead = a.now()
		loaded, err := loadAuthorizedKeys(a.keysFile)
		if err != nil {
			log.Errorf("auth: failed to read authorized keys", err)
		} else {
			a.authorized = loaded
		}
	}
	return a.authorized[fingerprint]
}

func loadAuthorizedKeys(path string) (map[string]*keys.PublicKey, error) {
	result := map[string]*keys.PublicKey{}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, paaserr.New(paaserr.Config, "auth.loadAuthorizedKeys", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pub, err := keys.PublicKeyFromString(line)
		if err != nil {
			log.Errorf(fmt.Sprintf("auth: does not look like a public key: %q", line), err)
			continue
		}
		result[pub.ID()] = pub
	}
	return result, scanner.Err()
}

// Authenticate validates an id/token/signature triple — id is the
// caller's claimed key fingerprint, token is "<unix-timestamp>-<nonce>"
// (the nonce need not relate to id), and signature is a PSS signature
// of the token bytes made by id's private key. Returns the validated
// fingerprint, or "" if the request is not authenticated. Accepted
// tokens may not be reused.
func (a *Authenticator) Authenticate(id, token, signature string) string {
	if id == "" || token == "" || signature == "" {
		return ""
	}

	parts := strings.SplitN(token, "-", 2)
	if len(parts) != 2 {
		return ""
	}
	clientTime, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ""
	}

	serverTime := a.now().Unix()
	if !(serverTime-int64(tokenSkew.Seconds()) <= clientTime && clientTime <= serverTime) {
		return ""
	}

	pub := a.publicKey(id)
	if pub == nil {
		return ""
	}
	if !pub.Verify(signature, []byte(token)) {
		return ""
	}

	if a.markSpent(token, serverTime) {
		return "" // replay
	}
	return pub.ID()
}

// VerifyPayload checks that signature is a valid PSS signature of
// payload made by the key identified by fingerprint. Used for the
// push endpoint's optional second signature (over the uploaded
// archive bytes), on top of Authenticate's signature over the token.
func (a *Authenticator) VerifyPayload(fingerprint, signature string, payload []byte) bool {
	if signature == "" {
		return false
	}
	pub := a.publicKey(fingerprint)
	if pub == nil {
		return false
	}
	return pub.Verify(signature, payload)
}

// markSpent reports whether token has already been spent within the
// replay window; if not, it records it as spent and prunes expired
// entries.
func (a *Authenticator) markSpent(token string, serverTime int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, st := range a.spentTokens {
		if st.token == token {
			return true
		}
	}

	cutoff := time.Unix(serverTime, 0).Add(-replayWindow)
	kept := a.spentTokens[:0]
	for _, st := range a.spentTokens {
		if !st.at.Before(cutoff) {
			kept = append(kept, st)
		}
	}
	a.spentTokens = append(kept, spentToken{at: time.Unix(serverTime, 0), token: token})
	return false
}
