// SPDX-License-Identifier: MIT

package tunnel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Authenticator performs the shared-secret challenge-response handshake
// over a control connection. A nil *Authenticator means no secret is
// configured; ClientHandshake is safe to call on a nil receiver and is then
// a no-op. Verify needs a non-nil Authenticator.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns nil if secret is empty, so callers can treat
// "no secret configured" uniformly as a nil *Authenticator.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// sign computes HMAC-SHA256(secret, challenge) as lower-hex, the value
// sent back in an Authenticate message.
func (a *Authenticator) sign(challenge [16]byte) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(challenge[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether hexMAC is the correct response to challenge,
// compared in constant time.
func (a *Authenticator) Verify(challenge [16]byte, hexMAC string) bool {
	want, err := hex.DecodeString(a.sign(challenge))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(hexMAC)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

// ClientHandshake performs the client side of the challenge-response
// handshake on a freshly dialed control connection, before any Hello or
// Accept is sent. If a has no secret configured it does nothing, leaving
// the connection for the caller's next message: if the server in fact
// required authentication, its unread Challenge will surface as an
// unexpected message to whatever the caller reads next, which is the
// "server requires auth but client has none" failure the spec calls for.
func (a *Authenticator) ClientHandshake(conn *delimitedConn) error {
	if a == nil {
		return nil
	}
	msg, err := conn.recvTimeout(NetworkTimeout)
	if err != nil {
		return err
	}
	if msg.Tag != "Challenge" {
		return &ProtocolError{Msg: "expected authentication challenge from server"}
	}
	return conn.send(AuthenticateMsg(a.sign(msg.UUID)))
}
