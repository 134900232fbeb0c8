// Package token implements signed, time-limited capability tokens for task
// callback URLs. A token authorizes exactly one result submission for exactly
// one task; verification is stateless except for the bearer-token comparison
// against the task record, which the caller performs.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrExpired          = errors.New("callback token expired")
	ErrInvalidSignature = errors.New("invalid callback signature")
	ErrTokenMismatch    = errors.New("callback token does not match task")
	ErrMalformed        = errors.New("malformed callback token")
)

// DefaultTTL is the callback window granted to an agent.
const DefaultTTL = time.Hour

// Capability is an issued callback authorization for one task.
type Capability struct {
	TaskID    string
	Token     string
	ExpiresAt time.Time
	Signature string // hex HMAC-SHA256 over "taskID:expiresAt:token"
}

// Params are the raw query-string values carried by a callback request.
// TaskID and Signature are still base64-encoded at this point.
type Params struct {
	TaskID    string
	Token     string
	ExpiresAt string
	Signature string
}

// ParamsFromQuery pulls the capability parameters out of a callback URL query.
func ParamsFromQuery(q url.Values) (Params, error) {
	p := Params{
		TaskID:    q.Get("task_id"),
		Token:     q.Get("token"),
		ExpiresAt: q.Get("expires_at"),
		Signature: q.Get("signature"),
	}
	if p.TaskID == "" || p.Token == "" || p.ExpiresAt == "" || p.Signature == "" {
		return Params{}, ErrMalformed
	}
	return p, nil
}

// Signer issues and verifies capability tokens with a shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a capability for taskID valid for the signer's TTL.
func (s *Signer) Issue(taskID string) Capability {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is not recoverable
		panic(err)
	}
	tok := hex.EncodeToString(buf)
	exp := s.now().Add(s.ttl)
	return Capability{
		TaskID:    taskID,
		Token:     tok,
		ExpiresAt: exp,
		Signature: s.sign(taskID, exp.Unix(), tok),
	}
}

// Verify checks expiry and signature and returns the decoded task id.
// It does not compare the bearer token against the task record; callers do
// that with the returned id. Verification has no side effects.
func (s *Signer) Verify(p Params, now time.Time) (string, error) {
	taskID, err := decode(p.TaskID)
	if err != nil {
		return "", ErrMalformed
	}
	exp, err := strconv.ParseInt(p.ExpiresAt, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	// Fail fast on expiry before doing any hashing.
	if now.Unix() > exp {
		return "", ErrExpired
	}
	sig, err := decode(p.Signature)
	if err != nil {
		return "", ErrMalformed
	}
	want := s.sign(taskID, exp, p.Token)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrInvalidSignature
	}
	return taskID, nil
}

func (s *Signer) sign(taskID string, expiresAt int64, tok string) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d:%s", taskID, expiresAt, tok)
	return hex.EncodeToString(mac.Sum(nil))
}

// Values renders the capability as callback query parameters.
func (c Capability) Values() url.Values {
	q := url.Values{}
	q.Set("task_id", encode(c.TaskID))
	q.Set("token", c.Token)
	q.Set("expires_at", strconv.FormatInt(c.ExpiresAt.Unix(), 10))
	q.Set("signature", encode(c.Signature))
	return q
}

// URL builds the full callback URL against base, e.g.
// http://host/mcp/callback?task_id=...&token=...&expires_at=...&signature=...
func (c Capability) URL(base string) string {
	return base + "?" + c.Values().Encode()
}

func encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decode(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
