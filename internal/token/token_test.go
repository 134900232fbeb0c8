package token

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	c := s.Issue("tsk_abc123")

	require.NotEmpty(t, c.Token)
	require.NotEmpty(t, c.Signature)
	assert.WithinDuration(t, time.Now().Add(time.Hour), c.ExpiresAt, 5*time.Second)

	p, err := ParamsFromQuery(c.Values())
	require.NoError(t, err)

	id, err := s.Verify(p, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "tsk_abc123", id)
}

func TestVerifyExpired(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	c := s.Issue("tsk_abc123")

	p, err := ParamsFromQuery(c.Values())
	require.NoError(t, err)

	// Past the expiry window the token must be rejected even though the
	// signature is valid.
	_, err = s.Verify(p, c.ExpiresAt.Add(time.Second))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := NewSigner("secret-a", time.Hour)
	verifier := NewSigner("secret-b", time.Hour)

	c := issuer.Issue("tsk_abc123")
	p, err := ParamsFromQuery(c.Values())
	require.NoError(t, err)

	_, err = verifier.Verify(p, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTamperedTaskID(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	c := s.Issue("tsk_abc123")

	q := c.Values()
	q.Set("task_id", encode("tsk_other"))
	p, err := ParamsFromQuery(q)
	require.NoError(t, err)

	_, err = s.Verify(p, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTamperedExpiry(t *testing.T) {
	s := NewSigner("test-secret", time.Minute)
	c := s.Issue("tsk_abc123")

	// Extending the expiry invalidates the signature.
	q := c.Values()
	q.Set("expires_at", "99999999999")
	p, err := ParamsFromQuery(q)
	require.NoError(t, err)

	_, err = s.Verify(p, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParamsFromQueryMissingFields(t *testing.T) {
	q := url.Values{}
	q.Set("task_id", "abc")
	q.Set("token", "tok")

	_, err := ParamsFromQuery(q)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyGarbageEncoding(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	p := Params{TaskID: "%%%not-base64%%%", Token: "tok", ExpiresAt: "9999999999", Signature: "sig"}

	_, err := s.Verify(p, time.Now())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeDecodeTaskID(t *testing.T) {
	for _, id := range []string{"tsk_1", "tsk_with-dash_and_underscore", "66f2a9c4e1b2d3"} {
		got, err := decode(encode(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}
