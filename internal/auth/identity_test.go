package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertionRoundTrip(t *testing.T) {
	signer, err := NewAssertionSigner("s3cret", time.Minute)
	require.NoError(t, err)

	in := Introspection{
		SessionID:   "sess",
		UserID:      "user",
		UserState:   StateActive,
		Permissions: map[string][]string{"billing": {"read"}},
	}
	token, err := signer.Sign(in)
	require.NoError(t, err)

	out, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	p := NewHeaderIdentity(signer, "billing")
	s, err := p.Identify(context.Background(), Credentials{Assertion: token})
	require.NoError(t, err)
	assert.True(t, s.Authenticated)
	assert.Equal(t, "sess", s.SessionID)
	assert.Contains(t, s.Permissions, "read")

	s, err = p.Identify(context.Background(), Credentials{})
	require.NoError(t, err)
	assert.False(t, s.Authenticated)
}

func TestAssertionRejections(t *testing.T) {
	signer, err := NewAssertionSigner("s3cret", time.Minute)
	require.NoError(t, err)
	token, err := signer.Sign(Introspection{SessionID: "sess", UserID: "user", UserState: StateActive})
	require.NoError(t, err)

	other, err := NewAssertionSigner("different", time.Minute)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)

	later := time.Now().Add(2 * time.Minute)
	signer.now = func() time.Time { return later }
	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": assertionIssuer, "sub": "user", "sid": "sess", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = other.Verify(unsigned)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)

	_, err = NewAssertionSigner("", time.Minute)
	assert.Error(t, err)
}

type failingProvider struct{}

func (failingProvider) Identify(context.Context, Credentials) (Subject, error) {
	return Anonymous(), errors.New("boom")
}

func TestSubjectContext(t *testing.T) {
	ctx := context.Background()
	assert.False(t, SubjectFromContext(ctx).Authenticated)
	_, ok := UserIDFromContext(ctx)
	assert.False(t, ok)

	ctx = ContextWithSubject(ctx, NewSubject("u1", "s1", StateActive, nil))
	id, ok := UserIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	ctx = ContextWithToken(ctx, "tok")
	tok, ok := TokenFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)

	var p IdentityProvider = failingProvider{}
	s, err := p.Identify(ctx, Credentials{})
	assert.Error(t, err)
	assert.False(t, s.Authenticated)
}
