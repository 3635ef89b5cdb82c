package scm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	err := &Error{Status: 429, Message: "rate limited"}
	assert.Equal(t, 429, HTTPStatus(err))

	wrapped := errors.Join(errors.New("outer"), err)
	assert.Equal(t, 429, HTTPStatus(wrapped))

	assert.Equal(t, 502, HTTPStatus(errors.New("plain")))
	assert.Equal(t, 502, HTTPStatus(&Error{Message: "no status"}))
}

func TestGeneratePushCredentials_NoToken(t *testing.T) {
	g := NewGitHub("", "")
	_, err := g.GeneratePushCredentials(context.Background(), "acme", "web-app")
	require.Error(t, err)
	assert.Equal(t, 503, HTTPStatus(err))
}

func TestGeneratePushCredentials(t *testing.T) {
	g := NewGitHub("tok", "")
	creds, err := g.GeneratePushCredentials(context.Background(), "acme", "web-app")
	require.NoError(t, err)
	assert.Equal(t, "x-access-token", creds.Username)
	assert.Equal(t, "tok", creds.Token)
	assert.Equal(t, "https://github.com/acme/web-app.git", creds.RemoteURL)
}
