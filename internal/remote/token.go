package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken is returned when no access token is available
var ErrNoToken = errors.New("remote: no access token")

// TokenSource supplies the bearer token for each request.
// The token is opaque to this package.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// FileTokenSource reads the token from a JSON file on every call, so a token
// refreshed by the login flow is picked up without a restart.
type FileTokenSource struct {
	path string
}

// NewFileTokenSource returns a TokenSource backed by path
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

type tokenFile struct {
	AccessToken string `json:"access_token"`
}

// Token returns the stored access token or ErrNoToken
func (s *FileTokenSource) Token(ctx context.Context) (string, error) {
	if s.path == "" {
		return "", ErrNoToken
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrNoToken, s.path, err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("%w: parsing %s: %v", ErrNoToken, s.path, err)
	}

	token := strings.TrimSpace(tf.AccessToken)
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// StaticToken is a fixed token, used by tests and one-shot commands
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}
