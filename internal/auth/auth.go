// Package auth delegates bearer-token verification to the external auth
// service and attaches the resolved user to the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/models"
)

// ErrUnauthenticated covers missing, malformed and rejected tokens alike.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is what the auth service returns for a valid token.
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify asks the auth service who the token belongs to.
func (c *Client) Verify(ctx context.Context, token string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/verify", nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("auth service: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if id.UserID == 0 {
		return nil, ErrUnauthenticated
	}
	return &id, nil
}

type contextKey struct{}

// UserFromContext returns the authenticated user placed by Middleware.
func UserFromContext(ctx context.Context) *models.User {
	u, _ := ctx.Value(contextKey{}).(*models.User)
	return u
}

// UserEnsurer loads-or-creates the local user row for an identity.
type UserEnsurer interface {
	Ensure(ctx context.Context, id int64, email string) (*models.User, error)
}

// Verifier is the token-checking surface, satisfied by Client.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved user in the request context.
func Middleware(verifier Verifier, users UserEnsurer, onError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				onError(w, ErrUnauthenticated)
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				onError(w, err)
				return
			}

			user, err := users.Ensure(r.Context(), identity.UserID, identity.Email)
			if err != nil {
				onError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
