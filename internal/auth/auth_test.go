package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/models"
)

type staticVerifier struct {
	identity *Identity
	err      error
	token    string
}

func (v *staticVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	v.token = token
	if v.err != nil {
		return nil, v.err
	}
	return v.identity, nil
}

type staticEnsurer struct {
	user *models.User
}

func (e *staticEnsurer) Ensure(ctx context.Context, id int64, email string) (*models.User, error) {
	e.user = &models.User{ID: id, Email: email, Plan: models.PlanFree}
	return e.user, nil
}

func TestMiddlewareInjectsUser(t *testing.T) {
	verifier := &staticVerifier{identity: &Identity{UserID: 7, Email: "a@b.c"}}
	ensurer := &staticEnsurer{}

	var got *models.User
	handler := Middleware(verifier, ensurer, func(w http.ResponseWriter, err error) {
		t.Fatalf("unexpected auth error: %v", err)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.EqualValues(t, 7, got.ID)
	assert.Equal(t, "a@b.c", got.Email)
	assert.Equal(t, "tok-123", verifier.token)
}

func TestMiddlewareRejectsMissingOrMalformedHeader(t *testing.T) {
	for name, header := range map[string]string{
		"absent":      "",
		"no scheme":   "tok-123",
		"wrong kind":  "Basic dXNlcjpwdw==",
		"empty token": "Bearer ",
	} {
		t.Run(name, func(t *testing.T) {
			var authErr error
			handler := Middleware(&staticVerifier{}, &staticEnsurer{}, func(w http.ResponseWriter, err error) {
				authErr = err
				w.WriteHeader(http.StatusUnauthorized)
			})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run")
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.ErrorIs(t, authErr, ErrUnauthenticated)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddlewarePropagatesVerifierError(t *testing.T) {
	var authErr error
	handler := Middleware(&staticVerifier{err: ErrUnauthenticated}, &staticEnsurer{}, func(w http.ResponseWriter, err error) {
		authErr = err
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.ErrorIs(t, authErr, ErrUnauthenticated)
}

func TestClientVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/verify", r.URL.Path)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			json.NewEncoder(w).Encode(Identity{UserID: 3, Email: "x@y.z"})
		case "Bearer empty":
			json.NewEncoder(w).Encode(Identity{})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	id, err := c.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.EqualValues(t, 3, id.UserID)

	_, err = c.Verify(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = c.Verify(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrUnauthenticated, "an identity without a user id is no identity")
}

func TestUserFromContextWithoutMiddleware(t *testing.T) {
	assert.Nil(t, UserFromContext(context.Background()))
}
