package jwt

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken(&Payload{ID: "U1", Nickname: "alice"}, testSecret, time.Hour)
	require.NoError(t, err)

	payload, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "U1", payload.ID)
	assert.Equal(t, "alice", payload.Nickname)
	assert.Equal(t, TokenIssuer, payload.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), payload.Expiry(), 5*time.Second)

	_, err = ParseToken(token, "other-secret")
	assert.Error(t, err)
}

func TestParseTokenRejectsExpiredAndAnonymous(t *testing.T) {
	expired, err := GenerateToken(&Payload{ID: "U1"}, testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, testSecret)
	assert.Error(t, err)

	anonymous, err := GenerateToken(&Payload{}, testSecret, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(anonymous, testSecret)
	assert.Error(t, err)
}

func TestMiddlewareReadsHeaderAndQuery(t *testing.T) {
	token, err := GenerateToken(&Payload{ID: "U1"}, testSecret, time.Hour)
	require.NoError(t, err)

	var seen *Payload
	h := IdentityExtractorMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPayloadFromContext(r)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), r)
	require.NotNil(t, seen)
	assert.Equal(t, "U1", seen.ID)

	seen = nil
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	require.NotNil(t, seen)
	assert.Equal(t, "U1", seen.ID)

	seen = nil
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Nil(t, seen)
}

func TestRequireIdentity(t *testing.T) {
	h := RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":3001`)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithPayload(r.Context(), &Payload{ID: "U1"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
