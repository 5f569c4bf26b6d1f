package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestApplyAuthNoop(t *testing.T) {
	m := NewAuthManager()
	h := Headers{{Name: "Accept", Value: "*/*"}}

	require.NoError(t, m.ApplyAuth(&h))
	assert.Len(t, h, 1)
}

func TestApplyAuthBasic(t *testing.T) {
	m := NewAuthManager()
	m.SetBasicAuth("user", "pass")

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, Headers{{Name: "Authorization", Value: "Basic dXNlcjpwYXNz"}}, h)
}

func TestApplyAuthBearerWithoutRefresh(t *testing.T) {
	m := NewAuthManager()
	m.SetBearerToken("abc123", nil)

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, "Bearer abc123", h.Get("Authorization"))
}

func TestApplyAuthBearerRefreshesWhenDue(t *testing.T) {
	calls := 0
	source := TokenSourceFunc(func() (*oauth2.Token, error) {
		calls++
		return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
	})

	m := NewAuthManager()
	m.SetBearerToken("stale", source)
	m.SetBearerExpiry(time.Now().Add(-time.Minute))

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, "Bearer fresh", h.Get("Authorization"))
	assert.Equal(t, 1, calls)

	h = nil
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, "Bearer fresh", h.Get("Authorization"))
	assert.Equal(t, 1, calls, "a fresh token must not be refreshed again")
}

func TestApplyAuthBearerRefreshesWithinSkew(t *testing.T) {
	calls := 0
	source := TokenSourceFunc(func() (*oauth2.Token, error) {
		calls++
		return &oauth2.Token{AccessToken: "next"}, nil
	})

	m := NewAuthManager()
	m.Configure(BearerAuth{Token: "current", Source: source, Expiry: time.Now().Add(RefreshSkew / 2)})

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, "Bearer next", h.Get("Authorization"))
	assert.Equal(t, 1, calls)
}

func TestApplyAuthBearerFetchesMissingToken(t *testing.T) {
	source := TokenSourceFunc(func() (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "issued", Expiry: time.Now().Add(time.Hour)}, nil
	})

	m := NewAuthManager()
	m.SetBearerToken("", source)

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, "Bearer issued", h.Get("Authorization"))
}

func TestApplyAuthBearerReadsJWTExpiry(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	source := TokenSourceFunc(func() (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "renewed"}, nil
	})

	m := NewAuthManager()
	m.SetBearerToken(expired, source)

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, "Bearer renewed", h.Get("Authorization"))
}

func TestApplyAuthBearerOpaqueTokenNeverRefreshes(t *testing.T) {
	source := TokenSourceFunc(func() (*oauth2.Token, error) {
		t.Fatal("opaque tokens have no expiry and must not be refreshed")
		return nil, nil
	})

	m := NewAuthManager()
	m.SetBearerToken("opaque", source)

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, "Bearer opaque", h.Get("Authorization"))
}

func TestApplyAuthBearerRefreshFailure(t *testing.T) {
	source := TokenSourceFunc(func() (*oauth2.Token, error) {
		return nil, errors.New("token endpoint down")
	})

	m := NewAuthManager()
	m.SetBearerToken("old", source)
	m.SetBearerExpiry(time.Now().Add(-time.Second))

	var h Headers
	err := m.ApplyAuth(&h)
	require.Error(t, err)
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Empty(t, h)
}

func TestApplyAuthAPIKey(t *testing.T) {
	m := NewAuthManager()
	m.SetAPIKey("X-API-Key", "k-1", PlacementHeader)

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Equal(t, Headers{{Name: "X-API-Key", Value: "k-1"}}, h)

	_, _, ok := m.QueryParam()
	assert.False(t, ok)
}

func TestApplyAuthAPIKeyQueryPlacementAppendsNothing(t *testing.T) {
	m := NewAuthManager()
	m.SetAPIKey("api_key", "k-2", PlacementQuery)

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Empty(t, h)

	name, value, ok := m.QueryParam()
	require.True(t, ok)
	assert.Equal(t, "api_key", name)
	assert.Equal(t, "k-2", value)
}

func TestAuthClear(t *testing.T) {
	m := NewAuthManager()
	m.SetBasicAuth("a", "b")
	m.Clear()

	var h Headers
	require.NoError(t, m.ApplyAuth(&h))
	assert.Empty(t, h)
	assert.Equal(t, AuthNone, m.Config().Type())
}

func TestAppendQuery(t *testing.T) {
	got, err := AppendQuery("https://api.example.com/v1/items?page=2", "api_key", "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/items?page=2&api_key=s3cr3t", got)

	got, err = AppendQuery("http://localhost/sig?z=1&a=hello%20world", "key", "v")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/sig?z=1&a=hello%20world&key=v", got)

	got, err = AppendQuery("http://localhost/x?a=1&", "my key", "a&b")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/x?a=1&my+key=a%26b", got)
}

func TestApplyRequestAuthFoldsQueryKey(t *testing.T) {
	req := &Request{
		URL:  "http://localhost/data",
		Auth: APIKeyAuth{Name: "key", Value: "v", Placement: PlacementQuery},
	}
	var h Headers
	u, err := applyRequestAuth(req, &h)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/data?key=v", u)
	assert.Empty(t, h)
}
