package protocol

import (
	"encoding/base64"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AuthType names the active credential variant.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthBasic
	AuthBearer
	AuthAPIKey
)

func (t AuthType) String() string {
	switch t {
	case AuthBasic:
		return "basic"
	case AuthBearer:
		return "bearer"
	case AuthAPIKey:
		return "apikey"
	}
	return "none"
}

// AuthConfig is one of NoAuth, BasicAuth, BearerAuth or APIKeyAuth.
type AuthConfig interface {
	Type() AuthType
}

// NoAuth disables credential injection.
type NoAuth struct{}

// BasicAuth sends username and password in the Authorization header.
type BasicAuth struct {
	Username string
	Password string
}

// BearerAuth sends a token in the Authorization header. When Source is
// set it is asked for a new token once the current one is about to expire.
type BearerAuth struct {
	Token  string
	Source oauth2.TokenSource
	Expiry time.Time
}

// Placement says where an API key travels.
type Placement int

const (
	PlacementHeader Placement = iota
	PlacementQuery
)

// APIKeyAuth sends a named key either as a header or as a query parameter.
type APIKeyAuth struct {
	Name      string
	Value     string
	Placement Placement
}

func (NoAuth) Type() AuthType     { return AuthNone }
func (BasicAuth) Type() AuthType  { return AuthBasic }
func (BearerAuth) Type() AuthType { return AuthBearer }
func (APIKeyAuth) Type() AuthType { return AuthAPIKey }

// RefreshSkew is how long before expiry a bearer token is refreshed.
const RefreshSkew = 30 * time.Second

// TokenSourceFunc adapts a function to oauth2.TokenSource.
type TokenSourceFunc func() (*oauth2.Token, error)

func (f TokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

// AuthManager injects credentials into outgoing header lists.
// It is safe for concurrent use.
type AuthManager struct {
	mu  sync.Mutex
	cfg AuthConfig
	now func() time.Time
}

// NewAuthManager creates a manager with no credentials configured.
func NewAuthManager() *AuthManager {
	return &AuthManager{cfg: NoAuth{}, now: time.Now}
}

// AuthFor returns a manager configured with cfg.
func AuthFor(cfg AuthConfig) *AuthManager {
	m := NewAuthManager()
	m.Configure(cfg)
	return m
}

// Configure replaces the active credentials.
func (m *AuthManager) Configure(cfg AuthConfig) {
	if cfg == nil {
		cfg = NoAuth{}
	}
	if b, ok := cfg.(BearerAuth); ok && b.Expiry.IsZero() {
		b.Expiry = tokenExpiry(b.Token)
		cfg = b
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config returns the active credentials.
func (m *AuthManager) Config() AuthConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetBasicAuth switches to basic credentials.
func (m *AuthManager) SetBasicAuth(username, password string) {
	m.Configure(BasicAuth{Username: username, Password: password})
}

// SetBearerToken switches to a bearer token. source may be nil.
func (m *AuthManager) SetBearerToken(token string, source oauth2.TokenSource) {
	m.Configure(BearerAuth{Token: token, Source: source})
}

// SetBearerExpiry overrides the expiry of the current bearer token.
func (m *AuthManager) SetBearerExpiry(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.cfg.(BearerAuth); ok {
		b.Expiry = t
		m.cfg = b
	}
}

// SetAPIKey switches to API key credentials.
func (m *AuthManager) SetAPIKey(name, value string, placement Placement) {
	m.Configure(APIKeyAuth{Name: name, Value: value, Placement: placement})
}

// Clear removes any configured credentials.
func (m *AuthManager) Clear() {
	m.Configure(NoAuth{})
}

// ApplyAuth appends the configured credentials to headers. A bearer token
// that is missing or due is fetched first; if that fails nothing is appended.
func (m *AuthManager) ApplyAuth(headers *Headers) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch cfg := m.cfg.(type) {
	case BasicAuth:
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers.Add("Authorization", "Basic "+creds)

	case BearerAuth:
		if cfg.Source != nil && (cfg.Token == "" || m.due(cfg.Expiry)) {
			tok, err := cfg.Source.Token()
			if err != nil {
				return Wrap(KindInvalidState, err, "refresh bearer token")
			}
			cfg.Token = tok.AccessToken
			cfg.Expiry = tok.Expiry
			if cfg.Expiry.IsZero() {
				cfg.Expiry = tokenExpiry(cfg.Token)
			}
			m.cfg = cfg
		}
		headers.Add("Authorization", "Bearer "+cfg.Token)

	case APIKeyAuth:
		if cfg.Placement == PlacementHeader {
			headers.Add(cfg.Name, cfg.Value)
		}
	}
	return nil
}

// QueryParam returns the API key when it is configured for query placement.
func (m *AuthManager) QueryParam() (name, value string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, isKey := m.cfg.(APIKeyAuth); isKey && cfg.Placement == PlacementQuery {
		return cfg.Name, cfg.Value, true
	}
	return "", "", false
}

func (m *AuthManager) due(expiry time.Time) bool {
	if expiry.IsZero() {
		return false
	}
	return !m.now().Add(RefreshSkew).Before(expiry)
}

// AppendQuery adds name=value to the end of the query string of rawURL.
// Existing parameters keep their order and encoding.
func AppendQuery(rawURL, name, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", Wrap(KindInvalidConfig, err, "parse url")
	}
	pair := url.QueryEscape(name) + "=" + url.QueryEscape(value)
	switch {
	case u.RawQuery == "":
		u.RawQuery = pair
	case strings.HasSuffix(u.RawQuery, "&"):
		u.RawQuery += pair
	default:
		u.RawQuery += "&" + pair
	}
	return u.String(), nil
}

// applyRequestAuth folds req.Auth into headers and, for query-placed keys,
// into the returned URL.
func applyRequestAuth(req *Request, headers *Headers) (string, error) {
	if req.Auth == nil || req.Auth.Type() == AuthNone {
		return req.URL, nil
	}
	m := AuthFor(req.Auth)
	if err := m.ApplyAuth(headers); err != nil {
		return "", err
	}
	if name, value, ok := m.QueryParam(); ok {
		return AppendQuery(req.URL, name, value)
	}
	return req.URL, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it. Opaque
// tokens never expire.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
