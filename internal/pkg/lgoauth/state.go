package lgoauth

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Legrand developer portal OAuth2 endpoints and the scopes the bridge
// needs.
const (
	DefaultAuthorizeURL = "https://developer.legrand.com/oauth/authorize"
	DefaultTokenURL     = "https://developer.legrand.com/oauth/token"
)

var DefaultScopes = []string{"topology.read", "comfort.read", "comfort.write"}

const defaultMinAccessTokenValidity = time.Second * 60

// State is the file-backed credential for one Legrand account: the OAuth2
// client identity plus the current access/refresh token pair.
type State struct {
	ClientID               string
	Scopes                 []string
	AuthorizeURL           string
	TokenURL               string
	MinAccessTokenValidity time.Duration

	// non-exported
	clientSecret      string
	accessToken       string
	accessTokenExpiry time.Time
	refreshToken      string
	fileName          string
}

// Version of state that we marshal/unmarshal
type stateMarshal struct {
	ClientID          string    `json:"client-id"`
	Scopes            []string  `json:"scopes"`
	AuthorizeURL      string    `json:"authorize-url"`
	TokenURL          string    `json:"token-url"`
	AccessToken       string    `json:"access-token"`
	AccessTokenExpiry time.Time `json:"access-token-expiry"`
	RefreshToken      string    `json:"refresh-token"`
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens/secrets when stringified
func (s State) String() string {
	return fmt.Sprintf("ClientID [%s], clientSecret [%s], Scopes %v, TokenURL [%s]  accessToken: [%s]  accessTokenExpiry [%s]  refreshToken [%s]",
		s.ClientID, hashOf(s.clientSecret), s.Scopes, s.TokenURL,
		hashOf(s.accessToken), s.accessTokenExpiry, hashOf(s.refreshToken))
}

func NewState() State {
	return State{
		AuthorizeURL:           DefaultAuthorizeURL,
		TokenURL:               DefaultTokenURL,
		Scopes:                 DefaultScopes,
		MinAccessTokenValidity: defaultMinAccessTokenValidity,
	}
}

func (s State) WithClientID(id string) State {
	s.ClientID = id
	return s
}

func (s State) WithClientSecret(secret string) State {
	s.clientSecret = secret
	return s
}

func (s *State) Save(fileName string) error {
	sm := stateMarshal{
		ClientID:          s.ClientID,
		Scopes:            s.Scopes,
		AuthorizeURL:      s.AuthorizeURL,
		TokenURL:          s.TokenURL,
		AccessToken:       s.accessToken,
		AccessTokenExpiry: s.accessTokenExpiry,
		RefreshToken:      s.refreshToken,
	}

	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening oauth state %s for write", fileName)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(sm); err != nil {
		return errors.Wrapf(err, "saving oauth state to %s", fileName)
	}

	// Store for later use
	s.fileName = fileName
	return nil
}

func (s *State) save() error {
	if s.fileName != "" {
		return s.Save(s.fileName)
	}

	logging.Logger(nil).Warn("cannot save oauth state, no file name available")
	return nil
}

func (s *State) Load(fileName string) error {
	sm := stateMarshal{}

	file, err := os.OpenFile(fileName, os.O_RDONLY, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening oauth state %s for read", fileName)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&sm); err != nil {
		return errors.Wrapf(err, "loading oauth state from %s", fileName)
	}

	s.ClientID = sm.ClientID
	if len(sm.Scopes) > 0 {
		s.Scopes = sm.Scopes
	}
	if sm.AuthorizeURL != "" {
		s.AuthorizeURL = sm.AuthorizeURL
	}
	if sm.TokenURL != "" {
		s.TokenURL = sm.TokenURL
	}
	s.accessToken = sm.AccessToken
	s.accessTokenExpiry = sm.AccessTokenExpiry
	s.refreshToken = sm.RefreshToken

	// Store for later use
	s.fileName = fileName

	return nil
}

func (s *State) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.clientSecret,
		Scopes:       s.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.AuthorizeURL,
			TokenURL: s.TokenURL,
		},
	}
}

// AuthCodeURL returns the URL the user must visit to authorize the bridge.
func (s *State) AuthCodeURL(redirectURL string) string {
	conf := s.oauthConfig()
	conf.RedirectURL = redirectURL
	return conf.AuthCodeURL("state", oauth2.AccessTypeOffline)
}

func (s *State) setToken(tok *oauth2.Token) {
	s.accessToken = tok.AccessToken
	s.accessTokenExpiry = tok.Expiry
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
}

// tokenValid reports whether the cached access token is good for at least
// the safety margin.
func (s *State) tokenValid(now time.Time) bool {
	if s.accessToken == "" || (s.accessTokenExpiry == time.Time{}) {
		return false
	}

	return s.accessTokenExpiry.After(now.Add(s.MinAccessTokenValidity))
}
