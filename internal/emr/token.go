package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"carelink.io/carelink/internal/pkg/errors"
)

// tokenSource fetches and caches an OAuth client-credentials bearer token.
// The token is refreshed slightly before expiry so in-flight requests never
// carry a token about to lapse.
type tokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	http         *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

const tokenExpirySlack = 30 * time.Second

func newTokenSource(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenSource {
	return &tokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         httpClient,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token returns a valid bearer token, fetching a fresh one when needed.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires) {
		return s.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", errors.Retryable(err, errors.CodeEMRUnavailable, "emr token request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Retryable(nil, errors.CodeEMRUnavailable,
			fmt.Sprintf("emr token endpoint returned status %d", resp.StatusCode))
	}

	var out tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", errors.Retryable(err, errors.CodeEMRUnavailable, "decode emr token response")
	}
	if out.AccessToken == "" {
		return "", errors.Retryable(nil, errors.CodeEMRUnavailable, "emr token endpoint returned empty token")
	}

	s.token = out.AccessToken
	s.expires = s.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenExpirySlack)
	return s.token, nil
}
