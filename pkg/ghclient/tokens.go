/*
Copyright 2025 The FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ghclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v53/github"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

// tokenSkew is subtracted from a token's expiry before it is considered
// stale, so a token is never used in its final minute.
const tokenSkew = time.Minute

// appJWTLifetime is the lifetime of the app-level JWT. GitHub caps it
// at ten minutes.
const appJWTLifetime = 10 * time.Minute

// AppsTransport authenticates requests as the GitHub App itself by
// minting a short-lived RS256 JWT per request. Installation-scoped
// calls go through installationTransport instead.
type AppsTransport struct {
	base  http.RoundTripper
	appID int64
	key   *rsa.PrivateKey
	now   func() time.Time
}

// NewAppsTransport wraps base with app JWT authentication.
func NewAppsTransport(base http.RoundTripper, appID int64, key *rsa.PrivateKey) *AppsTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AppsTransport{base: base, appID: appID, key: key, now: time.Now}
}

// RoundTrip implements http.RoundTripper.
func (t *AppsTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer: strconv.FormatInt(t.appID, 10),
		// Backdated to absorb clock skew between us and the host.
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return nil, errors.Wrap(err, "signing app JWT")
	}
	req := r.Clone(r.Context())
	req.Header.Set("Authorization", "Bearer "+signed)
	return t.base.RoundTrip(req)
}

// appsService is the slice of go-github used for minting installation
// tokens.
type appsService interface {
	CreateInstallationToken(ctx context.Context, id int64, opts *github.InstallationTokenOptions) (*github.InstallationToken, *github.Response, error)
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// TokenManager caches installation tokens until shortly before expiry
// and refreshes them under a single-flight lock per installation, so a
// burst of workers never stampedes the token endpoint.
type TokenManager struct {
	apps appsService
	now  func() time.Time

	mu    sync.Mutex
	cache map[int64]cachedToken
	group singleflight.Group
}

// NewTokenManager returns a TokenManager backed by the given apps
// service (an app-JWT-authenticated go-github client).
func NewTokenManager(apps appsService) *TokenManager {
	return &TokenManager{
		apps:  apps,
		now:   time.Now,
		cache: map[int64]cachedToken{},
	}
}

// Token returns a valid installation token and its expiry, minting a
// fresh one when the cached token is within tokenSkew of expiring.
func (m *TokenManager) Token(ctx context.Context, installation int64) (string, time.Time, error) {
	m.mu.Lock()
	if c, ok := m.cache[installation]; ok && c.expiry.Add(-tokenSkew).After(m.now()) {
		m.mu.Unlock()
		return c.token, c.expiry, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(strconv.FormatInt(installation, 10), func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have
		// refreshed while we queued.
		m.mu.Lock()
		if c, ok := m.cache[installation]; ok && c.expiry.Add(-tokenSkew).After(m.now()) {
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()

		tok, _, err := m.apps.CreateInstallationToken(ctx, installation, nil)
		if err != nil {
			return nil, flakeerrors.Wrap(flakeerrors.AuthFailure, err,
				fmt.Sprintf("minting token for installation %d", installation))
		}
		c := cachedToken{token: tok.GetToken(), expiry: tok.GetExpiresAt().Time}
		m.mu.Lock()
		m.cache[installation] = c
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	c := v.(cachedToken)
	return c.token, c.expiry, nil
}

// Invalidate drops a cached token after an auth failure so the next
// call mints a fresh one.
func (m *TokenManager) Invalidate(installation int64) {
	m.mu.Lock()
	delete(m.cache, installation)
	m.mu.Unlock()
}

// installationTransport injects the current installation token into
// every request.
type installationTransport struct {
	base         http.RoundTripper
	mgr          *TokenManager
	installation int64
}

func (t *installationTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	token, _, err := t.mgr.Token(r.Context(), t.installation)
	if err != nil {
		return nil, err
	}
	req := r.Clone(r.Context())
	req.Header.Set("Authorization", "token "+token)
	return t.base.RoundTrip(req)
}
