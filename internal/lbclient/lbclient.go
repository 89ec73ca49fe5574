// Package lbclient is a client for the load balancer's iControl-REST-style
// API: token login/refresh and pool membership lookups. Token refresh is
// serialised so at most one login is ever in flight.
package lbclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/f5devcentral/llm-inference-lb/pkg/apperror"
)

// defaultTokenTimeout is the lifetime assumed for a login token when the
// login response reports none; the client then attempts to extend it to
// extendedTokenTimeout.
const (
	defaultTokenTimeout  = 1200 * time.Second
	extendedTokenTimeout = 10 * time.Hour
)

// Token is a cached authentication token and its expiry.
type Token struct {
	Value     string
	Name      string
	ExpiresAt time.Time
}

func (t *Token) expired(now time.Time) bool {
	return t == nil || !now.Before(t.ExpiresAt)
}

// HTTPError carries the upstream HTTP status code so callers (the
// membership fetcher's failure classifier) can branch on it without
// string-matching.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("load balancer returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Member is one pool member as reported by the load balancer.
type Member struct {
	IP        string
	Port      int
	Partition string
}

// Client talks to one load-balancer instance.
type Client struct {
	host, username, password string
	port                     int
	baseURL                  string
	httpClient               *http.Client

	mu    sync.Mutex
	token *Token
}

// New builds a client. insecureSkipVerify matches the load balancer's own
// typically self-signed management certificate.
func New(host string, port int, username, password string, insecureSkipVerify bool) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify}, //nolint:gosec
	}
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
		baseURL:  fmt.Sprintf("https://%s:%d/mgmt", host, port),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

type loginRequest struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	LoginProviderName string `json:"loginProviderName"`
}

type loginResponse struct {
	Token struct {
		Token   string `json:"token"`
		Name    string `json:"name"`
		Timeout int    `json:"timeout"`
	} `json:"token"`
}

// Login authenticates and caches the resulting token, then attempts to
// extend its lifetime to extendedTokenTimeout (best-effort: failure to
// extend doesn't fail the login). Held under c.mu for its entire
// duration, so at most one login round-trip is ever in flight.
func (c *Client) Login(ctx context.Context) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

// loginLocked performs the login HTTP round-trip and caches the result.
// Callers must already hold c.mu.
func (c *Client) loginLocked(ctx context.Context) (*Token, error) {
	body, err := json.Marshal(loginRequest{
		Username:          c.username,
		Password:          c.password,
		LoginProviderName: "tmos",
	})
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeAuthFailed, "encoding login request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/shared/authn/login", bytes.NewReader(body))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeAuthFailed, "building login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeAuthFailed, "login request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, apperror.Wrap(&HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}, apperror.CodeAuthFailed, "login rejected")
	}

	var parsed loginResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeAuthFailed, "decoding login response")
	}
	if parsed.Token.Token == "" {
		return nil, apperror.New(apperror.CodeAuthFailed, "login response carried no token")
	}

	timeout := time.Duration(parsed.Token.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	token := &Token{
		Value:     parsed.Token.Token,
		Name:      parsed.Token.Name,
		ExpiresAt: time.Now().Add(timeout),
	}

	c.extendTokenTimeout(ctx, token)

	c.token = token
	return token, nil
}

type extendRequest struct {
	Timeout string `json:"timeout"`
}

type extendResponse struct {
	Timeout int `json:"timeout"`
}

// extendTokenTimeout tries to push the token's lifetime out to
// extendedTokenTimeout. Best-effort: any failure is silently ignored and
// the token keeps its shorter login lifetime.
func (c *Client) extendTokenTimeout(ctx context.Context, token *Token) {
	body, err := json.Marshal(extendRequest{Timeout: strconv.Itoa(int(extendedTokenTimeout.Seconds()))})
	if err != nil {
		return
	}
	url := c.baseURL + "/shared/authz/tokens/" + token.Name
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-F5-Auth-Token", token.Value)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var parsed extendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.Timeout <= 0 {
		return
	}
	token.ExpiresAt = time.Now().Add(time.Duration(parsed.Timeout) * time.Second)
}

// ensureValidToken returns the cached token if unexpired, else logs in.
// The expiry check and the login it may trigger happen under the same
// lock acquisition, so a second caller that arrives while a login is in
// flight waits for it and then re-checks, rather than starting its own.
func (c *Client) ensureValidToken(ctx context.Context) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.token.expired(time.Now()) {
		return c.token, nil
	}
	return c.loginLocked(ctx)
}

// dropToken clears the cached token, forcing the next call to re-login. It
// first asks the load balancer to delete the token server-side, mirroring
// the source's delete_token behaviour; the delete is fire-and-forget, since
// a token the server already considers expired or unauthorised will fail
// the delete too, and that's not a reason to keep using it locally.
func (c *Client) dropToken(ctx context.Context) {
	c.mu.Lock()
	token := c.token
	c.token = nil
	c.mu.Unlock()

	if token == nil || token.Value == "" {
		return
	}
	c.deleteToken(ctx, token)
}

func (c *Client) deleteToken(ctx context.Context, token *Token) {
	url := c.baseURL + "/shared/authz/tokens/" + token.Name
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("X-F5-Auth-Token", token.Value)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

type poolMembersResponse struct {
	Items []struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"items"`
}

// GetPoolMembers fetches the current member list for a pool/partition. On
// an unauthorised response it drops the cached token, re-authenticates,
// and retries exactly once.
func (c *Client) GetPoolMembers(ctx context.Context, poolName, partition string) ([]Member, error) {
	token, err := c.ensureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	members, err := c.fetchPoolMembers(ctx, poolName, partition, token)
	if err == nil {
		return members, nil
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		return nil, err
	}

	c.dropToken(ctx)
	token, err = c.Login(ctx)
	if err != nil {
		return nil, err
	}
	return c.fetchPoolMembers(ctx, poolName, partition, token)
}

func (c *Client) fetchPoolMembers(ctx context.Context, poolName, partition string, token *Token) ([]Member, error) {
	url := fmt.Sprintf("%s/tm/ltm/pool/~%s~%s/members", c.baseURL, partition, poolName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeFetchSerious, "building pool members request")
	}
	req.Header.Set("X-F5-Auth-Token", token.Value)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err // classified by the caller from the raw net error
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed poolMembersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeFetchSerious, "decoding pool members response")
	}

	members := make([]Member, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Address == "" {
			continue
		}
		idx := strings.LastIndex(item.Name, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(item.Name[idx+1:])
		if err != nil || port == 0 {
			continue
		}
		members = append(members, Member{IP: item.Address, Port: port, Partition: partition})
	}
	return members, nil
}
