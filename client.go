/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Default HTTP request timeout for pushes to application services.
const requestTimeout time.Duration = time.Duration(30) * time.Second

// transactionsPath is the stable prefix transactions are PUT to.
const transactionsPath = "/_matrix/app/v1/transactions/"

// A Client pushes transactions and directory queries to application services
// over HTTP. It centralises a number of configurable options, such as
// timeouts, authentication style and request pacing, and is safe for
// concurrent use by the per-service delivery workers.
type Client struct {
	client     http.Client
	userAgent  string
	legacyAuth bool

	pushRate  rate.Limit
	pushBurst int

	limitersMutex sync.Mutex
	limiters      map[string]*rate.Limiter
}

type clientOptions struct {
	transport  http.RoundTripper
	timeout    time.Duration
	userAgent  string
	legacyAuth bool
	pushRate   float64
	pushBurst  int
}

// ClientOption are supplied to NewClient.
type ClientOption func(*clientOptions)

// NewClient makes a new Client. You can supply zero or more ClientOptions
// which control the transport, timeout, authentication style etc - see
// WithTransport, WithTimeout, WithLegacyAuth, WithPushRateLimit.
func NewClient(options ...ClientOption) *Client {
	clientOpts := &clientOptions{
		timeout: requestTimeout,
	}
	for _, option := range options {
		option(clientOpts)
	}
	client := &Client{
		client: http.Client{
			Transport: clientOpts.transport,
			Timeout:   clientOpts.timeout,
		},
		userAgent:  clientOpts.userAgent,
		legacyAuth: clientOpts.legacyAuth,
		pushRate:   rate.Limit(clientOpts.pushRate),
		pushBurst:  clientOpts.pushBurst,
		limiters:   make(map[string]*rate.Limiter),
	}
	if client.pushBurst < 1 {
		client.pushBurst = 1
	}
	return client
}

// WithTransport is an option that can be supplied to NewClient, mainly so
// tests can intercept outbound requests.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(options *clientOptions) {
		options.transport = transport
	}
}

// WithTimeout is an option that can be supplied to NewClient.
func WithTimeout(duration time.Duration) ClientOption {
	return func(options *clientOptions) {
		options.timeout = duration
	}
}

// WithUserAgent sets the user agent string that is sent in the headers of
// outbound HTTP requests.
func WithUserAgent(ua string) ClientOption {
	return func(options *clientOptions) {
		options.userAgent = ua
	}
}

// WithLegacyAuth makes the client authenticate through the deprecated
// access_token query parameter instead of the Authorization header, for
// application services that predate Matrix v1.4.
func WithLegacyAuth() ClientOption {
	return func(options *clientOptions) {
		options.legacyAuth = true
	}
}

// WithPushRateLimit paces transaction pushes to services whose registrations
// are marked rate_limited, to at most perSecond requests with the given
// burst. Without this option no pacing is applied.
func WithPushRateLimit(perSecond float64, burst int) ClientOption {
	return func(options *clientOptions) {
		options.pushRate = perSecond
		options.pushBurst = burst
	}
}

func (ac *Client) limiter(serviceID string) *rate.Limiter {
	ac.limitersMutex.Lock()
	defer ac.limitersMutex.Unlock()
	limiter, ok := ac.limiters[serviceID]
	if !ok {
		limiter = rate.NewLimiter(ac.pushRate, ac.pushBurst)
		ac.limiters[serviceID] = limiter
	}
	return limiter
}

// buildURL joins a service base URL with a request path, optionally carrying
// the hs_token as a legacy query parameter.
func (ac *Client) buildURL(service *ApplicationService, path string) string {
	requestURL := strings.TrimSuffix(service.URL, "/") + path
	if ac.legacyAuth {
		requestURL += "?" + url.Values{"access_token": []string{service.HSToken}}.Encode()
	}
	return requestURL
}

// PushTransaction delivers one transaction to its application service with a
// single PUT request. A 2xx response from the service acknowledges the whole
// transaction and returns nil; anything else, including transport failures,
// returns a TransactionSendError and the caller is expected to retry with the
// same transaction ID.
//
// Services registered without a URL have deliveries silently discarded, so
// pushing to them always succeeds.
func (ac *Client) PushTransaction(ctx context.Context, txn *Transaction) error {
	service := txn.Service
	if service == nil {
		return fmt.Errorf("appservice: transaction without a service")
	}
	if service.URL == "" {
		return nil
	}
	fail := func(statusCode int, err error) error {
		return TransactionSendError{
			ServiceID:  service.ID,
			TxnID:      txn.TxnID,
			StatusCode: statusCode,
			Err:        err,
		}
	}
	if service.RateLimited && ac.pushRate > 0 {
		if err := ac.limiter(service.ID).Wait(ctx); err != nil {
			return fail(0, err)
		}
	}
	body, err := json.Marshal(txn.Body())
	if err != nil {
		return fail(0, err)
	}
	requestURL := ac.buildURL(service, transactionsPath+strconv.FormatInt(txn.TxnID, 10))
	req, err := http.NewRequest("PUT", requestURL, bytes.NewReader(body))
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if !ac.legacyAuth {
		req.Header.Set("Authorization", "Bearer "+service.HSToken)
	}

	response, err := ac.DoHTTPRequest(ctx, req)
	if response != nil {
		defer response.Body.Close() // nolint: errcheck
	}
	if err != nil {
		return fail(0, err)
	}
	if response.StatusCode/100 != 2 { // not 2xx
		return fail(response.StatusCode, httpError(req, response))
	}
	return nil
}

// QueryUserID asks the application service whether it is willing to create
// the given user. A 2xx response means the service recognises the user and
// the homeserver should provision it; a 404 means it does not.
func (ac *Client) QueryUserID(ctx context.Context, service *ApplicationService, userID string) (bool, error) {
	return ac.queryExists(ctx, service, "/_matrix/app/v1/users/"+url.PathEscape(userID))
}

// QueryRoomAlias asks the application service whether it is willing to create
// the room for the given alias. A 2xx response means the service has created
// it and the alias lookup should be retried; a 404 means it does not exist.
func (ac *Client) QueryRoomAlias(ctx context.Context, service *ApplicationService, alias string) (bool, error) {
	return ac.queryExists(ctx, service, "/_matrix/app/v1/rooms/"+url.PathEscape(alias))
}

func (ac *Client) queryExists(ctx context.Context, service *ApplicationService, path string) (bool, error) {
	if service.URL == "" {
		return false, nil
	}
	req, err := http.NewRequest("GET", ac.buildURL(service, path), nil)
	if err != nil {
		return false, err
	}
	if !ac.legacyAuth {
		req.Header.Set("Authorization", "Bearer "+service.HSToken)
	}
	response, err := ac.DoHTTPRequest(ctx, req)
	if response != nil {
		defer response.Body.Close() // nolint: errcheck
	}
	if err != nil {
		return false, err
	}
	switch {
	case response.StatusCode/100 == 2:
		return true, nil
	case response.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, httpError(req, response)
	}
}

// httpError turns a non-2xx response into a gomatrix.HTTPError, attempting to
// parse the body as a standard Matrix error first.
func httpError(req *http.Request, response *http.Response) error {
	contents, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	var wrap error
	var respErr gomatrix.RespError
	if _ = json.Unmarshal(contents, &respErr); respErr.ErrCode != "" {
		wrap = respErr
	}

	// If we failed to decode as RespError, don't just drop the HTTP body, include it in the
	// HTTP error instead (e.g proxy errors which return HTML).
	msg := fmt.Sprintf("Failed to %s JSON (hostname %q path %q)", req.Method, req.Host, req.URL.Path)
	if wrap == nil {
		msg += ": " + string(contents)
	}

	return gomatrix.HTTPError{
		Code:         response.StatusCode,
		Message:      msg,
		WrappedError: wrap,
		Contents:     contents,
	}
}

// DoHTTPRequest creates an outgoing request ID and adds it to the context
// before sending off the request and awaiting a response.
//
// If the returned error is nil, the Response will contain a non-nil
// Body which the caller is expected to close.
func (ac *Client) DoHTTPRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	reqID := util.RandomString(12)
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"out.req.ID":     reqID,
		"out.req.method": req.Method,
		"out.req.uri":    req.URL,
	})
	logger.Trace("Outgoing request")
	newCtx := util.ContextWithLogger(ctx, logger)
	if ac.userAgent != "" {
		req.Header.Set("User-Agent", ac.userAgent)
	}

	start := time.Now()
	resp, err := ac.client.Do(req.WithContext(newCtx))
	if err != nil {
		logger.WithContext(ctx).WithField("error", err).Debug("Outgoing request failed")
		return nil, err
	}

	// we haven't yet read the body, so this is slightly premature, but it's the easiest place.
	logger.WithFields(logrus.Fields{
		"out.req.code":        resp.StatusCode,
		"out.req.duration_ms": int(time.Since(start) / time.Millisecond),
	}).Trace("Outgoing request returned")

	return resp, nil
}
