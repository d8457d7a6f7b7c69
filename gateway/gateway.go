// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package gateway implements the HTTP client side of the gateway surface
// the engine and periodic driver depend on: fetching an address's pubkey
// by tag or ripe-hash, submitting a finished object for dissemination,
// and pulling inbound objects addressed to a local identity. The gateway
// server itself is out of scope; this package only consumes it.
package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/go-socks/socks"
)

// log is the GWAY subsystem logger. It defaults to disabled; callers wire
// in a real logger via UseLogger.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by the gateway package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Errors returned by Client methods.
var (
	// ErrNotFound is returned when the gateway answers a pubkey lookup
	// with 404: no object matching the tag or ripe-hash is known to it.
	ErrNotFound = errors.New("gateway: not found")

	// ErrRejected is returned when the gateway answers a POST /object
	// with a 4xx status, wrapping the body it sent describing why
	// (insufficient PoW, stream mismatch, expired).
	ErrRejected = errors.New("gateway: object rejected")

	// ErrNetwork is returned when the round trip itself failed or timed
	// out, as opposed to the gateway returning a well-formed error
	// response.
	ErrNetwork = errors.New("gateway: network error")
)

// DefaultTimeout is the per-request timeout applied when none is given to
// NewClient, matching the 30s default the concurrency model assumes for
// network suspension points.
const DefaultTimeout = 30 * time.Second

// Client is the subset of the gateway HTTP surface the engine, driver,
// and resolver consume.
type Client interface {
	FetchPubkeyByTag(ctx context.Context, tag [32]byte) ([]byte, error)
	FetchPubkeyByRipe(ctx context.Context, ripe [20]byte) ([]byte, error)
	PostObject(ctx context.Context, object []byte) error
	FetchInboundMessages(ctx context.Context, address string, since int64) ([][]byte, error)
}

// HTTPClient is the concrete Client implementation: plain request/response
// against the configured gateway base URL, optionally dialing through a
// SOCKS5 proxy for Tor hidden-service gateways.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// ProxyConfig mirrors the teacher's Proxy/ProxyUser/ProxyPass/TorIsolation
// config options for routing gateway traffic through a SOCKS5 proxy.
type ProxyConfig struct {
	Addr         string
	Username     string
	Password     string
	TorIsolation bool
}

// NewClient builds an HTTPClient against baseURL. If proxy is non-nil, all
// connections are dialed through a socks.Proxy built from it instead of
// net.Dial.
func NewClient(baseURL string, timeout time.Duration, proxy *ProxyConfig) (*HTTPClient, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid base URL %q: %v", baseURL, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dial := net.Dial
	if proxy != nil {
		p := &socks.Proxy{
			Addr:         proxy.Addr,
			Username:     proxy.Username,
			Password:     proxy.Password,
			TorIsolation: proxy.TorIsolation,
		}
		dial = p.Dial
	}

	transport := &http.Transport{
		Dial: dial,
	}

	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("gateway request %s %s failed: %v", method, path, err)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return resp, nil
}

// FetchPubkeyByTag requests a version 4+ pubkey by its lookup tag.
func (c *HTTPClient) FetchPubkeyByTag(ctx context.Context, tag [32]byte) ([]byte, error) {
	path := "/pubkey?tag=" + url.QueryEscape(fmt.Sprintf("%x", tag))
	return c.fetchObjectBlob(ctx, path)
}

// FetchPubkeyByRipe requests a version <4 pubkey by the ripe-hash of the
// keys it commits to.
func (c *HTTPClient) FetchPubkeyByRipe(ctx context.Context, ripe [20]byte) ([]byte, error) {
	path := "/pubkey?ripe=" + url.QueryEscape(fmt.Sprintf("%x", ripe))
	return c.fetchObjectBlob(ctx, path)
}

func (c *HTTPClient) fetchObjectBlob(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: gateway returned status %d: %s", ErrNetwork, resp.StatusCode, body)
	}
	return ioutil.ReadAll(resp.Body)
}

// PostObject submits a finished, proof-of-worked object blob for
// dissemination. A non-2xx response is reported as ErrRejected, wrapping
// the gateway's explanation.
func (c *HTTPClient) PostObject(ctx context.Context, object []byte) error {
	resp, err := c.do(ctx, http.MethodPost, "/object", bytes.NewReader(object))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(ioutil.Discard, resp.Body)
		return nil
	}

	body, _ := ioutil.ReadAll(resp.Body)
	log.Warnf("gateway rejected object (status %d): %s", resp.StatusCode, body)
	return fmt.Errorf("%w: %s", ErrRejected, body)
}

// FetchInboundMessages streams every object addressed to address that the
// gateway has received since the given timestamp. The response body is a
// sequence of 4-byte big-endian length-prefixed object blobs, one frame
// per object. (POST /object, by contrast, sends a single blob with no
// length prefix.)
func (c *HTTPClient) FetchInboundMessages(ctx context.Context, address string, since int64) ([][]byte, error) {
	path := fmt.Sprintf("/messages?address=%s&since=%d", url.QueryEscape(address), since)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: gateway returned status %d: %s", ErrNetwork, resp.StatusCode, body)
	}

	var out [][]byte
	var lenBuf [4]byte
	for {
		_, err := io.ReadFull(resp.Body, lenBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: truncated message stream: %v", ErrNetwork, err)
		}
		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(resp.Body, frame); err != nil {
			return nil, fmt.Errorf("%w: truncated message frame: %v", ErrNetwork, err)
		}
		out = append(out, frame)
	}
	return out, nil
}

var _ Client = (*HTTPClient)(nil)
