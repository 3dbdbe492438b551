package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the external FHIR store over HTTP. It owns no
// persistence of its own — every method is a thin, synchronous wrapper
// around one request against what is, from this bridge's perspective, an
// opaque HTTP-accessible store.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient returns a Client rooted at baseURL (e.g. "https://fhir.example.org/fhir"),
// authorizing every request with a bearer token when authToken is non-empty.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   authToken,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetched wraps a resource read together with its ETag, since nearly
// every caller in this pipeline needs both for a conditional If-Match
// write afterward.
type Fetched struct {
	Resource map[string]interface{}
	ETag     string
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// Read performs GET /{type}/{id}, returning the resource and its ETag.
// Returns (nil, "", nil) on 404 — callers distinguish "not found" from a
// transport error by checking for a nil Fetched result with a nil error.
func (c *Client) Read(ctx context.Context, resourceType, id string) (*Fetched, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+resourceType+"/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("read %s/%s: unexpected status %d", resourceType, id, resp.StatusCode)
	}
	var res map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	return &Fetched{Resource: res, ETag: resp.Header.Get("ETag")}, nil
}

// Search performs GET /{type}?params and returns the Bundle's entries as
// raw resources (searchset bundles are read-only, unlike transaction
// bundles).
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) ([]map[string]interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+resourceType+"?"+params.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search %s: unexpected status %d", resourceType, resp.StatusCode)
	}
	var bundle struct {
		Entry []struct {
			Resource map[string]interface{} `json:"resource"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decode search bundle for %s: %w", resourceType, err)
	}
	out := make([]map[string]interface{}, 0, len(bundle.Entry))
	for _, e := range bundle.Entry {
		out = append(out, e.Resource)
	}
	return out, nil
}

// SubmitTransaction POSTs a transaction Bundle and returns the response
// Bundle. A non-2xx status is returned as an error carrying the response
// body so callers can distinguish ETag conflicts (412/409) from other
// failures.
func (c *Client) SubmitTransaction(ctx context.Context, bundle *Bundle) (*Bundle, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction bundle: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "", nil, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("transaction conflict (status %d): %s", resp.StatusCode, respBody)
		}
		return nil, fmt.Errorf("transaction failed (status %d): %s", resp.StatusCode, respBody)
	}
	var result Bundle
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode transaction response: %w", err)
	}
	return &result, nil
}

// PatchExtension builds a FHIR Parameters resource addressing a single
// extension by url, used to flip Invoice processing-status extensions
// without fetching and rewriting the whole Invoice.
func (c *Client) PatchExtension(ctx context.Context, resourceType, id, extensionURL, op, value string) error {
	params := map[string]interface{}{
		"resourceType": "Parameters",
		"parameter": []map[string]interface{}{
			{
				"name": "operation",
				"part": []map[string]interface{}{
					{"name": "type", "valueCode": op},
					{"name": "path", "valueString": fmt.Sprintf("%s.extension.where(url='%s')", resourceType, extensionURL)},
					{"name": "value", "valueString": value},
				},
			},
		},
	}
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal patch parameters: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, "/"+resourceType+"/"+id, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("patch %s/%s: status %d: %s", resourceType, id, resp.StatusCode, respBody)
	}
	return nil
}

// CountSearch performs a count-only search using _summary=count and
// returns the searchset Bundle's total.
func (c *Client) CountSearch(ctx context.Context, resourceType string, params url.Values) (int, error) {
	params.Set("_summary", "count")
	resp, err := c.do(ctx, http.MethodGet, "/"+resourceType+"?"+params.Encode(), nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("count search %s: unexpected status %d", resourceType, resp.StatusCode)
	}
	var bundle struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return 0, fmt.Errorf("decode count bundle for %s: %w", resourceType, err)
	}
	return bundle.Total, nil
}

func etagVersion(etag string) string {
	// Weak etags look like W/"3"; strong like "3". Either way the version
	// token is what the store embeds in meta.versionId.
	v := etag
	if len(v) > 2 && v[:2] == `W/` {
		v = v[2:]
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	if _, err := strconv.Atoi(v); err == nil {
		return v
	}
	return v
}
