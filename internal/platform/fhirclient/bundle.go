package fhirclient

import "encoding/json"

// Bundle is the transaction envelope posted to POST /fhir. The wire shape
// mirrors a FHIR transaction processor's expectations from the other side
// of the connection: same field names, same conditional headers, because
// this client's bundles are consumed by exactly that kind of processor.
type Bundle struct {
	ResourceType string            `json:"resourceType"`
	Type         string            `json:"type"`
	Entry        []TransactionEntry `json:"entry"`
}

// TransactionEntry is one write inside a transaction Bundle.
type TransactionEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  TransactionRequest     `json:"request"`
	Response *TransactionResponse   `json:"response,omitempty"`
}

// TransactionRequest carries the HTTP semantics a transaction entry needs:
// method, url, and optional conditional headers (If-Match for optimistic
// concurrency on known resources, If-None-Match: * for create-only,
// If-None-Exist for conditional create-by-search).
type TransactionRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneMatch string `json:"ifNoneMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

// TransactionResponse is the per-entry outcome the store returns after a
// transaction commits.
type TransactionResponse struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	Etag     string `json:"etag,omitempty"`
}

// NewTransactionBundle returns an empty transaction Bundle ready to accumulate entries.
func NewTransactionBundle() *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: "transaction"}
}

// PutDeterministic appends a conditional-free PUT entry keyed by a
// deterministic resource id, so re-processing the same source message is
// idempotent.
func (b *Bundle) PutDeterministic(resourceType, id string, resource map[string]interface{}) {
	b.Entry = append(b.Entry, TransactionEntry{
		FullURL:  "urn:uuid:" + id,
		Resource: resource,
		Request: TransactionRequest{
			Method: "PUT",
			URL:    resourceType + "/" + id,
		},
	})
}

// PutWithETag appends a PUT entry guarded by If-Match, for updating a
// resource the caller has already fetched.
func (b *Bundle) PutWithETag(resourceType, id, etag string, resource map[string]interface{}) {
	b.Entry = append(b.Entry, TransactionEntry{
		Resource: resource,
		Request: TransactionRequest{
			Method:  "PUT",
			URL:     resourceType + "/" + id,
			IfMatch: etag,
		},
	})
}

// PutIfNew appends a PUT entry guarded by If-None-Match: *, for creating a
// resource the caller has confirmed does not yet exist.
func (b *Bundle) PutIfNew(resourceType, id string, resource map[string]interface{}) {
	b.Entry = append(b.Entry, TransactionEntry{
		Resource: resource,
		Request: TransactionRequest{
			Method:      "PUT",
			URL:         resourceType + "/" + id,
			IfNoneMatch: "*",
		},
	})
}

// MarshalIndent renders the Bundle as pretty-printed JSON, used for debug
// logging and tests.
func (b *Bundle) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}
