// Package nppes provides a client for the CMS NPI Registry (NPPES) API.
package nppes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the registry has no record for an NPI.
var ErrNotFound = eris.New("nppes: npi not found")

// Client defines the registry lookup operations.
type Client interface {
	// Lookup returns the registry record for npi, or ErrNotFound.
	Lookup(ctx context.Context, npi string) (*Record, error)
}

// Record is the flattened registry view of one provider. The practice
// location address is preferred over the mailing address.
type Record struct {
	NPI              string `json:"npi"`
	EnumerationType  string `json:"enumeration_type"`
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
	Credential       string `json:"credential,omitempty"`
	AddressLine1     string `json:"address_line1,omitempty"`
	AddressLine2     string `json:"address_line2,omitempty"`
	City             string `json:"city,omitempty"`
	State            string `json:"state,omitempty"`
	PostalCode       string `json:"postal_code,omitempty"`
	Phone            string `json:"phone,omitempty"`
	Specialty        string `json:"specialty,omitempty"`
	LicenseNumber    string `json:"license_number,omitempty"`
	LicenseState     string `json:"license_state,omitempty"`
}

// StatusError is a non-200 response from the registry.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nppes: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying later.
func (e *StatusError) Temporary() bool {
	return retryableStatusCode(e.StatusCode)
}

type apiResponse struct {
	ResultCount int         `json:"result_count"`
	Results     []apiResult `json:"results"`
	Errors      []struct {
		Description string `json:"description"`
		Field       string `json:"field"`
	} `json:"Errors"`
}

type apiResult struct {
	Number          json.Number `json:"number"`
	EnumerationType string      `json:"enumeration_type"`
	Basic           struct {
		FirstName        string `json:"first_name"`
		LastName         string `json:"last_name"`
		OrganizationName string `json:"organization_name"`
		Credential       string `json:"credential"`
	} `json:"basic"`
	Addresses []struct {
		AddressPurpose  string `json:"address_purpose"`
		Address1        string `json:"address_1"`
		Address2        string `json:"address_2"`
		City            string `json:"city"`
		State           string `json:"state"`
		PostalCode      string `json:"postal_code"`
		TelephoneNumber string `json:"telephone_number"`
	} `json:"addresses"`
	Taxonomies []struct {
		Desc    string `json:"desc"`
		Primary bool   `json:"primary"`
		State   string `json:"state"`
		License string `json:"license"`
	} `json:"taxonomies"`
}

// Option configures the NPPES client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

// WithRetries sets the attempt count and initial backoff for transient
// failures.
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(c *httpClient) {
		c.attempts = max(attempts, 1)
		c.backoff = backoff
	}
}

type httpClient struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
}

// NewClient creates a new NPPES client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:  "https://npiregistry.cms.hhs.gov/api/",
		http:     &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(5, 5),
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func (c *httpClient) Lookup(ctx context.Context, npi string) (*Record, error) {
	npi = strings.TrimSpace(npi)
	if npi == "" {
		return nil, eris.New("nppes: empty npi")
	}

	q := url.Values{}
	q.Set("version", "2.1")
	q.Set("number", npi)
	reqURL := c.baseURL + "?" + q.Encode()

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "nppes: unmarshal response")
	}
	if len(resp.Errors) > 0 {
		return nil, eris.Errorf("nppes: %s", resp.Errors[0].Description)
	}
	if resp.ResultCount == 0 || len(resp.Results) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "npi %s", npi)
	}

	return flatten(&resp.Results[0]), nil
}

// get performs a GET with exponential backoff on transport errors and
// retryable status codes.
func (c *httpClient) get(ctx context.Context, reqURL string) ([]byte, error) {
	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "nppes: rate limit wait")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "nppes: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = eris.Wrap(err, "nppes: request failed")
		} else {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				return nil, eris.Wrap(readErr, "nppes: read response body")
			}
			if resp.StatusCode == http.StatusOK {
				return body, nil
			}
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			if !statusErr.Temporary() {
				return nil, statusErr
			}
			lastErr = statusErr
		}

		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func flatten(r *apiResult) *Record {
	rec := &Record{
		NPI:              r.Number.String(),
		EnumerationType:  r.EnumerationType,
		FirstName:        r.Basic.FirstName,
		LastName:         r.Basic.LastName,
		OrganizationName: r.Basic.OrganizationName,
		Credential:       r.Basic.Credential,
	}

	for i, a := range r.Addresses {
		if i > 0 && a.AddressPurpose != "LOCATION" {
			continue
		}
		rec.AddressLine1 = a.Address1
		rec.AddressLine2 = a.Address2
		rec.City = a.City
		rec.State = a.State
		rec.PostalCode = a.PostalCode
		rec.Phone = a.TelephoneNumber
		if a.AddressPurpose == "LOCATION" {
			break
		}
	}

	for i, t := range r.Taxonomies {
		if i > 0 && !t.Primary {
			continue
		}
		rec.Specialty = t.Desc
		rec.LicenseNumber = t.License
		rec.LicenseState = t.State
		if t.Primary {
			break
		}
	}

	return rec
}
