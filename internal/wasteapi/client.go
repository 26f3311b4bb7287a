// Package wasteapi talks to the external regulatory manifest API.
package wasteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// SuccessCode is the result code the regulator returns for an accepted manifest.
	SuccessCode = "0000"

	defaultRecordType = "01"
	defaultTimeout    = 15 * time.Second
	quantityPrecision = 2
	maxResponseBytes  = 1 << 20
	manifestsPath     = "/manifests"
)

var (
	// ErrUnavailable marks an indeterminate outcome: transport failure, timeout, or an
	// unreadable response. The caller cannot tell whether the regulator recorded anything.
	ErrUnavailable = errors.New("wasteapi: regulator unavailable")

	errMissingBaseURL = errors.New("wasteapi: base url is required")
	errInvalidBaseURL = errors.New("wasteapi: base url must be absolute http(s)")
)

// Config describes the client connection.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	IssuerCode string
	RecordType string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Request is a weighing record ready for submission. Quantities are kilograms.
type Request struct {
	CertificationKey string
	ManifestNumber   string
	GrossWeight      int64
	TareWeight       int64
}

// Result is the regulator's verdict.
type Result struct {
	Code    string `json:"result_code"`
	Message string `json:"result_message"`
}

// Succeeded reports whether the regulator accepted the manifest.
func (r Result) Succeeded() bool {
	return r.Code == SuccessCode
}

type submissionPayload struct {
	CertKey     string `json:"cert_key"`
	IssuerCode  string `json:"issuer_code"`
	ManifestNo  string `json:"manifest_no"`
	ReceivedQty string `json:"received_qty"`
	GrossQty    string `json:"gross_qty"`
	TareQty     string `json:"tare_qty"`
	NetQty      string `json:"net_qty"`
	RecordType  string `json:"record_type"`
}

// Client submits and looks up manifests.
type Client struct {
	baseURL    string
	username   string
	password   string
	issuerCode string
	recordType string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidBaseURL, cfg.BaseURL)
	}
	recordType := cfg.RecordType
	if recordType == "" {
		recordType = defaultRecordType
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		issuerCode: cfg.IssuerCode,
		recordType: recordType,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Submit posts one manifest. Received quantity equals the net weight.
func (c *Client) Submit(ctx context.Context, request Request) (Result, error) {
	gross := decimal.NewFromInt(request.GrossWeight)
	tare := decimal.NewFromInt(request.TareWeight)
	net := gross.Sub(tare)
	payload := submissionPayload{
		CertKey:     request.CertificationKey,
		IssuerCode:  c.issuerCode,
		ManifestNo:  request.ManifestNumber,
		ReceivedQty: net.StringFixed(quantityPrecision),
		GrossQty:    gross.StringFixed(quantityPrecision),
		TareQty:     tare.StringFixed(quantityPrecision),
		NetQty:      net.StringFixed(quantityPrecision),
		RecordType:  c.recordType,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("wasteapi: encode payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+manifestsPath, body, request.ManifestNumber)
}

// Lookup asks the regulator whether manifestNumber was recorded.
func (c *Client) Lookup(ctx context.Context, manifestNumber string) (Result, error) {
	endpoint := c.baseURL + manifestsPath + "/" + url.PathEscape(manifestNumber)
	return c.do(ctx, http.MethodGet, endpoint, nil, manifestNumber)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, manifestNumber string) (Result, error) {
	boundedCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(boundedCtx, method, endpoint, reader)
	if err != nil {
		return Result{}, fmt.Errorf("wasteapi: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" || c.password != "" {
		request.SetBasicAuth(c.username, c.password)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("regulator call failed",
			zap.String("method", method),
			zap.String("manifest_number", manifestNumber),
			zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if indeterminate(response.StatusCode) {
		c.logger.Warn("regulator returned indeterminate status",
			zap.String("method", method),
			zap.String("manifest_number", manifestNumber),
			zap.Int("status", response.StatusCode))
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil || result.Code == "" {
		if response.StatusCode >= http.StatusBadRequest {
			return Result{
				Code:    fmt.Sprintf("HTTP_%d", response.StatusCode),
				Message: strings.TrimSpace(string(raw)),
			}, nil
		}
		return Result{}, fmt.Errorf("%w: undecodable response (status %d)", ErrUnavailable, response.StatusCode)
	}
	return result, nil
}

// indeterminate covers statuses where the regulator may or may not have acted.
func indeterminate(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}
