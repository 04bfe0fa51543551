package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 64 << 10
)

// HTTPSender posts messages as JSON to a mail relay API. When token
// credentials are configured it authenticates with an OAuth2
// client-credentials token that is cached and refreshed shortly before it
// expires.
type HTTPSender struct {
	endpoint   string
	provider   string
	httpClient *http.Client
	tokenCfg   *clientcredentials.Config
}

// HTTPOption configures an [HTTPSender].
type HTTPOption func(*HTTPSender)

// WithHTTPClient sets the base HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		s.httpClient = c
	}
}

// WithProviderName sets the provider label reported in receipts.
func WithProviderName(name string) HTTPOption {
	return func(s *HTTPSender) {
		s.provider = name
	}
}

// WithClientCredentials enables OAuth2 client-credentials authentication.
func WithClientCredentials(tokenURL, clientID, clientSecret string, scopes ...string) HTTPOption {
	return func(s *HTTPSender) {
		s.tokenCfg = &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
	}
}

// NewHTTPSender returns a sender posting to endpoint.
func NewHTTPSender(endpoint string, opts ...HTTPOption) (*HTTPSender, error) {
	if endpoint == "" {
		return nil, errors.New("mail: endpoint required")
	}
	s := &HTTPSender{
		endpoint:   endpoint,
		provider:   "http",
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokenCfg != nil {
		base := s.httpClient
		// The client caches its token and fetches a replacement only when
		// the cached one is about to expire.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		s.httpClient = s.tokenCfg.Client(ctx)
		s.httpClient.Timeout = base.Timeout
	}
	return s, nil
}

type httpPayload struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type httpResponse struct {
	ID string `json:"id"`
}

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mail relay error: %s (status: %d)", e.Message, e.StatusCode)
}

// Send implements [Sender].
func (s *HTTPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	body, err := json.Marshal(httpPayload{To: msg.To, From: msg.From, Subject: msg.Subject, Text: msg.Text})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Receipt{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if resp.StatusCode == http.StatusUnprocessableEntity {
			return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, apiErr)
		}
		return Receipt{}, apiErr
	}

	var out httpResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return Receipt{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return Receipt{ID: out.ID, Provider: s.provider}, nil
}
