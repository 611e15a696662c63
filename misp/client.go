package misp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ctisec/misp-postgres-ingester/logging"
	"github.com/ctisec/misp-postgres-ingester/resilience"
)

// ClientConfig holds platform connection settings for one pipeline run.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	VerifyCert   bool
	Timeout      time.Duration
	EventWorkers int
}

// Client talks to a MISP instance over its JSON HTTP API. It is constructed
// per run and carries no state beyond the underlying connection pool.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	retry      *resilience.Manager
	logger     *logging.ComponentLogger
}

// retryableStatuses are the HTTP statuses treated as transient.
var retryableStatuses = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// NewClient creates a platform client. A nil policy selects the default
// retry budget.
func NewClient(cfg ClientConfig, policy *resilience.Policy, logger *logging.ComponentLogger) *Client {
	if cfg.EventWorkers <= 0 {
		cfg.EventWorkers = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.VerifyCert},
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: tr},
		retry:      resilience.NewManager(policy, logger),
		logger:     logger,
	}
}

// postJSON executes one authenticated POST with retry on transient failures.
func (c *Client) postJSON(ctx context.Context, operation, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	return c.retry.Execute(ctx, operation, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.cfg.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return resilience.Transient(fmt.Errorf("request failed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("%s returned HTTP %d", url, resp.StatusCode)
			if retryableStatuses[resp.StatusCode] {
				return resilience.Transient(err)
			}
			return err
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// FetchAttributesFull pages through attributes/restSearch until an empty page
// is returned. The result is consumed once per run.
func (c *Client) FetchAttributesFull(ctx context.Context, pageSize int) ([]Attribute, error) {
	url := c.cfg.BaseURL + "/attributes/restSearch"

	var attrs []Attribute
	for page := 1; ; page++ {
		body := map[string]interface{}{
			"returnFormat":             "json",
			"page":                     page,
			"limit":                    pageSize,
			"includeRelatedAttributes": true,
			"includeObjectRefs":        true,
		}

		var parsed attributeSearchResponse
		if err := c.postJSON(ctx, "fetch_attributes_page", url, body, &parsed); err != nil {
			return nil, fmt.Errorf("attribute fetch page %d: %w", page, err)
		}

		block := parsed.Response.Attributes
		if len(block) == 0 {
			break
		}
		attrs = append(attrs, block...)

		c.logger.Info().
			Int("page", page).
			Int("page_rows", len(block)).
			Int("total_rows", len(attrs)).
			Msg("Fetched attribute page")
	}

	return attrs, nil
}

// FetchAttributesDelta fetches attributes modified at or after since.
func (c *Client) FetchAttributesDelta(ctx context.Context, since time.Time) ([]Attribute, error) {
	url := c.cfg.BaseURL + "/attributes/restSearch"
	body := map[string]interface{}{
		"returnFormat":             "json",
		"timestamp":                since.Unix(),
		"includeRelatedAttributes": true,
		"includeObjectRefs":        true,
	}

	var parsed attributeSearchResponse
	if err := c.postJSON(ctx, "fetch_attributes_delta", url, body, &parsed); err != nil {
		return nil, fmt.Errorf("delta attribute fetch: %w", err)
	}
	return parsed.Response.Attributes, nil
}

// FetchEvent fetches one event detail record.
func (c *Client) FetchEvent(ctx context.Context, id int64) (Event, error) {
	url := fmt.Sprintf("%s/events/view/%d", c.cfg.BaseURL, id)
	body := map[string]interface{}{
		"returnFormat":      "json",
		"withAttachments":   0,
		"includeGalaxy":     true,
		"includeObjectRefs": true,
	}

	var parsed eventViewResponse
	if err := c.postJSON(ctx, "fetch_event", url, body, &parsed); err != nil {
		return Event{}, fmt.Errorf("event %d: %w", id, err)
	}
	return parsed.Event, nil
}

// FetchEvents resolves event details across a bounded worker pool. The first
// permanent failure cancels outstanding work and aborts the run.
func (c *Client) FetchEvents(ctx context.Context, ids []int64) (map[int64]Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int64)
	results := make(chan Event, len(ids))
	errs := make(chan error, 1)

	var wg sync.WaitGroup
	for w := 0; w < c.cfg.EventWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				ev, err := c.FetchEvent(ctx, id)
				if err != nil {
					select {
					case errs <- err:
						cancel()
					default:
					}
					return
				}
				results <- ev
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, id := range ids {
			select {
			case jobs <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	select {
	case err := <-errs:
		return nil, fmt.Errorf("event fetch aborted: %w", err)
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events := make(map[int64]Event, len(ids))
	for ev := range results {
		events[ev.ID.Int64()] = ev
	}
	return events, nil
}
