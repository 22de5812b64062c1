// Package crossref harvests newly indexed works from the Crossref REST API
// and stores them as metadata assertions.
package crossref

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// firstCursor starts a deep page walk; subsequent pages use the
	// next-cursor token from each response.
	firstCursor = "*"

	maxAttempts = 5
)

// Work is one item from the works endpoint: its DOI, when Crossref last
// indexed it, and the verbatim metadata record.
type Work struct {
	DOI     string
	Indexed time.Time
	Raw     json.RawMessage
}

// Client pages through the Crossref works API. Crossref asks polite clients
// to identify themselves with a contact address in the User-Agent.
type Client struct {
	baseURL    string
	userAgent  string
	rows       int
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, userAgent string, rows int, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		rows:      rows,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

type worksResponse struct {
	Message struct {
		NextCursor string `json:"next-cursor"`
		Items      []struct {
			DOI     string `json:"DOI"`
			Indexed struct {
				DateTime time.Time `json:"date-time"`
			} `json:"indexed"`
		} `json:"items"`
	} `json:"message"`
}

// FetchPage returns one page of works indexed on or after from, plus the
// cursor for the next page. Rate limiting and transient server errors are
// retried with backoff, honouring Retry-After on 429 responses.
func (c *Client) FetchPage(ctx context.Context, from time.Time, cursor string) ([]Work, string, error) {
	query := url.Values{}
	query.Set("filter", "from-index-date:"+from.UTC().Format("2006-01-02"))
	query.Set("sort", "indexed")
	query.Set("order", "asc")
	query.Set("rows", strconv.Itoa(c.rows))
	query.Set("cursor", cursor)
	reqURL := c.baseURL + "?" + query.Encode()

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, "", err
	}

	var parsed worksResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", fmt.Errorf("parsing works response: %w", err)
	}

	// Re-decode items as raw JSON so assertions keep the full record, not
	// just the fields this client understands.
	var rawEnvelope struct {
		Message struct {
			Items []json.RawMessage `json:"items"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &rawEnvelope); err != nil {
		return nil, "", fmt.Errorf("parsing works response: %w", err)
	}

	works := make([]Work, 0, len(parsed.Message.Items))
	for i, item := range parsed.Message.Items {
		if item.DOI == "" {
			continue
		}
		works = append(works, Work{
			DOI:     item.DOI,
			Indexed: item.Indexed.DateTime,
			Raw:     rawEnvelope.Message.Items[i],
		})
	}
	return works, parsed.Message.NextCursor, nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	delay := time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK && readErr == nil:
				return body, nil
			case resp.StatusCode == http.StatusTooManyRequests:
				if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > delay {
					delay = retryAfter
				}
				lastErr = fmt.Errorf("rate limited")
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("server error: %s", resp.Status)
			case readErr != nil:
				lastErr = fmt.Errorf("reading response: %w", readErr)
			default:
				// Client errors are not retryable.
				return nil, fmt.Errorf("works request failed: %s", resp.Status)
			}
		}

		if attempt == maxAttempts {
			break
		}
		c.logger.Warn("works request failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", lastErr.Error()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, fmt.Errorf("works request failed after %d attempts: %w", maxAttempts, lastErr)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
