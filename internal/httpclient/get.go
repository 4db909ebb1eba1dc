package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// DoGET fetches a calendar object and its ETag.
func (c *httpClientWrapper) DoGET(ctx context.Context, creds Credentials, urlStr string) ([]byte, string, error) {
	c.logger.Debug("starting GET request", "url", urlStr)

	req, err := c.newRequest(ctx, creds, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", c.unexpected(req, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read GET response: %w", err)
	}

	etag := resp.Header.Get("ETag")
	c.logger.Debug("GET request complete",
		"status", resp.Status,
		"etag", etag,
		"data_length", len(data))
	return data, etag, nil
}
