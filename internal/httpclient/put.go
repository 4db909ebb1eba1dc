package httpclient

import (
	"bytes"
	"context"
	"net/http"
)

// DoPUT uploads a calendar object. A non-empty etag is sent as If-Match.
func (c *httpClientWrapper) DoPUT(ctx context.Context, creds Credentials, urlStr string, etag string, data []byte) (newEtag string, err error) {
	c.logger.Debug("starting PUT request",
		"url", urlStr,
		"etag", etag,
		"data_length", len(data))

	req, err := c.newRequest(ctx, creds, http.MethodPut, urlStr, bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return "", c.unexpected(req, resp)
	}

	newEtag = resp.Header.Get("ETag")
	c.logger.Debug("PUT request complete",
		"status", resp.Status,
		"new_etag", newEtag)
	return newEtag, nil
}
