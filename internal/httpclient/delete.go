package httpclient

import (
	"context"
	"net/http"
)

// DoDELETE sends a DELETE request with If-Match header for optimistic locking
func (c *httpClientWrapper) DoDELETE(ctx context.Context, creds Credentials, urlStr string, etag string) error {
	c.logger.Debug("starting DELETE request",
		"url", urlStr,
		"etag", etag)

	req, err := c.newRequest(ctx, creds, http.MethodDelete, urlStr, nil)
	if err != nil {
		return err
	}

	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.unexpected(req, resp)
	}

	c.logger.Debug("DELETE request complete", "status", resp.Status)
	return nil
}
