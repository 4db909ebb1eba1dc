package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/cyp0633/meetsync/internal/xml"
)

// DoMKCALENDAR creates a calendar collection that holds VEVENT objects.
func (c *httpClientWrapper) DoMKCALENDAR(ctx context.Context, creds Credentials, urlStr string, displayName, description string) error {
	c.logger.Debug("starting MKCALENDAR request",
		"url", urlStr,
		"display_name", displayName)

	body, err := xml.MkcalendarRequest{
		DisplayName: displayName,
		Description: description,
		Components:  []string{"VEVENT"},
	}.Bytes()
	if err != nil {
		return fmt.Errorf("failed to build MKCALENDAR body: %w", err)
	}

	req, err := c.newRequest(ctx, creds, "MKCALENDAR", urlStr, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return c.unexpected(req, resp)
	}

	c.logger.Debug("MKCALENDAR request complete", "status", resp.Status)
	return nil
}
