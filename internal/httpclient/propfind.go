package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cyp0633/meetsync/internal/xml"
)

// PropfindResponse holds the resources listed in a multistatus answer, keyed
// by href.
type PropfindResponse struct {
	Resources map[string]ResourceProps
}

type ResourceProps struct {
	IsCollection bool
	IsCalendar   bool
	DisplayName  string
	Etag         string
}

// DoPROPFIND performs a PROPFIND request
func (c *httpClientWrapper) DoPROPFIND(ctx context.Context, creds Credentials, urlStr string, depth int, props ...string) (*PropfindResponse, error) {
	c.logger.Debug("starting PROPFIND request",
		"url", urlStr,
		"depth", depth,
		"properties", props)

	body, err := xml.NewPropfind(props...)
	if err != nil {
		return nil, fmt.Errorf("failed to build PROPFIND body: %w", err)
	}

	req, err := c.newRequest(ctx, creds, "PROPFIND", urlStr, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", strconv.Itoa(depth))
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, c.unexpected(req, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read PROPFIND response: %w", err)
	}

	ms, err := xml.ParseMultistatus(data)
	if err != nil {
		c.logger.Debug("failed to parse XML response", "error", err)
		return nil, fmt.Errorf("failed to parse XML response: %w", err)
	}
	c.logger.Debug("parsed XML response", "response_count", len(ms.Responses))

	result := &PropfindResponse{Resources: make(map[string]ResourceProps)}
	for _, r := range ms.Responses {
		var res ResourceProps
		found := false

		if p, ok := r.Prop(xml.TagResourcetype); ok {
			res.IsCollection = p.HasChild(xml.TagCollection)
			res.IsCalendar = p.HasChild(xml.TagCalendar)
			found = true
		}
		if p, ok := r.Prop(xml.TagDisplayname); ok {
			res.DisplayName = p.TextContent
			found = true
		}
		if p, ok := r.Prop(xml.TagGetetag); ok {
			res.Etag = p.TextContent
			found = true
		}

		// Skip responses without a single successful propstat
		if !found {
			continue
		}
		result.Resources[r.Href] = res
	}

	c.logger.Debug("PROPFIND request complete", "resources", len(result.Resources))
	return result, nil
}
