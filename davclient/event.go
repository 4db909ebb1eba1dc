package davclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/meetsync/internal/ics"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// PutEvent stores ev under <container>/<ev.ID>.ics, replacing any existing
// object. An empty ev.ID gets a fresh uuid.
func (c *resourceClient) PutEvent(ctx context.Context, creds Credentials, container string, ev ics.Event) (ResourceRef, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	data, err := ics.Encode(ev)
	if err != nil {
		return ResourceRef{}, fmt.Errorf("failed to encode calendar object: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	objectURL := eventURL(container, ev.ID)
	etag, err := c.httpClient.DoPUT(ctx, creds, objectURL, "", data)
	if err != nil {
		return ResourceRef{}, classify("put event", err)
	}

	// If no etag in response, get it again
	if etag == "" {
		resp, err := c.httpClient.DoPROPFIND(ctx, creds, objectURL, 0, "getetag")
		if err != nil {
			c.logger.Debug("failed to fetch etag after PUT", "url", objectURL, "error", err)
		} else {
			for _, props := range resp.Resources {
				if props.Etag != "" {
					etag = props.Etag
					break
				}
			}
		}
	}

	c.logger.Debug("stored event", "container", container, "id", ev.ID, "etag", etag)
	return ResourceRef{ID: ev.ID, URL: c.absolute(objectURL), ETag: etag}, nil
}

// GetEvent fetches and decodes an event. A missing event is mo.None, not an
// error.
func (c *resourceClient) GetEvent(ctx context.Context, creds Credentials, container, id string) (mo.Option[ics.Event], error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, _, err := c.httpClient.DoGET(ctx, creds, eventURL(container, id))
	if err != nil {
		err = classify("get event", err)
		if errors.Is(err, ErrNotFound) {
			return mo.None[ics.Event](), nil
		}
		return mo.None[ics.Event](), err
	}

	ev, err := ics.Decode(data)
	if err != nil {
		return mo.None[ics.Event](), fmt.Errorf("failed to decode event %s: %w", id, err)
	}
	if ev.ID == "" {
		ev.ID = id
	}
	return mo.Some(ev), nil
}

// DeleteEvent removes an event. Deleting a missing event succeeds.
func (c *resourceClient) DeleteEvent(ctx context.Context, creds Credentials, container, id string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.httpClient.DoDELETE(ctx, creds, eventURL(container, id), "")
	if err == nil {
		return nil
	}
	err = classify("delete event", err)
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("event already gone", "container", container, "id", id)
		return nil
	}
	return err
}
