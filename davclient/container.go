package davclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/meetsync/internal/xml"
)

// ContainerExists reports whether the calendar collection exists. A resource
// at that path which is not a calendar collection yields ErrConflict.
func (c *resourceClient) ContainerExists(ctx context.Context, creds Credentials, name string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.httpClient.DoPROPFIND(ctx, creds, containerURL(name), 0, xml.TagResourcetype, xml.TagDisplayname)
	if err != nil {
		err = classify("check container", err)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for href, res := range resp.Resources {
		if res.IsCalendar {
			c.logger.Debug("found calendar container", "container", name, "href", href, "display_name", res.DisplayName)
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s exists but is not a calendar", ErrConflict, name)
}

// CreateContainer creates the calendar collection. A server answering that the
// collection already exists is treated as success.
func (c *resourceClient) CreateContainer(ctx context.Context, creds Credentials, name, displayName, description string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if displayName == "" {
		displayName = name
	}
	err := c.httpClient.DoMKCALENDAR(ctx, creds, containerURL(name), displayName, description)
	if err == nil {
		c.logger.Info("created calendar container", "container", name)
		return nil
	}
	err = classify("create container", err)
	if errors.Is(err, ErrConflict) {
		c.logger.Debug("container already exists", "container", name)
		return nil
	}
	return err
}

// EnsureContainer creates the container when it does not exist yet.
func (c *resourceClient) EnsureContainer(ctx context.Context, creds Credentials, name string) error {
	exists, err := c.ContainerExists(ctx, creds, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.CreateContainer(ctx, creds, name, name, "")
}
