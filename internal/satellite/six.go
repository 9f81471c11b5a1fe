package satellite

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/scanerr"
)

const (
	hostsV2Path = "/api/v2/hosts"
	orgsV1Path  = "/katello/api/v2/organizations"
)

// SixV2 enumerates hosts through the Satellite 6 host API.
type SixV2 struct {
	conn Conn
}

func NewSixV2(conn Conn) Client {
	return &SixV2{conn: conn}
}

func (c *SixV2) Status(ctx context.Context) (int, string, error) {
	return c.conn.Status(ctx)
}

func (c *SixV2) HostCount(ctx context.Context) (int, error) {
	return total(ctx, c.conn, hostsV2Path)
}

func (c *SixV2) Hosts(ctx context.Context) iter.Seq2[inventory.HostDescriptor, error] {
	return func(yield func(inventory.HostDescriptor, error) bool) {
		stopped := false
		err := eachResult(ctx, c.conn, hostsV2Path, func(raw json.RawMessage) bool {
			var host struct {
				ID   json.Number `json:"id"`
				Name string      `json:"name"`
			}
			if err := json.Unmarshal(raw, &host); err != nil {
				stopped = true
				yield(inventory.HostDescriptor{}, scanerr.Wrap(err, scanerr.KindProtocol, "decode host"))
				return false
			}
			if !yield(inventory.HostDescriptor{ID: host.ID.String(), Name: host.Name}, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(inventory.HostDescriptor{}, err)
		}
	}
}

// SixV1 enumerates content hosts per organization through the Katello API.
type SixV1 struct {
	conn Conn
}

func NewSixV1(conn Conn) Client {
	return &SixV1{conn: conn}
}

func (c *SixV1) Status(ctx context.Context) (int, string, error) {
	return c.conn.Status(ctx)
}

func (c *SixV1) HostCount(ctx context.Context) (int, error) {
	orgs, err := c.organizations(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, org := range orgs {
		n, err := total(ctx, c.conn, systemsPath(org))
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, nil
}

func (c *SixV1) Hosts(ctx context.Context) iter.Seq2[inventory.HostDescriptor, error] {
	return func(yield func(inventory.HostDescriptor, error) bool) {
		orgs, err := c.organizations(ctx)
		if err != nil {
			yield(inventory.HostDescriptor{}, err)
			return
		}
		for _, org := range orgs {
			stopped := false
			err := eachResult(ctx, c.conn, systemsPath(org), func(raw json.RawMessage) bool {
				var system struct {
					UUID string `json:"uuid"`
					Name string `json:"name"`
				}
				if err := json.Unmarshal(raw, &system); err != nil {
					stopped = true
					yield(inventory.HostDescriptor{}, scanerr.Wrap(err, scanerr.KindProtocol, "decode system"))
					return false
				}
				if !yield(inventory.HostDescriptor{ID: system.UUID, Name: system.Name}, nil) {
					stopped = true
					return false
				}
				return true
			})
			if stopped {
				return
			}
			if err != nil {
				yield(inventory.HostDescriptor{}, err)
				return
			}
		}
	}
}

func (c *SixV1) organizations(ctx context.Context) ([]string, error) {
	var ids []string
	err := eachResult(ctx, c.conn, orgsV1Path, func(raw json.RawMessage) bool {
		var org struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(raw, &org); err == nil && org.ID != "" {
			ids = append(ids, org.ID.String())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func systemsPath(orgID string) string {
	return fmt.Sprintf("%s/%s/systems", orgsV1Path, orgID)
}
