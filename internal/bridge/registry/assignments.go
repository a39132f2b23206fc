package registry

import (
	"context"

	"github.com/cloudkeep/ipabridge/internal/shared/hostname"
)

// ServiceAssignment marks base host as a manager of a service principal
// living on a subhost alias.
type ServiceAssignment struct {
	Principal string
	Subhost   string
	BaseFQDN  string
}

// BatchServiceAssignments applies a set of assignments in one batch call.
// Subhost and service creation are deduplicated across assignments; every
// queued operation tolerates the entry already existing.
func (c *Client) BatchServiceAssignments(ctx context.Context, assignments []ServiceAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	batch := c.NewBatch()
	hostsSeen := make(map[string]bool)
	servicesSeen := make(map[string]bool)

	for _, a := range assignments {
		if !hostsSeen[a.Subhost] {
			batch.Add("host_add", []string{a.Subhost}, map[string]any{"force": true})
			hostsSeen[a.Subhost] = true
		}
		if !servicesSeen[a.Principal] {
			batch.Add("service_add", []string{a.Principal}, map[string]any{"force": true})
			servicesSeen[a.Principal] = true
		}
		batch.Add("service_add_host", []string{a.Principal}, map[string]any{
			"host": []string{a.BaseFQDN},
		})
	}

	return batch.Flush(ctx)
}

// BatchTeardown deletes service principals and subhost aliases in one batch
// call. DNS records of each subhost are withdrawn alongside the entry.
func (c *Client) BatchTeardown(ctx context.Context, subhosts, services []string) error {
	if len(subhosts) == 0 && len(services) == 0 {
		return nil
	}

	batch := c.NewBatch()
	for _, principal := range services {
		batch.Add("service_del", []string{principal}, nil)
	}
	for _, fqdn := range subhosts {
		batch.Add("host_del", []string{fqdn}, map[string]any{"updatedns": false})
		host, zone := hostname.Split(fqdn)
		if zone != "" {
			batch.Add("dnsrecord_del", []string{zone, host}, map[string]any{"del_all": true})
		}
	}

	return batch.Flush(ctx)
}
