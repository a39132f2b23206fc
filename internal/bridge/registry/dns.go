package registry

import (
	"context"
	"fmt"
	"net"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/internal/shared/hostname"
)

// recordOption returns the dnsrecord option key for the given address.
func recordOption(address string) (string, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return "", apperrors.NewRegistryError(apperrors.ErrCodeDNSRecord,
			fmt.Sprintf("invalid address %q", address), false, nil)
	}
	if ip.To4() != nil {
		return "arecord", nil
	}
	return "aaaarecord", nil
}

// AddFloatingIP publishes address as a forward record for fqdn. An existing
// identical record is fine.
func (c *Client) AddFloatingIP(ctx context.Context, fqdn, address string) error {
	record, err := recordOption(address)
	if err != nil {
		return err
	}

	host, zone := hostname.Split(fqdn)
	_, err = c.Call(ctx, "dnsrecord_add", []string{zone, host}, map[string]any{
		record: []string{address},
	})
	if err != nil {
		switch FaultCode(err) {
		case FaultDuplicateEntry, FaultValidationError:
			c.logger.Debug("dns record already present", "fqdn", fqdn, "address", address)
			return nil
		}
		return c.wrapFault(err, fmt.Sprintf("dnsrecord_add %s failed", fqdn))
	}

	c.logger.Info("dns record added", "fqdn", fqdn, "address", address)
	return nil
}

// RemoveFloatingIP withdraws address from fqdn's forward records. A record
// that is already gone counts as success.
func (c *Client) RemoveFloatingIP(ctx context.Context, fqdn, address string) error {
	record, err := recordOption(address)
	if err != nil {
		return err
	}

	host, zone := hostname.Split(fqdn)
	_, err = c.Call(ctx, "dnsrecord_del", []string{zone, host}, map[string]any{
		record: []string{address},
	})
	if err != nil {
		switch FaultCode(err) {
		case FaultNotFound, FaultACIError:
			c.logger.Debug("dns record already absent", "fqdn", fqdn, "address", address)
			return nil
		}
		return c.wrapFault(err, fmt.Sprintf("dnsrecord_del %s failed", fqdn))
	}

	c.logger.Info("dns record removed", "fqdn", fqdn, "address", address)
	return nil
}

// SetFloatingIP makes address the forward record for fqdn, replacing any
// previous record of the same family so the name always resolves to the
// latest assignment. A name without records falls back to a plain add.
func (c *Client) SetFloatingIP(ctx context.Context, fqdn, address string) error {
	record, err := recordOption(address)
	if err != nil {
		return err
	}

	host, zone := hostname.Split(fqdn)
	_, err = c.Call(ctx, "dnsrecord_mod", []string{zone, host}, map[string]any{
		record: []string{address},
	})
	if err != nil {
		if FaultCode(err) == FaultNotFound {
			return c.AddFloatingIP(ctx, fqdn, address)
		}
		return c.wrapFault(err, fmt.Sprintf("dnsrecord_mod %s failed", fqdn))
	}

	c.logger.Info("dns record replaced", "fqdn", fqdn, "address", address)
	return nil
}
