package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
)

// SplitPrincipal breaks a service principal of the form
// "service/host.example.com@REALM" into its parts. The realm may be absent.
func SplitPrincipal(principal string) (service, host, realm string, err error) {
	rest := principal
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		realm = rest[at+1:]
		rest = rest[:at]
	}
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", "", fmt.Errorf("malformed service principal %q", principal)
	}
	return rest[:slash], rest[slash+1:], realm, nil
}

// AddService registers a service principal. An existing entry is fine.
func (c *Client) AddService(ctx context.Context, principal string) error {
	_, err := c.Call(ctx, "service_add", []string{principal}, map[string]any{
		"force": true,
	})
	if err != nil && FaultCode(err) != FaultDuplicateEntry {
		return c.wrapFault(err, fmt.Sprintf("service_add %s failed", principal))
	}
	return nil
}

// DeleteService removes a service principal. A missing entry is fine.
func (c *Client) DeleteService(ctx context.Context, principal string) error {
	_, err := c.Call(ctx, "service_del", []string{principal}, nil)
	if err != nil && FaultCode(err) != FaultNotFound {
		return c.wrapFault(err, fmt.Sprintf("service_del %s failed", principal))
	}
	return nil
}

// ServiceAddHost grants host the right to manage the service's keytab and
// certificate.
func (c *Client) ServiceAddHost(ctx context.Context, principal, host string) error {
	_, err := c.Call(ctx, "service_add_host", []string{principal}, map[string]any{
		"host": []string{host},
	})
	if err != nil && FaultCode(err) == 0 {
		return c.wrapFault(err, fmt.Sprintf("service_add_host %s failed", principal))
	}
	if err != nil && FaultCode(err) != FaultDuplicateEntry {
		// The server reports an existing membership as a member fault in
		// the result body on some versions and as DuplicateEntry on
		// others; neither needs action.
		c.logger.Debug("service_add_host fault ignored",
			"principal", principal, "host", host, "error", err)
	}
	return nil
}

// ServiceHasHosts reports whether any host other than the service's own
// manages the service.
func (c *Client) ServiceHasHosts(ctx context.Context, principal string) (bool, error) {
	raw, err := c.Call(ctx, "service_show", []string{principal}, nil)
	if err != nil {
		if FaultCode(err) == FaultNotFound {
			return false, apperrors.NewRegistryError(apperrors.ErrCodeHostNotFound,
				fmt.Sprintf("service %s not found", principal), false, err)
		}
		return false, c.wrapFault(err, fmt.Sprintf("service_show %s failed", principal))
	}

	var shown struct {
		Result struct {
			ManagedByHost []string `json:"managedby_host"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &shown); err != nil {
		return false, fmt.Errorf("failed to decode service_show result: %w", err)
	}

	_, ownHost, _, err := SplitPrincipal(principal)
	if err != nil {
		return false, err
	}

	for _, manager := range shown.Result.ManagedByHost {
		if manager != ownHost {
			return true, nil
		}
	}
	return false, nil
}

// HostHasServices reports whether fqdn manages any service principals.
func (c *Client) HostHasServices(ctx context.Context, fqdn string) (bool, error) {
	raw, err := c.Call(ctx, "service_find", nil, map[string]any{
		"man_by_host": fqdn,
	})
	if err != nil {
		return false, c.wrapFault(err, fmt.Sprintf("service_find for %s failed", fqdn))
	}

	var found struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &found); err != nil {
		return false, fmt.Errorf("failed to decode service_find result: %w", err)
	}
	return found.Count > 0, nil
}
