package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/internal/shared/hostname"
)

// HostOptions carries the optional attributes recorded on a new host entry.
type HostOptions struct {
	Description string
	HostClass   string
	Location    string
	OSDistro    string
	OSVersion   string
}

// AddHost registers fqdn and sets its one-time password. The returned bool
// reports whether the OTP was actually set: an existing host that already
// completed enrollment rejects the password change, in which case AddHost
// returns false with no error and the caller must not hand out an OTP.
func (c *Client) AddHost(ctx context.Context, fqdn, otp string, opts HostOptions) (bool, error) {
	// Setting the password on an existing entry first keeps re-issued
	// requests for a not-yet-enrolled host working without a delete/add
	// cycle.
	_, err := c.Call(ctx, "host_mod", []string{fqdn}, map[string]any{
		"userpassword": otp,
	})
	if err == nil {
		c.logger.Debug("host password updated", "fqdn", fqdn)
		return true, nil
	}

	switch FaultCode(err) {
	case FaultNotFound:
		// Fall through to host_add below.
	case FaultValidationError:
		// The entry exists and is enrolled; its password can no longer
		// be changed.
		c.logger.Info("host already enrolled, not issuing a password", "fqdn", fqdn)
		return false, nil
	default:
		return false, c.wrapFault(err, fmt.Sprintf("host_mod %s failed", fqdn))
	}

	options := map[string]any{
		"force":        true,
		"userpassword": otp,
	}
	if opts.Description != "" {
		options["description"] = opts.Description
	}
	if opts.HostClass != "" {
		options["userclass"] = opts.HostClass
	}
	if opts.Location != "" {
		options["nshostlocation"] = opts.Location
	}
	if opts.OSDistro != "" {
		osVersion := opts.OSDistro
		if opts.OSVersion != "" {
			osVersion = opts.OSDistro + " " + opts.OSVersion
		}
		options["nsosversion"] = osVersion
	}

	_, err = c.Call(ctx, "host_add", []string{fqdn}, options)
	if err == nil {
		c.logger.Info("host registered", "fqdn", fqdn)
		return true, nil
	}

	switch FaultCode(err) {
	case FaultDuplicateEntry, FaultValidationError:
		// Lost a race with a concurrent registration; the other writer's
		// password stands.
		c.logger.Debug("host appeared concurrently", "fqdn", fqdn)
		return false, nil
	default:
		return false, c.wrapFault(err, fmt.Sprintf("host_add %s failed", fqdn))
	}
}

// DeleteHost removes fqdn and its DNS records. A host that is already gone
// counts as success.
func (c *Client) DeleteHost(ctx context.Context, fqdn string) error {
	_, err := c.Call(ctx, "host_del", []string{fqdn}, map[string]any{
		"updatedns": false,
	})
	if err != nil {
		switch FaultCode(err) {
		case FaultNotFound, FaultACIError:
			// Already gone, or never visible to us.
			c.logger.Debug("host already absent on delete", "fqdn", fqdn)
		default:
			return c.wrapFault(err, fmt.Sprintf("host_del %s failed", fqdn))
		}
	}

	// DNS cleanup is best effort: the zone may not be managed here at all.
	host, zone := hostname.Split(fqdn)
	if zone == "" {
		return nil
	}
	if _, err := c.Call(ctx, "dnsrecord_del", []string{zone, host}, map[string]any{
		"del_all": true,
	}); err != nil {
		c.logger.Debug("dns cleanup skipped", "fqdn", fqdn, "error", err)
	}

	return nil
}

// AddSubhost registers a service alias host entry with no password.
func (c *Client) AddSubhost(ctx context.Context, fqdn string) error {
	_, err := c.Call(ctx, "host_add", []string{fqdn}, map[string]any{
		"force": true,
	})
	if err != nil && FaultCode(err) != FaultDuplicateEntry {
		return c.wrapFault(err, fmt.Sprintf("host_add subhost %s failed", fqdn))
	}
	return nil
}

// RemoveSubhost deletes a service alias host entry.
func (c *Client) RemoveSubhost(ctx context.Context, fqdn string) error {
	_, err := c.Call(ctx, "host_del", []string{fqdn}, map[string]any{
		"updatedns": false,
	})
	if err != nil {
		switch FaultCode(err) {
		case FaultNotFound, FaultACIError:
			return nil
		}
		return c.wrapFault(err, fmt.Sprintf("host_del subhost %s failed", fqdn))
	}
	return nil
}

// RevokeCertificates revokes every certificate issued to fqdn. Reason 4 is
// "superseded".
func (c *Client) RevokeCertificates(ctx context.Context, fqdn string) error {
	raw, err := c.Call(ctx, "cert_find", nil, map[string]any{
		"host":      []string{fqdn},
		"sizelimit": 0,
	})
	if err != nil {
		if FaultCode(err) == FaultNotFound {
			return nil
		}
		return c.wrapFault(err, fmt.Sprintf("cert_find for %s failed", fqdn))
	}

	var found struct {
		Result []struct {
			SerialNumber json.Number `json:"serial_number"`
			Revoked      bool        `json:"revoked"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &found); err != nil {
		return fmt.Errorf("failed to decode cert_find result: %w", err)
	}

	for _, cert := range found.Result {
		if cert.Revoked {
			continue
		}
		_, err := c.Call(ctx, "cert_revoke", []string{cert.SerialNumber.String()}, map[string]any{
			"revocation_reason": 4,
		})
		if err != nil && FaultCode(err) == 0 {
			return c.wrapFault(err, fmt.Sprintf("cert_revoke %s failed", cert.SerialNumber))
		}
		if err != nil {
			c.logger.Debug("certificate revoke fault ignored",
				"fqdn", fqdn, "serial", cert.SerialNumber, "error", err)
			continue
		}
		c.logger.Info("certificate revoked", "fqdn", fqdn, "serial", cert.SerialNumber)
	}

	return nil
}

// wrapFault converts an unexpected server fault or transport error into a
// registry domain error. Domain errors pass through untouched.
func (c *Client) wrapFault(err error, message string) error {
	var domainErr apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	var fault *Fault
	if errors.As(err, &fault) {
		code := apperrors.ErrCodeRPCFault
		if fault.Code == FaultNotFound {
			code = apperrors.ErrCodeHostNotFound
		}
		return apperrors.NewRegistryError(code, message, false, err)
	}

	return apperrors.NewRegistryError(apperrors.ErrCodeConnectivity, message, true, err)
}
