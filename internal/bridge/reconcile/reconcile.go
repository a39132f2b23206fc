// Package reconcile converges the directory server's access control objects
// for the bridge's service principal: the permissions it needs on host,
// service, and DNS entries, a privilege collecting them, and a role binding
// the privilege to the principal.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudkeep/ipabridge/internal/bridge/registry"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

const (
	privilegeName = "IPA Bridge Host Management"
	roleName      = "IPA Bridge Host Manager"
)

// customPermissions are the write permissions the directory does not ship
// with that the bridge needs on host and service entries.
var customPermissions = []struct {
	name    string
	objType string
	attrs   string
}{
	{"Modify host password", "host", "userpassword"},
	{"Write host certificate", "host", "usercertificate"},
	{"Modify host userclass", "host", "userclass"},
	{"Modify service managedBy attribute", "service", "managedby"},
}

// privilegePermissions is the full permission set granted through the
// privilege, mixing the custom permissions above with the server's built-in
// ones.
var privilegePermissions = []string{
	"System: add hosts",
	"System: remove hosts",
	"Modify host password",
	"Modify host userclass",
	"System: modify hosts",
	"Modify service managedBy attribute",
	"System: Add krbPrincipalName to a Host",
	"System: Add Services",
	"System: Remove Services",
	"System: revoke certificate",
	"System: manage host keytab",
	"Write host certificate",
	"System: retrieve certificates from the ca",
	"System: modify services",
	"System: manage service keytab",
	"System: read dns entries",
	"System: remove dns entries",
	"System: add dns entries",
	"System: update dns entries",
}

// Caller issues raw directory commands. Satisfied by the registry client.
type Caller interface {
	Call(ctx context.Context, method string, args []string, options map[string]any) (json.RawMessage, error)
}

// Reconciler drives the one-shot setup run.
type Reconciler struct {
	caller    Caller
	principal string
	logger    *logger.Logger
}

// New creates a reconciler granting access to the given service principal.
func New(caller Caller, principal string, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDevelopment("reconcile")
	}
	return &Reconciler{caller: caller, principal: principal, logger: log}
}

// Run converges the access objects. Each object is checked before it is
// created, so a second run changes nothing.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.ensurePermissions(ctx); err != nil {
		return err
	}
	if err := r.ensurePrivilege(ctx); err != nil {
		return err
	}
	return r.ensureRole(ctx)
}

// exists probes an object with its _show command.
func (r *Reconciler) exists(ctx context.Context, showMethod, name string) (bool, error) {
	_, err := r.caller.Call(ctx, showMethod, []string{name}, nil)
	if err != nil {
		if registry.FaultCode(err) == registry.FaultNotFound {
			return false, nil
		}
		return false, fmt.Errorf("%s %q failed: %w", showMethod, name, err)
	}
	return true, nil
}

// create runs an add command, tolerating a concurrent creator.
func (r *Reconciler) create(ctx context.Context, addMethod, name string, options map[string]any) error {
	_, err := r.caller.Call(ctx, addMethod, []string{name}, options)
	if err != nil && registry.FaultCode(err) != registry.FaultDuplicateEntry {
		return fmt.Errorf("%s %q failed: %w", addMethod, name, err)
	}
	return nil
}

func (r *Reconciler) ensurePermissions(ctx context.Context) error {
	for _, p := range customPermissions {
		present, err := r.exists(ctx, "permission_show", p.name)
		if err != nil {
			return err
		}
		if present {
			r.logger.Debug("permission present", "name", p.name)
			continue
		}

		r.logger.Info("creating permission", "name", p.name)
		if err := r.create(ctx, "permission_add", p.name, map[string]any{
			"ipapermright": "write",
			"type":         p.objType,
			"attrs":        p.attrs,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) ensurePrivilege(ctx context.Context) error {
	present, err := r.exists(ctx, "privilege_show", privilegeName)
	if err != nil {
		return err
	}
	if !present {
		r.logger.Info("creating privilege", "name", privilegeName)
		if err := r.create(ctx, "privilege_add", privilegeName, map[string]any{
			"description": privilegeName,
		}); err != nil {
			return err
		}
	}

	// Permission membership faults come back inside the result body, not
	// as a top level error, so re-binding an existing member is harmless.
	_, err = r.caller.Call(ctx, "privilege_add_permission", []string{privilegeName}, map[string]any{
		"permission": privilegePermissions,
	})
	if err != nil && registry.FaultCode(err) == 0 {
		return fmt.Errorf("privilege_add_permission failed: %w", err)
	}
	return nil
}

func (r *Reconciler) ensureRole(ctx context.Context) error {
	present, err := r.exists(ctx, "role_show", roleName)
	if err != nil {
		return err
	}
	if !present {
		r.logger.Info("creating role", "name", roleName)
		if err := r.create(ctx, "role_add", roleName, map[string]any{
			"description": roleName,
		}); err != nil {
			return err
		}
	}

	if _, err := r.caller.Call(ctx, "role_add_privilege", []string{roleName}, map[string]any{
		"privilege": privilegeName,
	}); err != nil && registry.FaultCode(err) == 0 {
		return fmt.Errorf("role_add_privilege failed: %w", err)
	}

	r.logger.Info("binding service principal to role",
		"role", roleName, "principal", r.principal)
	if _, err := r.caller.Call(ctx, "role_add_member", []string{roleName}, map[string]any{
		"service": []string{r.principal},
	}); err != nil && registry.FaultCode(err) == 0 {
		return fmt.Errorf("role_add_member failed: %w", err)
	}

	return nil
}
