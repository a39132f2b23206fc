// Package hostname builds the fully qualified names assigned to enrolled
// instances. The same functions are used by the enrollment responder and the
// notification listener so both sides always agree on a host's FQDN.
package hostname

import "strings"

// Options control how an instance name is turned into an FQDN.
type Options struct {
	// Domain is the DNS domain appended to every host.
	Domain string
	// ProjectSubdomain inserts the project name between host and domain,
	// producing host.project.domain.
	ProjectSubdomain bool
	// NormalizeProject rewrites the project name into a valid DNS label
	// before it is used as a subdomain.
	NormalizeProject bool
}

// Normalize rewrites s into a valid DNS label: lower-cased, every character
// outside [a-z0-9-] replaced with a dash, runs of dashes collapsed, and
// leading/trailing dashes stripped. Deterministic for a given input.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastDash := false
	for _, r := range strings.ToLower(s) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if valid {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}

	return strings.Trim(b.String(), "-")
}

// FQDN computes the fully qualified domain name for a short host name.
// It is a pure function of its inputs: the same (host, project, opts)
// always yields the same FQDN.
func FQDN(host, project string, opts Options) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if !opts.ProjectSubdomain || project == "" {
		return host + "." + opts.Domain
	}

	if opts.NormalizeProject {
		project = Normalize(project)
	}
	if project == "" {
		return host + "." + opts.Domain
	}

	return host + "." + project + "." + opts.Domain
}

// Split separates an FQDN into its first label and the remaining domain,
// with the domain carrying a trailing dot as the directory server's DNS
// zone API expects.
func Split(fqdn string) (host, zone string) {
	parts := strings.SplitN(fqdn, ".", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1] + "."
}
