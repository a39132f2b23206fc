// Package enrollment implements the vendordata join flow: deciding whether
// an instance should be enrolled, registering it with the directory server,
// and handing back the one-time password exactly once.
package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cloudkeep/ipabridge/internal/bridge/config"
	"github.com/cloudkeep/ipabridge/internal/bridge/db"
	"github.com/cloudkeep/ipabridge/internal/bridge/registry"
	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/internal/shared/hostname"
	"github.com/cloudkeep/ipabridge/internal/shared/locks"
	"github.com/cloudkeep/ipabridge/pkg/api"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// Registry is the slice of the directory client the responder needs.
type Registry interface {
	AddHost(ctx context.Context, fqdn, otp string, opts registry.HostOptions) (bool, error)
	BatchServiceAssignments(ctx context.Context, assignments []registry.ServiceAssignment) error
}

// ImageSource resolves image properties; failures are advisory.
type ImageSource interface {
	Metadata(ctx context.Context, imageID string) (map[string]string, error)
}

// Store is the slice of the state store the responder needs.
type Store interface {
	GetEnrollment(ctx context.Context, instanceID string) (*db.Enrollment, error)
	SaveEnrollment(ctx context.Context, e db.Enrollment) error
}

// Service answers vendordata join requests.
type Service struct {
	registry Registry
	images   ImageSource
	store    Store
	projects map[string]config.ProjectConfig
	fqdnOpts hostname.Options
	locks    *locks.KeyedMutex
	logger   *logger.Logger
}

// NewService creates the enrollment responder.
func NewService(reg Registry, images ImageSource, store Store, enroll config.EnrollConfig, projects map[string]config.ProjectConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDevelopment("enrollment")
	}

	return &Service{
		registry: reg,
		images:   images,
		store:    store,
		projects: projects,
		fqdnOpts: hostname.Options{
			Domain:           enroll.Domain,
			ProjectSubdomain: enroll.ProjectSubdomain,
			NormalizeProject: enroll.NormalizeProject,
		},
		locks:  locks.NewKeyedMutex(),
		logger: log,
	}
}

// Join processes one vendordata request. The same instance asking again
// gets the same answer: the registry write happens at most once and the
// issued OTP is replayed from the state store afterwards.
func (s *Service) Join(ctx context.Context, req *api.JoinRequest) (*api.JoinResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// The metadata service retries aggressively; serialize per instance so
	// concurrent duplicates cannot race each other to the registry.
	s.locks.Lock(req.InstanceID)
	defer s.locks.Unlock(req.InstanceID)

	ctx = logger.WithInstanceID(ctx, req.InstanceID)

	// Image properties feed both the enrollment decision and the host
	// entry attributes. Losing them only degrades the entry, so a fetch
	// failure is logged and swallowed.
	imageMeta, err := s.images.Metadata(ctx, req.ImageID)
	if err != nil {
		s.logger.WarnContext(ctx, "proceeding without image metadata",
			"image_id", req.ImageID, "error", err)
		imageMeta = map[string]string{}
	}

	if !api.EnrollRequested(req.Metadata) && !api.EnrollRequested(imageMeta) {
		s.logger.DebugContext(ctx, "enrollment not requested")
		return &api.JoinResponse{}, nil
	}

	if err := s.checkHostclass(ctx, req); err != nil {
		return nil, err
	}

	fqdn := hostname.FQDN(req.Hostname, req.ProjectID, s.fqdnOpts)

	// Replay a previous issuance rather than minting a second OTP.
	if cached, err := s.store.GetEnrollment(ctx, req.InstanceID); err == nil {
		s.logger.InfoContext(ctx, "replaying cached enrollment", "fqdn", cached.FQDN)
		return &api.JoinResponse{FQDN: cached.FQDN, OTP: cached.OTP}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabase,
			"failed to read enrollment state", true, err)
	}

	otp := strings.ReplaceAll(uuid.New().String(), "-", "")

	issued, err := s.registry.AddHost(ctx, fqdn, otp, registry.HostOptions{
		Description: "enrolled compute instance",
		HostClass:   req.Metadata[api.MetaHostclass],
		Location:    req.Metadata[api.MetaHostLocation],
		OSDistro:    imageMeta["os_distro"],
		OSVersion:   imageMeta["os_version"],
	})
	if err != nil {
		return nil, err
	}
	if !issued {
		// Host already completed enrollment; hand back the name only.
		otp = ""
	}

	if err := s.store.SaveEnrollment(ctx, db.Enrollment{
		InstanceID: req.InstanceID,
		FQDN:       fqdn,
		OTP:        otp,
	}); err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabase,
			"failed to persist enrollment", true, err)
	}

	if err := s.applyServiceMetadata(ctx, req, fqdn); err != nil {
		// Service assignments are queued on behalf of orchestration tools
		// and never block the instance's own enrollment.
		s.logger.WarnContext(ctx, "service assignments failed", "error", err)
	}

	s.logger.InfoContext(ctx, "instance enrolled", "fqdn", fqdn, "otp_issued", otp != "")
	return &api.JoinResponse{FQDN: fqdn, OTP: otp}, nil
}

func validate(req *api.JoinRequest) error {
	var missing string
	switch {
	case req == nil:
		return apperrors.NewEnrollmentError(apperrors.ErrCodeValidation,
			"empty request body", false, nil)
	case req.InstanceID == "":
		missing = "instance-id"
	case req.Hostname == "":
		missing = "hostname"
	case req.ImageID == "":
		missing = "image-id"
	case req.ProjectID == "":
		missing = "project-id"
	default:
		return nil
	}
	return apperrors.NewEnrollmentError(apperrors.ErrCodeValidation,
		fmt.Sprintf("missing required field %s", missing), false, nil)
}

// checkHostclass rejects instances asking for a host class their project is
// not configured to hand out.
func (s *Service) checkHostclass(ctx context.Context, req *api.JoinRequest) error {
	hostclass := req.Metadata[api.MetaHostclass]
	if hostclass == "" {
		return nil
	}

	allowed := s.projects[req.ProjectID].AllowedClasses
	for _, class := range allowed {
		if class == hostclass || class == "*" {
			return nil
		}
	}

	s.logger.WarnContext(ctx, "hostclass not allowed for project",
		"hostclass", hostclass, "project", req.ProjectID, "allowed", allowed)
	return apperrors.NewEnrollmentError(apperrors.ErrCodeForbiddenHostclass,
		fmt.Sprintf("not allowed to add to hostclass %q", hostclass), false, nil)
}

// applyServiceMetadata turns managed_service_* keys and the compact
// representation into one batched set of service assignments.
func (s *Service) applyServiceMetadata(ctx context.Context, req *api.JoinRequest, baseFQDN string) error {
	var assignments []registry.ServiceAssignment

	for key, principal := range req.Metadata {
		if !strings.HasPrefix(key, api.MetaManagedServicePrefix) {
			continue
		}
		slash := strings.IndexByte(principal, '/')
		if slash <= 0 || slash == len(principal)-1 {
			s.logger.WarnContext(ctx, "skipping malformed service principal",
				"key", key, "principal", principal)
			continue
		}
		assignments = append(assignments, registry.ServiceAssignment{
			Principal: principal,
			Subhost:   principal[slash+1:],
			BaseFQDN:  baseFQDN,
		})
	}

	if compact := req.Metadata[api.MetaCompactServices]; compact != "" {
		compactAssignments, err := s.expandCompactServices(req.Hostname, baseFQDN, compact)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping malformed compact services", "error", err)
		} else {
			assignments = append(assignments, compactAssignments...)
		}
	}

	if len(assignments) == 0 {
		return nil
	}
	return s.registry.BatchServiceAssignments(ctx, assignments)
}

// expandCompactServices expands {"service": ["net1", "net2"]} into one
// principal per service and network, each on a per-network subhost alias of
// the instance.
func (s *Service) expandCompactServices(shortHost, baseFQDN, compact string) ([]registry.ServiceAssignment, error) {
	var services map[string][]string
	if err := json.Unmarshal([]byte(compact), &services); err != nil {
		return nil, fmt.Errorf("failed to decode compact services: %w", err)
	}

	var assignments []registry.ServiceAssignment
	for serviceName, networks := range services {
		for _, network := range networks {
			subhost := hostname.FQDN(shortHost+"."+network, "", s.fqdnOpts)
			assignments = append(assignments, registry.ServiceAssignment{
				Principal: serviceName + "/" + subhost,
				Subhost:   subhost,
				BaseFQDN:  baseFQDN,
			})
		}
	}
	return assignments, nil
}
