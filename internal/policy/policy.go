// Package policy owns the lifecycle of per-tenant ABAC policy documents:
// drafts accumulate as numbered versions, exactly one version may be
// published at a time, and the tenant's enforcement mode decides whether the
// published document is advisory (shadow) or binding (enforce).
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"auth9.org/internal/abac"
	"auth9.org/internal/audit"
)

var (
	ErrInvalidInput = errors.New("policy: invalid input")
	ErrNotFound     = errors.New("policy: not found")
)

// Enforcement modes. A tenant starts disabled; the first publish moves it to
// shadow so a new policy never blocks traffic the moment it lands.
const (
	ModeDisabled = "disabled"
	ModeShadow   = "shadow"
	ModeEnforce  = "enforce"
)

// Version statuses.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

// Set is a tenant's policy container.
type Set struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Mode               string    `json:"mode"`
	PublishedVersionID *string   `json:"published_version_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Version is one immutable snapshot of a tenant's policy document.
type Version struct {
	ID          string          `json:"id"`
	PolicySetID string          `json:"policy_set_id"`
	VersionNo   int             `json:"version_no"`
	Status      string          `json:"status"`
	Document    json.RawMessage `json:"document"`
	ChangeNote  string          `json:"change_note,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Active is what the exchange path consumes: the tenant's mode plus the
// published document, if any.
type Active struct {
	Mode     string
	Document *abac.Document
}

// Store is the persistence surface for policy sets and versions.
//
// CreateDraft creates the tenant's set on first use (mode disabled) and
// assigns the next version number. Publish must, in one transaction: archive
// the currently published version, mark the target published, repoint the
// set, and move a disabled set to shadow. Both are shaped so that two
// concurrent calls cannot leave two published versions.
type Store interface {
	GetSetByTenant(ctx context.Context, tenantID string) (Set, error)
	CreateDraft(ctx context.Context, tenantID string, doc json.RawMessage, changeNote, createdBy string) (Version, error)
	GetVersion(ctx context.Context, tenantID, versionID string) (Version, error)
	ListVersions(ctx context.Context, tenantID string) ([]Version, error)
	Publish(ctx context.Context, tenantID, versionID string) (Set, Version, error)
	SetMode(ctx context.Context, tenantID, mode string) (Set, error)
	GetActive(ctx context.Context, tenantID string) (mode string, doc json.RawMessage, err error)
}

// Service validates documents and mode transitions on top of the store.
type Service struct {
	store    Store
	recorder *audit.Recorder
}

func NewService(store Store, recorder *audit.Recorder) *Service {
	return &Service{store: store, recorder: recorder}
}

func ValidMode(mode string) bool {
	switch mode {
	case ModeDisabled, ModeShadow, ModeEnforce:
		return true
	}
	return false
}

// CreateDraft validates and stores a new draft version for the tenant.
func (s *Service) CreateDraft(ctx context.Context, tenantID string, doc json.RawMessage, changeNote, createdBy string) (Version, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Version{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if _, err := abac.ParseDocument(doc); err != nil {
		return Version{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	v, err := s.store.CreateDraft(ctx, tenantID, doc, strings.TrimSpace(changeNote), strings.TrimSpace(createdBy))
	if err != nil {
		return Version{}, err
	}
	s.record(ctx, tenantID, createdBy, "policy.draft", "created", map[string]any{
		"version_id": v.ID,
		"version_no": v.VersionNo,
	})
	return v, nil
}

// Publish makes a draft (or a previously archived version, for rollback) the
// tenant's single published version.
func (s *Service) Publish(ctx context.Context, tenantID, versionID, actorID string) (Set, Version, error) {
	tenantID = strings.TrimSpace(tenantID)
	versionID = strings.TrimSpace(versionID)
	if tenantID == "" || versionID == "" {
		return Set{}, Version{}, fmt.Errorf("%w: tenant_id and version_id are required", ErrInvalidInput)
	}
	set, v, err := s.store.Publish(ctx, tenantID, versionID)
	if err != nil {
		return Set{}, Version{}, err
	}
	s.record(ctx, tenantID, actorID, "policy.publish", "published", map[string]any{
		"version_id": v.ID,
		"version_no": v.VersionNo,
		"mode":       set.Mode,
	})
	return set, v, nil
}

// Rollback republishes an earlier version. Same transactional mechanics as
// Publish; the only extra work is refusing versions that never existed for
// this tenant, which the store lookup already guarantees.
func (s *Service) Rollback(ctx context.Context, tenantID, versionID, actorID string) (Set, Version, error) {
	tenantID = strings.TrimSpace(tenantID)
	versionID = strings.TrimSpace(versionID)
	if tenantID == "" || versionID == "" {
		return Set{}, Version{}, fmt.Errorf("%w: tenant_id and version_id are required", ErrInvalidInput)
	}
	target, err := s.store.GetVersion(ctx, tenantID, versionID)
	if err != nil {
		return Set{}, Version{}, err
	}
	if target.Status == StatusPublished {
		return Set{}, Version{}, fmt.Errorf("%w: version %d is already published", ErrInvalidInput, target.VersionNo)
	}
	set, v, err := s.store.Publish(ctx, tenantID, versionID)
	if err != nil {
		return Set{}, Version{}, err
	}
	s.record(ctx, tenantID, actorID, "policy.rollback", "published", map[string]any{
		"version_id": v.ID,
		"version_no": v.VersionNo,
	})
	return set, v, nil
}

// SetMode switches enforcement mode. Enforce requires a published version;
// flipping a tenant to enforce with nothing published would deny everything
// or nothing depending on document shape, so it is rejected outright.
func (s *Service) SetMode(ctx context.Context, tenantID, mode, actorID string) (Set, error) {
	tenantID = strings.TrimSpace(tenantID)
	mode = strings.TrimSpace(strings.ToLower(mode))
	if tenantID == "" {
		return Set{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if !ValidMode(mode) {
		return Set{}, fmt.Errorf("%w: unsupported mode %s", ErrInvalidInput, mode)
	}
	if mode == ModeEnforce {
		set, err := s.store.GetSetByTenant(ctx, tenantID)
		if err != nil {
			return Set{}, err
		}
		if set.PublishedVersionID == nil {
			return Set{}, fmt.Errorf("%w: cannot enforce without a published version", ErrInvalidInput)
		}
	}
	set, err := s.store.SetMode(ctx, tenantID, mode)
	if err != nil {
		return Set{}, err
	}
	s.record(ctx, tenantID, actorID, "policy.mode", set.Mode, nil)
	return set, nil
}

// ListVersions returns the tenant's version history, newest first.
func (s *Service) ListVersions(ctx context.Context, tenantID string) ([]Version, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.ListVersions(ctx, tenantID)
}

// ActiveForTenant loads the tenant's mode and published document. A tenant
// with no policy set, no published version, or an undecodable stored
// document evaluates as disabled; a broken policy must degrade to RBAC-only,
// never block exchanges.
func (s *Service) ActiveForTenant(ctx context.Context, tenantID string) (Active, error) {
	mode, raw, err := s.store.GetActive(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Active{Mode: ModeDisabled}, nil
		}
		return Active{}, err
	}
	if !ValidMode(mode) {
		mode = ModeDisabled
	}
	if mode == ModeDisabled || len(raw) == 0 {
		return Active{Mode: mode}, nil
	}
	doc, err := abac.ParseDocument(raw)
	if err != nil {
		return Active{Mode: ModeDisabled}, nil
	}
	return Active{Mode: mode, Document: doc}, nil
}

// SimulationInput drives a what-if evaluation without issuing anything. The
// subject_attrs, request and env maps override the computed context, so a
// scenario can state env.hour or arbitrary request attributes rather than
// inheriting the server clock.
type SimulationInput struct {
	Document     json.RawMessage `json:"document,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	Subject      abac.Subject    `json:"subject"`
	SubjectAttrs map[string]any  `json:"subject_attrs,omitempty"`
	Resource     map[string]any  `json:"resource,omitempty"`
	Request      map[string]any  `json:"request,omitempty"`
	Env          map[string]any  `json:"env,omitempty"`
}

// Simulate evaluates an inline document, or the tenant's published one when
// no inline document is supplied.
func (s *Service) Simulate(ctx context.Context, tenantID string, in SimulationInput) (abac.Outcome, error) {
	var doc *abac.Document
	if len(in.Document) > 0 {
		parsed, err := abac.ParseDocument(in.Document)
		if err != nil {
			return abac.Outcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		doc = parsed
	} else {
		active, err := s.ActiveForTenant(ctx, tenantID)
		if err != nil {
			return abac.Outcome{}, err
		}
		if active.Document == nil {
			return abac.Outcome{}, fmt.Errorf("%w: tenant has no published policy", ErrNotFound)
		}
		doc = active.Document
	}
	evalCtx := abac.BuildContext(in.Subject, in.Action, in.ResourceType, in.Resource, time.Now())
	abac.OverlayAttrs(evalCtx, "subject", in.SubjectAttrs)
	abac.OverlayAttrs(evalCtx, "request", in.Request)
	abac.OverlayAttrs(evalCtx, "env", in.Env)
	return abac.Evaluate(doc, in.Action, in.ResourceType, evalCtx), nil
}

func (s *Service) record(ctx context.Context, tenantID, actorID, action, outcome string, detail map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, audit.Event{
		ActorID:   actorID,
		ActorKind: "user",
		TenantID:  tenantID,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
	})
}
