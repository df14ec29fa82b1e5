// Package deploy ties versions, manifests, the workflow engine and the
// cluster gateway together into the two durable workflows: service
// deployment and environment subdomain provisioning.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/env360/env360/internal/authz"
	"github.com/env360/env360/internal/config"
	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/k8s"
	"github.com/env360/env360/internal/logging"
	"github.com/env360/env360/internal/secrets"
	"github.com/env360/env360/internal/store"
	"github.com/env360/env360/internal/version"
	"github.com/env360/env360/internal/workflow"
)

// domainInfoKey is the environment config key holding the recorded subdomain.
const domainInfoKey = "domain_info"

// Gateway is the cluster surface workflow steps apply manifests through.
type Gateway interface {
	Apply(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	PollReady(ctx context.Context, apiVersion, kind, namespace, name string) (k8s.ReadyStatus, error)
}

// GatewayFactory builds a Gateway for a registered cluster. Tests substitute
// a stub; production uses NewGatewayFactory.
type GatewayFactory func(ctx context.Context, cluster *domain.KubernetesCluster) (Gateway, error)

// NewGatewayFactory returns the production factory: decrypt the stored
// credentials, build a REST config and wrap a dynamic client with the
// configured poll bounds.
func NewGatewayFactory(enc *secrets.Encryptor, logger *slog.Logger, pollTimeout, pollInterval time.Duration, opts ...k8s.Option) GatewayFactory {
	return func(ctx context.Context, cluster *domain.KubernetesCluster) (Gateway, error) {
		cfg, err := k8s.RESTConfigForCluster(cluster, enc)
		if err != nil {
			return nil, err
		}
		clientOpts := append([]k8s.Option{k8s.WithPolling(pollTimeout, pollInterval)}, opts...)
		return k8s.NewClientForConfig(cfg, logger, clientOpts...)
	}
}

// Service is the deployment orchestrator.
type Service struct {
	store    store.Store
	engine   *workflow.Engine
	versions *version.Engine
	gate     *authz.Gate
	settings *config.Manager
	gateways GatewayFactory
	logger   *slog.Logger
	queue    string
}

// NewService builds the orchestrator and registers its workflows with the
// engine.
func NewService(st store.Store, engine *workflow.Engine, versions *version.Engine,
	gate *authz.Gate, settings *config.Manager, gateways GatewayFactory, logger *slog.Logger) *Service {
	s := &Service{
		store:    st,
		engine:   engine,
		versions: versions,
		gate:     gate,
		settings: settings,
		gateways: gateways,
		logger:   logger,
		queue:    settings.Current().QueueName,
	}
	engine.Register(WorkflowDeployService, s.runDeploy)
	engine.Register(WorkflowSetupEnvSubdomain, s.runSetupEnv)
	return s
}

// DeployRequest asks for a service to be deployed. With an empty VersionID a
// new version is published from the current configuration first; otherwise
// the named existing version is redeployed.
type DeployRequest struct {
	ServiceID           string
	VersionID           string
	EnvironmentID       *string
	DownstreamOverrides []domain.DownstreamOverride
}

// DeployResult reports what Deploy set in motion.
type DeployResult struct {
	Deployment     *domain.Deployment
	Version        *domain.ServiceVersion
	VersionCreated bool
	// Subversion counts deployments of this version, so a redeploy of v3
	// shows up as v3.2.
	Subversion int
}

// Deploy publishes (or resolves) a version, records the deployment and
// enqueues the deploy workflow. It returns as soon as the workflow is
// enqueued; progress is tracked through the deployment timeline.
func (s *Service) Deploy(ctx context.Context, caller domain.Caller, req DeployRequest) (*DeployResult, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, domain.ScopeService, req.ServiceID); err != nil {
		return nil, err
	}
	if req.EnvironmentID != nil {
		if _, err := s.store.GetEnvironment(ctx, *req.EnvironmentID); err != nil {
			return nil, err
		}
	}

	var (
		ver     *domain.ServiceVersion
		created bool
		err     error
	)
	if req.VersionID != "" {
		ver, err = s.store.GetServiceVersion(ctx, req.VersionID)
		if err != nil {
			return nil, err
		}
		if ver.ServiceID != req.ServiceID {
			return nil, domain.Invalid("versionId",
				fmt.Sprintf("version %s does not belong to service %s", req.VersionID, req.ServiceID))
		}
	} else {
		ver, created, err = s.versions.Publish(ctx, req.ServiceID)
		if err != nil {
			return nil, err
		}
	}

	return s.startDeployment(ctx, req, ver, created)
}

// PublishDeployRequest publishes a version under an explicit label and
// deploys it in the same call.
type PublishDeployRequest struct {
	ServiceID           string
	VersionLabel        string
	EnvironmentID       *string
	DownstreamOverrides []domain.DownstreamOverride
}

// PublishAndDeploy is the combined mutation: a new version with the given
// label plus a pending deployment of it. Label and config-hash uniqueness
// are enforced, so republishing unchanged configuration fails with a
// conflict instead of silently reusing a version.
func (s *Service) PublishAndDeploy(ctx context.Context, caller domain.Caller, req PublishDeployRequest) (*DeployResult, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, domain.ScopeService, req.ServiceID); err != nil {
		return nil, err
	}
	if req.EnvironmentID != nil {
		if _, err := s.store.GetEnvironment(ctx, *req.EnvironmentID); err != nil {
			return nil, err
		}
	}
	ver, err := s.versions.PublishWithLabel(ctx, req.ServiceID, req.VersionLabel)
	if err != nil {
		return nil, err
	}
	return s.startDeployment(ctx, DeployRequest{
		ServiceID:           req.ServiceID,
		EnvironmentID:       req.EnvironmentID,
		DownstreamOverrides: req.DownstreamOverrides,
	}, ver, true)
}

// startDeployment records the deployment and enqueues the deploy workflow.
func (s *Service) startDeployment(ctx context.Context, req DeployRequest, ver *domain.ServiceVersion, created bool) (*DeployResult, error) {
	dep := &domain.Deployment{
		ID:                  uuid.NewString(),
		ServiceID:           req.ServiceID,
		VersionID:           ver.ID,
		EnvironmentID:       req.EnvironmentID,
		Steps:               DeploySteps(),
		DownstreamOverrides: req.DownstreamOverrides,
		Status:              domain.DeploymentPending,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.store.CreateDeployment(ctx, dep); err != nil {
		return nil, err
	}
	subversion, err := s.store.CountDeploymentsForVersion(ctx, ver.ID, dep.EnvironmentID)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(deployInput{DeploymentID: dep.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow input: %w", err)
	}
	wfID, err := s.engine.Enqueue(ctx, workflow.EnqueueRequest{
		Name:      WorkflowDeployService,
		QueueName: s.queue,
		Input:     string(input),
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.SetDeploymentWorkflow(ctx, dep.ID, wfID); err != nil {
		return nil, err
	}
	dep.WorkflowUUID = wfID

	s.logger.Info("deployment enqueued",
		logging.Deployment(dep.ID), logging.Service(req.ServiceID),
		slog.String(logging.KeyVersion, ver.VersionLabel),
		slog.Int("subversion", subversion), logging.Workflow(wfID))
	return &DeployResult{
		Deployment:     dep,
		Version:        ver,
		VersionCreated: created,
		Subversion:     subversion,
	}, nil
}

// ValidateVersion reports what publishing the service's configuration would
// do, without publishing.
func (s *Service) ValidateVersion(ctx context.Context, caller domain.Caller, serviceID string) (*version.ValidationResult, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeService, serviceID); err != nil {
		return nil, err
	}
	return s.versions.Validate(ctx, serviceID)
}

// SetupEnvSubdomain enqueues the subdomain provisioning workflow for an
// environment and returns the workflow uuid.
func (s *Service) SetupEnvSubdomain(ctx context.Context, caller domain.Caller, environmentID string) (string, error) {
	if _, err := s.store.GetEnvironment(ctx, environmentID); err != nil {
		return "", err
	}
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, domain.ScopeEnvironment, environmentID); err != nil {
		return "", err
	}
	input, err := json.Marshal(setupEnvInput{EnvironmentID: environmentID})
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow input: %w", err)
	}
	wfID, err := s.engine.Enqueue(ctx, workflow.EnqueueRequest{
		Name:      WorkflowSetupEnvSubdomain,
		QueueName: s.queue,
		Input:     string(input),
	})
	if err != nil {
		return "", err
	}

	// Stamp the workflow uuid on the environment's domain_info config at
	// enqueue time, so the association exists before the workflow runs. The
	// workflow later fills in the domain details on the same row.
	entry, err := s.store.GetConfig(ctx, domain.ScopeEnvironment, environmentID, domainInfoKey)
	switch {
	case domain.IsNotFound(err):
		entry = &domain.ConfigEntry{ParentID: environmentID, Key: domainInfoKey, WorkflowUUID: wfID}
	case err != nil:
		return "", err
	default:
		entry.WorkflowUUID = wfID
	}
	if err := s.store.UpsertConfig(ctx, domain.ScopeEnvironment, entry); err != nil {
		return "", err
	}

	s.logger.Info("subdomain setup enqueued",
		logging.Environment(environmentID), logging.Workflow(wfID))
	return wfID, nil
}

// GetDeployment returns a deployment record after a read permission check on
// its service.
func (s *Service) GetDeployment(ctx context.Context, caller domain.Caller, id string) (*domain.Deployment, error) {
	dep, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeService, dep.ServiceID); err != nil {
		return nil, err
	}
	return dep, nil
}

// ListDeployments returns a service's deployments, newest first.
func (s *Service) ListDeployments(ctx context.Context, caller domain.Caller, serviceID string) ([]domain.Deployment, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeService, serviceID); err != nil {
		return nil, err
	}
	return s.store.ListDeployments(ctx, serviceID)
}

// WorkflowDetail joins a workflow's durable status with its memoized step
// outputs, the shape the frontend timeline consumes.
type WorkflowDetail struct {
	Status         *domain.WorkflowStatus `json:"status"`
	StepsCompleted int                    `json:"stepsCompleted"`
	Steps          []domain.StepOutput    `json:"steps"`
}

// ListWorkflows returns workflow records matching the filter. Admin only:
// workflows cut across tenants.
func (s *Service) ListWorkflows(ctx context.Context, caller domain.Caller, filter store.WorkflowFilter) ([]domain.WorkflowStatus, error) {
	if !caller.IsActive || !caller.Privileged() {
		return nil, fmt.Errorf("%w: workflow listing requires admin", domain.ErrPermissionDenied)
	}
	return s.engine.ListWorkflows(ctx, filter)
}

// GetWorkflow returns a workflow's status and step outputs. Admin only.
func (s *Service) GetWorkflow(ctx context.Context, caller domain.Caller, workflowUUID string) (*WorkflowDetail, error) {
	if !caller.IsActive || !caller.Privileged() {
		return nil, fmt.Errorf("%w: workflow inspection requires admin", domain.ErrPermissionDenied)
	}
	status, err := s.engine.GetStatus(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	steps, err := s.engine.ListSteps(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	return &WorkflowDetail{
		Status:         status,
		StepsCompleted: len(steps),
		Steps:          steps,
	}, nil
}

// Step timeline states.
const (
	StepPending   = "pending"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// StepStatus is one timeline row: a step descriptor joined with its recorded
// outcome.
type StepStatus struct {
	Label       string `json:"label"`
	Fn          string `json:"fn"`
	Description string `json:"desc"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
}

// DeploymentTimeline joins the deployment's step descriptors with the
// memoized workflow step outputs. Steps without an output yet are pending.
func (s *Service) DeploymentTimeline(ctx context.Context, caller domain.Caller, deploymentID string) ([]StepStatus, error) {
	dep, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeService, dep.ServiceID); err != nil {
		return nil, err
	}

	var outputs []domain.StepOutput
	if dep.WorkflowUUID != "" {
		if outputs, err = s.store.ListStepOutputs(ctx, dep.WorkflowUUID); err != nil {
			return nil, err
		}
	}
	byName := make(map[string]domain.StepOutput, len(outputs))
	for _, out := range outputs {
		byName[out.FunctionName] = out
	}

	timeline := make([]StepStatus, 0, len(dep.Steps))
	for _, step := range dep.Steps {
		row := StepStatus{
			Label:       step.Label,
			Fn:          step.Fn,
			Description: step.Description,
			State:       StepPending,
		}
		if out, ok := byName[step.Fn]; ok {
			if out.Error != "" {
				row.State = StepFailed
				row.Error = out.Error
			} else {
				row.State = StepSucceeded
			}
		}
		timeline = append(timeline, row)
	}
	return timeline, nil
}
