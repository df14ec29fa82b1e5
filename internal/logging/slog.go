// Package logging provides shared slog attribute helpers so log fields stay
// consistently named across the codebase.
package logging

import (
	"log/slog"
	"os"
)

// Common log attribute keys.
const (
	KeyWorkflow    = "workflow"
	KeyWorkflowFn  = "workflow_name"
	KeyStep        = "step"
	KeyFunctionID  = "function_id"
	KeyDeployment  = "deployment"
	KeyService     = "service"
	KeyProject     = "project"
	KeyEnvironment = "environment"
	KeyCluster     = "cluster"
	KeyNamespace   = "namespace"
	KeyKind        = "kind"
	KeyName        = "name"
	KeyVersion     = "version"
	KeyQueue       = "queue"
	KeyDuration    = "duration"
	KeyError       = "error"
)

// Workflow returns a slog attribute for a workflow instance id.
func Workflow(id string) slog.Attr {
	return slog.String(KeyWorkflow, id)
}

// Step returns a slog attribute for a workflow step name.
func Step(name string) slog.Attr {
	return slog.String(KeyStep, name)
}

// FunctionID returns a slog attribute for a step's position.
func FunctionID(id int) slog.Attr {
	return slog.Int(KeyFunctionID, id)
}

// Deployment returns a slog attribute for a deployment id.
func Deployment(id string) slog.Attr {
	return slog.String(KeyDeployment, id)
}

// Service returns a slog attribute for a service id or name.
func Service(s string) slog.Attr {
	return slog.String(KeyService, s)
}

// Environment returns a slog attribute for an environment id or name.
func Environment(s string) slog.Attr {
	return slog.String(KeyEnvironment, s)
}

// Cluster returns a slog attribute for a cluster id or name.
func Cluster(s string) slog.Attr {
	return slog.String(KeyCluster, s)
}

// Namespace returns a slog attribute for a Kubernetes namespace.
func Namespace(ns string) slog.Attr {
	return slog.String(KeyNamespace, ns)
}

// Kind returns a slog attribute for a Kubernetes kind.
func Kind(kind string) slog.Attr {
	return slog.String(KeyKind, kind)
}

// Queue returns a slog attribute for a workflow queue name.
func Queue(name string) slog.Attr {
	return slog.String(KeyQueue, name)
}

// Err returns a slog attribute for an error, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// WithWorkflow returns a logger with the workflow attribute set.
func WithWorkflow(logger *slog.Logger, id string) *slog.Logger {
	return logger.With(Workflow(id))
}

// New builds a logger writing to stderr. When debug is true the level drops
// to Debug; json selects the JSON handler over text.
func New(debug, json bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
