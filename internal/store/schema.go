package store

// schemas holds the DDL applied at startup. Statements are idempotent so the
// store can run them on every boot.
var schemas = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_live
		ON users (email) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS projects_name_live
		ON projects (name) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		env_type TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL,
		cluster_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS environments_project
		ON environments (project_id) WHERE deleted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS environments_project_name_live
		ON environments (project_id, name) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		svc_type TEXT NOT NULL,
		project_id TEXT NOT NULL,
		environment_id TEXT,
		owner TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'unknown',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS services_project
		ON services (project_id) WHERE deleted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS services_project_name_live
		ON services (project_id, name) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS configs (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		config_data JSONB,
		workflow_uuid TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS configs_scope_parent_key_live
		ON configs (scope, parent_id, key) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS admin_configs (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL DEFAULT '',
		config_data JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS variables (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS variables_scope_resource_key_live
		ON variables (scope, resource_id, key) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS secrets (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS secrets_scope_resource_key_live
		ON secrets (scope, resource_id, key) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS kubernetes_clusters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		api_url TEXT NOT NULL DEFAULT '',
		auth_method TEXT NOT NULL,
		environment_type TEXT NOT NULL DEFAULT '',
		kubeconfig_content TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL DEFAULT '',
		client_key TEXT NOT NULL DEFAULT '',
		client_cert TEXT NOT NULL DEFAULT '',
		client_ca_cert TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS service_versions (
		id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL,
		version_label TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		spec_json TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (service_id, version_label),
		UNIQUE (service_id, config_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS service_versions_service
		ON service_versions (service_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL,
		version_id TEXT NOT NULL,
		environment_id TEXT,
		workflow_uuid TEXT NOT NULL DEFAULT '',
		steps JSONB,
		downstream_overrides JSONB,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS deployments_service
		ON deployments (service_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS resource_permissions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		actions JSONB NOT NULL,
		granted_by TEXT NOT NULL DEFAULT '',
		granted_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, scope, resource_id)
	)`,

	`CREATE TABLE IF NOT EXISTS user_permissions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		permission_id TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		granted_by TEXT NOT NULL DEFAULT '',
		granted_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_status (
		workflow_uuid TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		name TEXT NOT NULL,
		queue_name TEXT NOT NULL DEFAULT '',
		inputs TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		application_version TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_status_queue
		ON workflow_status (queue_name, status, created_at)`,

	`CREATE TABLE IF NOT EXISTS operation_outputs (
		workflow_uuid TEXT NOT NULL,
		function_id INTEGER NOT NULL,
		function_name TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		child_workflow_id TEXT NOT NULL DEFAULT '',
		started_at_epoch_ms BIGINT NOT NULL DEFAULT 0,
		completed_at_epoch_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (workflow_uuid, function_id)
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_events (
		workflow_uuid TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workflow_uuid, key)
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_notifications (
		seq BIGSERIAL PRIMARY KEY,
		destination_uuid TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflow_notifications_idempotency
		ON workflow_notifications (destination_uuid, topic, idempotency_key)
		WHERE idempotency_key <> ''`,
	`CREATE INDEX IF NOT EXISTS workflow_notifications_inbox
		ON workflow_notifications (destination_uuid, topic, seq)`,

	`CREATE TABLE IF NOT EXISTS workflow_streams (
		workflow_uuid TEXT NOT NULL,
		key TEXT NOT NULL,
		stream_offset INTEGER NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workflow_uuid, key, stream_offset)
	)`,
}
