package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/env360/env360/internal/domain"
)

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// Postgres is the production Store implementation backed by a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, domain.Unavailable("database", err)
	}
	p := &Postgres{pool: pool, logger: logger}
	if err := p.setupSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks database connectivity. Used by the readiness endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) setupSchema(ctx context.Context) error {
	for _, stmt := range schemas {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	p.logger.Debug("database schema applied", "statements", len(schemas))
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFoundOr(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound(kind, id)
	}
	return fmt.Errorf("failed to query %s: %w", kind, err)
}

// --- users ---

func (p *Postgres) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, is_active, is_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.Name, u.IsActive, u.IsAdmin, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("user", u.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (p *Postgres) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.IsAdmin,
		&u.CreatedAt, &u.UpdatedAt, &u.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const userColumns = `id, email, name, is_active, is_admin, created_at, updated_at, deleted_at`

func (p *Postgres) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := p.scanUser(p.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return nil, notFoundOr(err, "user", id)
	}
	return u, nil
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	u, err := p.scanUser(p.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND deleted_at IS NULL`, email))
	if err != nil {
		return nil, notFoundOr(err, "user", email)
	}
	return u, nil
}

func (p *Postgres) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := p.scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateUser(ctx context.Context, u *domain.User) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE users SET email = $2, name = $3, is_active = $4, is_admin = $5, updated_at = $6
		 WHERE id = $1 AND deleted_at IS NULL`,
		u.ID, u.Email, u.Name, u.IsActive, u.IsAdmin, u.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("user", u.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("user", u.ID)
	}
	return nil
}

func (p *Postgres) DeleteUser(ctx context.Context, id string) error {
	return p.softDelete(ctx, "users", "user", id)
}

func (p *Postgres) softDelete(ctx context.Context, table, kind, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE `+table+` SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(kind, id)
	}
	return nil
}

// --- projects ---

const projectColumns = `id, name, description, owner_id, created_at, updated_at, deleted_at`

func (p *Postgres) CreateProject(ctx context.Context, pr *domain.Project) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO projects (id, name, description, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pr.ID, pr.Name, pr.Description, pr.OwnerID, pr.CreatedAt, pr.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("project", pr.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var pr domain.Project
	err := row.Scan(&pr.ID, &pr.Name, &pr.Description, &pr.OwnerID,
		&pr.CreatedAt, &pr.UpdatedAt, &pr.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	pr, err := scanProject(p.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return nil, notFoundOr(err, "project", id)
	}
	return pr, nil
}

func (p *Postgres) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		pr, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (p *Postgres) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return p.listProjects(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE deleted_at IS NULL ORDER BY created_at`)
}

func (p *Postgres) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return p.listProjects(ctx,
		`SELECT `+projectColumns+` FROM projects
		 WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at`, ownerID)
}

func (p *Postgres) UpdateProject(ctx context.Context, pr *domain.Project) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE projects SET name = $2, description = $3, owner_id = $4, updated_at = $5
		 WHERE id = $1 AND deleted_at IS NULL`,
		pr.ID, pr.Name, pr.Description, pr.OwnerID, pr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("project", pr.ID)
	}
	return nil
}

func (p *Postgres) DeleteProject(ctx context.Context, id string) error {
	return p.softDelete(ctx, "projects", "project", id)
}

// --- environments ---

const environmentColumns = `id, name, env_type, url, project_id, cluster_id, created_at, updated_at, deleted_at`

func (p *Postgres) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO environments (id, name, env_type, url, project_id, cluster_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		env.ID, env.Name, env.Type, env.URL, env.ProjectID, env.ClusterID, env.CreatedAt, env.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("environment", env.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert environment: %w", err)
	}
	return nil
}

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var env domain.Environment
	err := row.Scan(&env.ID, &env.Name, &env.Type, &env.URL, &env.ProjectID,
		&env.ClusterID, &env.CreatedAt, &env.UpdatedAt, &env.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (p *Postgres) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	env, err := scanEnvironment(p.pool.QueryRow(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return nil, notFoundOr(err, "environment", id)
	}
	return env, nil
}

func (p *Postgres) ListEnvironments(ctx context.Context, projectID string) ([]domain.Environment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+environmentColumns+` FROM environments
		 WHERE project_id = $1 AND deleted_at IS NULL ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()
	var out []domain.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		out = append(out, *env)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE environments SET name = $2, env_type = $3, url = $4, cluster_id = $5, updated_at = $6
		 WHERE id = $1 AND deleted_at IS NULL`,
		env.ID, env.Name, env.Type, env.URL, env.ClusterID, env.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update environment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("environment", env.ID)
	}
	return nil
}

func (p *Postgres) DeleteEnvironment(ctx context.Context, id string) error {
	return p.softDelete(ctx, "environments", "environment", id)
}

func (p *Postgres) DetachCluster(ctx context.Context, clusterID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE environments SET cluster_id = NULL, updated_at = $2
		 WHERE cluster_id = $1 AND deleted_at IS NULL`,
		clusterID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to detach cluster: %w", err)
	}
	return nil
}

// --- services ---

const serviceColumns = `id, name, description, svc_type, project_id, environment_id, owner, status, created_at, updated_at, deleted_at`

func (p *Postgres) CreateService(ctx context.Context, svc *domain.Service) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO services (id, name, description, svc_type, project_id, environment_id, owner, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		svc.ID, svc.Name, svc.Description, svc.Type, svc.ProjectID, svc.EnvironmentID,
		svc.Owner, svc.Status, svc.CreatedAt, svc.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("service", svc.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}
	return nil
}

func scanService(row pgx.Row) (*domain.Service, error) {
	var svc domain.Service
	err := row.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.Type, &svc.ProjectID,
		&svc.EnvironmentID, &svc.Owner, &svc.Status, &svc.CreatedAt, &svc.UpdatedAt, &svc.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (p *Postgres) GetService(ctx context.Context, id string) (*domain.Service, error) {
	svc, err := scanService(p.pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return nil, notFoundOr(err, "service", id)
	}
	return svc, nil
}

func (p *Postgres) ListServices(ctx context.Context, projectID string) ([]domain.Service, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+serviceColumns+` FROM services
		 WHERE project_id = $1 AND deleted_at IS NULL ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()
	var out []domain.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateService(ctx context.Context, svc *domain.Service) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE services SET name = $2, description = $3, svc_type = $4, environment_id = $5,
			owner = $6, status = $7, updated_at = $8
		 WHERE id = $1 AND deleted_at IS NULL`,
		svc.ID, svc.Name, svc.Description, svc.Type, svc.EnvironmentID,
		svc.Owner, svc.Status, svc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("service", svc.ID)
	}
	return nil
}

func (p *Postgres) DeleteService(ctx context.Context, id string) error {
	return p.softDelete(ctx, "services", "service", id)
}

// --- configs ---

func (p *Postgres) UpsertConfig(ctx context.Context, scope domain.VariableScope, entry *domain.ConfigEntry) error {
	data, err := marshalJSONB(entry.ConfigData)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO configs (id, scope, parent_id, key, value, config_data, workflow_uuid, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (scope, parent_id, key) WHERE deleted_at IS NULL
		 DO UPDATE SET value = EXCLUDED.value, config_data = EXCLUDED.config_data,
			workflow_uuid = EXCLUDED.workflow_uuid, updated_at = EXCLUDED.updated_at`,
		entry.ID, scope, entry.ParentID, entry.Key, entry.Value, data,
		entry.WorkflowUUID, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert config: %w", err)
	}
	return nil
}

func scanConfig(row pgx.Row) (*domain.ConfigEntry, error) {
	var (
		entry domain.ConfigEntry
		data  []byte
	)
	err := row.Scan(&entry.ID, &entry.ParentID, &entry.Key, &entry.Value, &data,
		&entry.WorkflowUUID, &entry.CreatedAt, &entry.UpdatedAt, &entry.DeletedAt)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entry.ConfigData); err != nil {
			return nil, fmt.Errorf("failed to decode config data: %w", err)
		}
	}
	return &entry, nil
}

const configColumns = `id, parent_id, key, value, config_data, workflow_uuid, created_at, updated_at, deleted_at`

func (p *Postgres) GetConfig(ctx context.Context, scope domain.VariableScope, parentID, key string) (*domain.ConfigEntry, error) {
	entry, err := scanConfig(p.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM configs
		 WHERE scope = $1 AND parent_id = $2 AND key = $3 AND deleted_at IS NULL`,
		scope, parentID, key))
	if err != nil {
		return nil, notFoundOr(err, "config", key)
	}
	return entry, nil
}

func (p *Postgres) ListConfigs(ctx context.Context, scope domain.VariableScope, parentID string) ([]domain.ConfigEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+configColumns+` FROM configs
		 WHERE scope = $1 AND parent_id = $2 AND deleted_at IS NULL ORDER BY key`,
		scope, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()
	var out []domain.ConfigEntry
	for rows.Next() {
		entry, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteConfig(ctx context.Context, scope domain.VariableScope, parentID, key string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE configs SET deleted_at = $4
		 WHERE scope = $1 AND parent_id = $2 AND key = $3 AND deleted_at IS NULL`,
		scope, parentID, key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("config", key)
	}
	return nil
}

// --- admin configs ---

func (p *Postgres) UpsertAdminConfig(ctx context.Context, cfg *domain.AdminConfig) error {
	data, err := marshalJSONB(cfg.ConfigData)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO admin_configs (id, key, value, config_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
			config_data = EXCLUDED.config_data, updated_at = EXCLUDED.updated_at`,
		cfg.ID, cfg.Key, cfg.Value, data, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert admin config: %w", err)
	}
	return nil
}

func scanAdminConfig(row pgx.Row) (*domain.AdminConfig, error) {
	var (
		cfg  domain.AdminConfig
		data []byte
	)
	err := row.Scan(&cfg.ID, &cfg.Key, &cfg.Value, &data, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg.ConfigData); err != nil {
			return nil, fmt.Errorf("failed to decode admin config data: %w", err)
		}
	}
	return &cfg, nil
}

func (p *Postgres) GetAdminConfig(ctx context.Context, key string) (*domain.AdminConfig, error) {
	cfg, err := scanAdminConfig(p.pool.QueryRow(ctx,
		`SELECT id, key, value, config_data, created_at, updated_at
		 FROM admin_configs WHERE key = $1`, key))
	if err != nil {
		return nil, notFoundOr(err, "admin config", key)
	}
	return cfg, nil
}

func (p *Postgres) ListAdminConfigs(ctx context.Context) ([]domain.AdminConfig, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, key, value, config_data, created_at, updated_at
		 FROM admin_configs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin configs: %w", err)
	}
	defer rows.Close()
	var out []domain.AdminConfig
	for rows.Next() {
		cfg, err := scanAdminConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan admin config: %w", err)
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteAdminConfig(ctx context.Context, key string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM admin_configs WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete admin config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("admin config", key)
	}
	return nil
}

// --- variables and secrets ---

func (p *Postgres) CreateVariable(ctx context.Context, v *domain.Variable) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO variables (id, scope, resource_id, key, value, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.Scope, v.ResourceID, v.Key, v.Value, v.CreatedAt, v.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("variable", v.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to insert variable: %w", err)
	}
	return nil
}

func (p *Postgres) GetVariable(ctx context.Context, id string) (*domain.Variable, error) {
	var v domain.Variable
	err := p.pool.QueryRow(ctx,
		`SELECT id, scope, resource_id, key, value, created_at, updated_at, deleted_at
		 FROM variables WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&v.ID, &v.Scope, &v.ResourceID, &v.Key, &v.Value, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt)
	if err != nil {
		return nil, notFoundOr(err, "variable", id)
	}
	return &v, nil
}

func (p *Postgres) ListVariables(ctx context.Context, scope domain.VariableScope, resourceID string) ([]domain.Variable, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, scope, resource_id, key, value, created_at, updated_at, deleted_at
		 FROM variables WHERE scope = $1 AND resource_id = $2 AND deleted_at IS NULL ORDER BY key`,
		scope, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()
	var out []domain.Variable
	for rows.Next() {
		var v domain.Variable
		if err := rows.Scan(&v.ID, &v.Scope, &v.ResourceID, &v.Key, &v.Value,
			&v.CreatedAt, &v.UpdatedAt, &v.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateVariable(ctx context.Context, v *domain.Variable) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE variables SET value = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		v.ID, v.Value, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update variable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("variable", v.ID)
	}
	return nil
}

func (p *Postgres) DeleteVariable(ctx context.Context, id string) error {
	return p.softDelete(ctx, "variables", "variable", id)
}

func (p *Postgres) CreateSecret(ctx context.Context, s *domain.Secret) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO secrets (id, scope, resource_id, key, value, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.Scope, s.ResourceID, s.Key, s.Value, s.CreatedAt, s.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("secret", s.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to insert secret: %w", err)
	}
	return nil
}

func (p *Postgres) GetSecret(ctx context.Context, id string) (*domain.Secret, error) {
	var s domain.Secret
	err := p.pool.QueryRow(ctx,
		`SELECT id, scope, resource_id, key, value, created_at, updated_at, deleted_at
		 FROM secrets WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&s.ID, &s.Scope, &s.ResourceID, &s.Key, &s.Value, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
	if err != nil {
		return nil, notFoundOr(err, "secret", id)
	}
	return &s, nil
}

func (p *Postgres) ListSecrets(ctx context.Context, scope domain.VariableScope, resourceID string) ([]domain.Secret, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, scope, resource_id, key, value, created_at, updated_at, deleted_at
		 FROM secrets WHERE scope = $1 AND resource_id = $2 AND deleted_at IS NULL ORDER BY key`,
		scope, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()
	var out []domain.Secret
	for rows.Next() {
		var s domain.Secret
		if err := rows.Scan(&s.ID, &s.Scope, &s.ResourceID, &s.Key, &s.Value,
			&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSecret(ctx context.Context, s *domain.Secret) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET value = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		s.ID, s.Value, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("secret", s.ID)
	}
	return nil
}

func (p *Postgres) DeleteSecret(ctx context.Context, id string) error {
	return p.softDelete(ctx, "secrets", "secret", id)
}

// --- clusters ---

const clusterColumns = `id, name, api_url, auth_method, environment_type, kubeconfig_content,
	token, client_key, client_cert, client_ca_cert, created_at, updated_at`

func (p *Postgres) CreateCluster(ctx context.Context, c *domain.KubernetesCluster) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO kubernetes_clusters (`+clusterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Name, c.APIURL, c.AuthMethod, c.EnvironmentType, c.KubeconfigContent,
		c.Token, c.ClientKey, c.ClientCert, c.ClientCACert, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("cluster", c.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert cluster: %w", err)
	}
	return nil
}

func scanCluster(row pgx.Row) (*domain.KubernetesCluster, error) {
	var c domain.KubernetesCluster
	err := row.Scan(&c.ID, &c.Name, &c.APIURL, &c.AuthMethod, &c.EnvironmentType,
		&c.KubeconfigContent, &c.Token, &c.ClientKey, &c.ClientCert, &c.ClientCACert,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) GetCluster(ctx context.Context, id string) (*domain.KubernetesCluster, error) {
	c, err := scanCluster(p.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM kubernetes_clusters WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "cluster", id)
	}
	return c, nil
}

func (p *Postgres) ListClusters(ctx context.Context) ([]domain.KubernetesCluster, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+clusterColumns+` FROM kubernetes_clusters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()
	var out []domain.KubernetesCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateCluster(ctx context.Context, c *domain.KubernetesCluster) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE kubernetes_clusters SET name = $2, api_url = $3, auth_method = $4,
			environment_type = $5, kubeconfig_content = $6, token = $7,
			client_key = $8, client_cert = $9, client_ca_cert = $10, updated_at = $11
		 WHERE id = $1`,
		c.ID, c.Name, c.APIURL, c.AuthMethod, c.EnvironmentType, c.KubeconfigContent,
		c.Token, c.ClientKey, c.ClientCert, c.ClientCACert, c.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("cluster", c.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update cluster: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("cluster", c.ID)
	}
	return nil
}

func (p *Postgres) DeleteCluster(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM kubernetes_clusters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("cluster", id)
	}
	return nil
}

// --- service versions ---

const versionColumns = `id, service_id, version_label, config_hash, spec_json, created_at`

func (p *Postgres) CreateServiceVersion(ctx context.Context, v *domain.ServiceVersion) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO service_versions (`+versionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.ServiceID, v.VersionLabel, v.ConfigHash, v.SpecJSON, v.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if strings.Contains(pgErr.ConstraintName, "config_hash") {
			return fmt.Errorf("%w: config hash already recorded for service %s",
				domain.ErrConflict, v.ServiceID)
		}
		return fmt.Errorf("%w: version %s already exists for service %s",
			domain.ErrConflict, v.VersionLabel, v.ServiceID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert service version: %w", err)
	}
	return nil
}

func scanVersion(row pgx.Row) (*domain.ServiceVersion, error) {
	var v domain.ServiceVersion
	err := row.Scan(&v.ID, &v.ServiceID, &v.VersionLabel, &v.ConfigHash, &v.SpecJSON, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Postgres) GetServiceVersion(ctx context.Context, id string) (*domain.ServiceVersion, error) {
	v, err := scanVersion(p.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM service_versions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "service version", id)
	}
	return v, nil
}

func (p *Postgres) ListServiceVersions(ctx context.Context, serviceID string) ([]domain.ServiceVersion, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM service_versions
		 WHERE service_id = $1 ORDER BY created_at DESC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list service versions: %w", err)
	}
	defer rows.Close()
	var out []domain.ServiceVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service version: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (p *Postgres) LatestServiceVersion(ctx context.Context, serviceID string) (*domain.ServiceVersion, error) {
	v, err := scanVersion(p.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM service_versions
		 WHERE service_id = $1 ORDER BY created_at DESC, version_label DESC LIMIT 1`, serviceID))
	if err != nil {
		return nil, notFoundOr(err, "service version", serviceID)
	}
	return v, nil
}

func (p *Postgres) FindServiceVersionByHash(ctx context.Context, serviceID, configHash string) (*domain.ServiceVersion, error) {
	v, err := scanVersion(p.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM service_versions
		 WHERE service_id = $1 AND config_hash = $2`, serviceID, configHash))
	if err != nil {
		return nil, notFoundOr(err, "service version", configHash)
	}
	return v, nil
}

// --- deployments ---

func (p *Postgres) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	steps, err := marshalJSONB(d.Steps)
	if err != nil {
		return err
	}
	overrides, err := marshalJSONB(d.DownstreamOverrides)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO deployments (id, service_id, version_id, environment_id, workflow_uuid,
			steps, downstream_overrides, status, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.ServiceID, d.VersionID, d.EnvironmentID, d.WorkflowUUID,
		steps, overrides, d.Status, d.CreatedAt, d.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert deployment: %w", err)
	}
	return nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d         domain.Deployment
		steps     []byte
		overrides []byte
	)
	err := row.Scan(&d.ID, &d.ServiceID, &d.VersionID, &d.EnvironmentID, &d.WorkflowUUID,
		&steps, &overrides, &d.Status, &d.CreatedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &d.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode deployment steps: %w", err)
		}
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &d.DownstreamOverrides); err != nil {
			return nil, fmt.Errorf("failed to decode downstream overrides: %w", err)
		}
	}
	return &d, nil
}

const deploymentColumns = `id, service_id, version_id, environment_id, workflow_uuid,
	steps, downstream_overrides, status, created_at, completed_at`

func (p *Postgres) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := scanDeployment(p.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "deployment", id)
	}
	return d, nil
}

func (p *Postgres) ListDeployments(ctx context.Context, serviceID string) ([]domain.Deployment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE service_id = $1 ORDER BY created_at DESC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()
	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *Postgres) SetDeploymentWorkflow(ctx context.Context, id, workflowUUID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE deployments SET workflow_uuid = $2 WHERE id = $1`, id, workflowUUID)
	if err != nil {
		return fmt.Errorf("failed to set deployment workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("deployment", id)
	}
	return nil
}

func (p *Postgres) CompleteDeployment(ctx context.Context, id string, status domain.DeploymentStatus, completedAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE deployments SET status = $2, completed_at = $3 WHERE id = $1`,
		id, status, completedAt)
	if err != nil {
		return fmt.Errorf("failed to complete deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("deployment", id)
	}
	return nil
}

func (p *Postgres) CountDeploymentsForVersion(ctx context.Context, versionID string, environmentID *string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM deployments
		 WHERE version_id = $1 AND environment_id IS NOT DISTINCT FROM $2`,
		versionID, environmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deployments: %w", err)
	}
	return n, nil
}

// --- permissions ---

func (p *Postgres) UpsertResourcePermission(ctx context.Context, perm *domain.ResourcePermission) error {
	actions, err := marshalJSONB(perm.Actions)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO resource_permissions (id, user_id, scope, resource_id, actions, granted_by, granted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, scope, resource_id) DO UPDATE SET
			actions = EXCLUDED.actions, granted_by = EXCLUDED.granted_by,
			granted_at = EXCLUDED.granted_at`,
		perm.ID, perm.UserID, perm.Scope, perm.ResourceID, actions, perm.GrantedBy, perm.GrantedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert resource permission: %w", err)
	}
	return nil
}

func scanResourcePermission(row pgx.Row) (*domain.ResourcePermission, error) {
	var (
		perm    domain.ResourcePermission
		actions []byte
	)
	err := row.Scan(&perm.ID, &perm.UserID, &perm.Scope, &perm.ResourceID,
		&actions, &perm.GrantedBy, &perm.GrantedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(actions, &perm.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode permission actions: %w", err)
	}
	return &perm, nil
}

const permissionColumns = `id, user_id, scope, resource_id, actions, granted_by, granted_at`

func (p *Postgres) GetResourcePermission(ctx context.Context, userID string, scope domain.VariableScope, resourceID string) (*domain.ResourcePermission, error) {
	perm, err := scanResourcePermission(p.pool.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM resource_permissions
		 WHERE user_id = $1 AND scope = $2 AND resource_id = $3`,
		userID, scope, resourceID))
	if err != nil {
		return nil, notFoundOr(err, "permission", resourceID)
	}
	return perm, nil
}

func (p *Postgres) ListResourcePermissions(ctx context.Context, filter PermissionFilter) ([]domain.ResourcePermission, error) {
	query := `SELECT ` + permissionColumns + ` FROM resource_permissions WHERE TRUE`
	var args []any
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Scope != "" {
		args = append(args, filter.Scope)
		query += fmt.Sprintf(" AND scope = $%d", len(args))
	}
	if filter.ResourceID != "" {
		args = append(args, filter.ResourceID)
		query += fmt.Sprintf(" AND resource_id = $%d", len(args))
	}
	query += " ORDER BY granted_at"
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource permissions: %w", err)
	}
	defer rows.Close()
	var out []domain.ResourcePermission
	for rows.Next() {
		perm, err := scanResourcePermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource permission: %w", err)
		}
		out = append(out, *perm)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteResourcePermission(ctx context.Context, userID string, scope domain.VariableScope, resourceID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM resource_permissions WHERE user_id = $1 AND scope = $2 AND resource_id = $3`,
		userID, scope, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete resource permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("permission", resourceID)
	}
	return nil
}

func (p *Postgres) CreateUserPermission(ctx context.Context, perm *domain.UserPermission) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO user_permissions (id, user_id, permission_id, resource_id, granted_by, granted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		perm.ID, perm.UserID, perm.PermissionID, perm.ResourceID, perm.GrantedBy, perm.GrantedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user permission: %w", err)
	}
	return nil
}

func (p *Postgres) ListUserPermissions(ctx context.Context, userID string) ([]domain.UserPermission, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, permission_id, resource_id, granted_by, granted_at
		 FROM user_permissions WHERE user_id = $1 ORDER BY granted_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user permissions: %w", err)
	}
	defer rows.Close()
	var out []domain.UserPermission
	for rows.Next() {
		var perm domain.UserPermission
		if err := rows.Scan(&perm.ID, &perm.UserID, &perm.PermissionID,
			&perm.ResourceID, &perm.GrantedBy, &perm.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user permission: %w", err)
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}

// --- workflow bookkeeping ---

const workflowColumns = `workflow_uuid, status, name, queue_name, inputs, output, error,
	application_version, created_at, updated_at`

func (p *Postgres) InsertWorkflowStatus(ctx context.Context, ws *domain.WorkflowStatus) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO workflow_status (`+workflowColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ws.WorkflowUUID, ws.Status, ws.Name, ws.QueueName, ws.Inputs, ws.Output,
		ws.Error, ws.ApplicationVersion, ws.CreatedAt, ws.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.AlreadyExists("workflow", ws.WorkflowUUID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert workflow status: %w", err)
	}
	return nil
}

func scanWorkflow(row pgx.Row) (*domain.WorkflowStatus, error) {
	var ws domain.WorkflowStatus
	err := row.Scan(&ws.WorkflowUUID, &ws.Status, &ws.Name, &ws.QueueName, &ws.Inputs,
		&ws.Output, &ws.Error, &ws.ApplicationVersion, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (p *Postgres) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*domain.WorkflowStatus, error) {
	ws, err := scanWorkflow(p.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflow_status WHERE workflow_uuid = $1`, workflowUUID))
	if err != nil {
		return nil, notFoundOr(err, "workflow", workflowUUID)
	}
	return ws, nil
}

func (p *Postgres) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]domain.WorkflowStatus, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_status WHERE TRUE`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Name != "" {
		args = append(args, filter.Name)
		query += fmt.Sprintf(" AND name = $%d", len(args))
	}
	if filter.QueueName != "" {
		args = append(args, filter.QueueName)
		query += fmt.Sprintf(" AND queue_name = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkflowStatus
	for rows.Next() {
		ws, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateWorkflowState(ctx context.Context, workflowUUID string, state domain.WorkflowState, output, errMsg string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE workflow_status SET status = $2, output = $3, error = $4, updated_at = $5
		 WHERE workflow_uuid = $1`,
		workflowUUID, state, output, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update workflow state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("workflow", workflowUUID)
	}
	return nil
}

func (p *Postgres) CompareAndSetWorkflowState(ctx context.Context, workflowUUID string, from, to domain.WorkflowState) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE workflow_status SET status = $3, updated_at = $4
		 WHERE workflow_uuid = $1 AND status = $2`,
		workflowUUID, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to transition workflow: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ClaimEnqueuedWorkflow(ctx context.Context, queueName string) (*domain.WorkflowStatus, error) {
	ws, err := scanWorkflow(p.pool.QueryRow(ctx,
		`UPDATE workflow_status SET status = $2, updated_at = $3
		 WHERE workflow_uuid = (
			SELECT workflow_uuid FROM workflow_status
			WHERE queue_name = $1 AND status = $4
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING `+workflowColumns,
		queueName, domain.WorkflowPending, time.Now().UTC(), domain.WorkflowEnqueued))
	if err != nil {
		return nil, notFoundOr(err, "workflow", queueName)
	}
	return ws, nil
}

func (p *Postgres) CountActiveInQueue(ctx context.Context, queueName string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_status
		 WHERE queue_name = $1 AND status IN ($2, $3)`,
		queueName, domain.WorkflowPending, domain.WorkflowRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active workflows: %w", err)
	}
	return n, nil
}

func (p *Postgres) GetStepOutput(ctx context.Context, workflowUUID string, functionID int) (*domain.StepOutput, error) {
	var out domain.StepOutput
	err := p.pool.QueryRow(ctx,
		`SELECT workflow_uuid, function_id, function_name, output, error,
			child_workflow_id, started_at_epoch_ms, completed_at_epoch_ms
		 FROM operation_outputs WHERE workflow_uuid = $1 AND function_id = $2`,
		workflowUUID, functionID).
		Scan(&out.WorkflowUUID, &out.FunctionID, &out.FunctionName, &out.Output,
			&out.Error, &out.ChildWorkflowID, &out.StartedAtEpochMs, &out.CompletedAtEpoch)
	if err != nil {
		return nil, notFoundOr(err, "step output", workflowUUID)
	}
	return &out, nil
}

func (p *Postgres) PutStepOutput(ctx context.Context, out *domain.StepOutput) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO operation_outputs (workflow_uuid, function_id, function_name, output,
			error, child_workflow_id, started_at_epoch_ms, completed_at_epoch_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (workflow_uuid, function_id) DO NOTHING`,
		out.WorkflowUUID, out.FunctionID, out.FunctionName, out.Output,
		out.Error, out.ChildWorkflowID, out.StartedAtEpochMs, out.CompletedAtEpoch)
	if err != nil {
		return fmt.Errorf("failed to insert step output: %w", err)
	}
	return nil
}

func (p *Postgres) ListStepOutputs(ctx context.Context, workflowUUID string) ([]domain.StepOutput, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT workflow_uuid, function_id, function_name, output, error,
			child_workflow_id, started_at_epoch_ms, completed_at_epoch_ms
		 FROM operation_outputs WHERE workflow_uuid = $1 ORDER BY function_id`, workflowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step outputs: %w", err)
	}
	defer rows.Close()
	var out []domain.StepOutput
	for rows.Next() {
		var s domain.StepOutput
		if err := rows.Scan(&s.WorkflowUUID, &s.FunctionID, &s.FunctionName, &s.Output,
			&s.Error, &s.ChildWorkflowID, &s.StartedAtEpochMs, &s.CompletedAtEpoch); err != nil {
			return nil, fmt.Errorf("failed to scan step output: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteStepOutputsFrom(ctx context.Context, workflowUUID string, fromFunctionID int) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM operation_outputs WHERE workflow_uuid = $1 AND function_id >= $2`,
		workflowUUID, fromFunctionID)
	if err != nil {
		return fmt.Errorf("failed to delete step outputs: %w", err)
	}
	return nil
}

func (p *Postgres) SetWorkflowEvent(ctx context.Context, ev *domain.WorkflowEvent) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO workflow_events (workflow_uuid, key, value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workflow_uuid, key) DO UPDATE SET
			value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		ev.WorkflowUUID, ev.Key, ev.Value, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set workflow event: %w", err)
	}
	return nil
}

func (p *Postgres) GetWorkflowEvent(ctx context.Context, workflowUUID, key string) (*domain.WorkflowEvent, error) {
	var ev domain.WorkflowEvent
	err := p.pool.QueryRow(ctx,
		`SELECT workflow_uuid, key, value, updated_at FROM workflow_events
		 WHERE workflow_uuid = $1 AND key = $2`, workflowUUID, key).
		Scan(&ev.WorkflowUUID, &ev.Key, &ev.Value, &ev.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "workflow event", key)
	}
	return &ev, nil
}

func (p *Postgres) SendNotification(ctx context.Context, n *domain.WorkflowNotification) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO workflow_notifications (destination_uuid, topic, message, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		n.DestinationUUID, n.Topic, n.Message, n.IdempotencyKey, n.CreatedAt)
	if isUniqueViolation(err) {
		// Redelivery under the same idempotency key.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (p *Postgres) ConsumeNotification(ctx context.Context, destinationUUID, topic string) (*domain.WorkflowNotification, error) {
	var n domain.WorkflowNotification
	err := p.pool.QueryRow(ctx,
		`DELETE FROM workflow_notifications
		 WHERE seq = (
			SELECT seq FROM workflow_notifications
			WHERE destination_uuid = $1 AND topic = $2
			ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING destination_uuid, topic, message, idempotency_key, created_at`,
		destinationUUID, topic).
		Scan(&n.DestinationUUID, &n.Topic, &n.Message, &n.IdempotencyKey, &n.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "notification", destinationUUID+"/"+topic)
	}
	return &n, nil
}

func (p *Postgres) AppendStreamEntry(ctx context.Context, entry *domain.StreamEntry) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO workflow_streams (workflow_uuid, key, stream_offset, value, created_at)
		 VALUES ($1, $2,
			(SELECT COALESCE(MAX(stream_offset) + 1, 0) FROM workflow_streams
			 WHERE workflow_uuid = $1 AND key = $2),
			$3, $4)
		 RETURNING stream_offset`,
		entry.WorkflowUUID, entry.Key, entry.Value, entry.CreatedAt).Scan(&entry.Offset)
	if err != nil {
		return fmt.Errorf("failed to append stream entry: %w", err)
	}
	return nil
}

func (p *Postgres) ReadStream(ctx context.Context, workflowUUID, key string) ([]domain.StreamEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT workflow_uuid, key, stream_offset, value, created_at
		 FROM workflow_streams WHERE workflow_uuid = $1 AND key = $2 ORDER BY stream_offset`,
		workflowUUID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rows.Close()
	var out []domain.StreamEntry
	for rows.Next() {
		var e domain.StreamEntry
		if err := rows.Scan(&e.WorkflowUUID, &e.Key, &e.Offset, &e.Value, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stream entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return data, nil
}
