// Package storage provides the durable database/sql implementation of the
// provider's store contracts. It supports postgres and sqlite with one set of
// queries ($n placeholders, ON CONFLICT upserts).
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mind-engage/lti-tool/pkg/tool"
)

// SQLStore implements tool.PlatformStore, tool.KeyStore and tool.SessionStore
// on a *sql.DB.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps db. driver must be postgres or sqlite (sqlite3 is
// accepted as an alias).
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	switch normalizeDriver(driver) {
	case "postgres", "sqlite":
		return &SQLStore{db: db, driver: normalizeDriver(driver)}, nil
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q (expected postgres|sqlite)", driver)
	}
}

// Setup applies the idempotent DDL. Call it once on startup.
func (s *SQLStore) Setup(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == "postgres" {
		schema = schemaPostgres
	}
	// Run as one script; if the driver rejects multi-statement scripts, fall
	// back to executing statement by statement.
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		for _, stmt := range strings.Split(schema, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, e := s.db.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("storage: setup: %w", e)
			}
		}
	}
	return nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "pgx", "postgresql":
		return "postgres"
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

/* ------------------------------- platforms -------------------------------- */

func (s *SQLStore) PutPlatform(ctx context.Context, p tool.Platform) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO lti_platforms (issuer, name, client_id, auth_endpoint, token_endpoint, kid, auth_method, auth_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (issuer) DO UPDATE SET
  name = EXCLUDED.name,
  client_id = EXCLUDED.client_id,
  auth_endpoint = EXCLUDED.auth_endpoint,
  token_endpoint = EXCLUDED.token_endpoint,
  kid = EXCLUDED.kid,
  auth_method = EXCLUDED.auth_method,
  auth_key = EXCLUDED.auth_key`,
		p.Issuer, p.Name, p.ClientID, p.AuthEndpoint, p.TokenEndpoint,
		p.KID, string(p.AuthConfig.Method), p.AuthConfig.Key)
	if err != nil {
		return fmt.Errorf("storage: put platform: %w", err)
	}
	return nil
}

func (s *SQLStore) PlatformByIssuer(ctx context.Context, issuer string) (tool.Platform, error) {
	var p tool.Platform
	var method string
	err := s.db.QueryRowContext(ctx, `
SELECT issuer, name, client_id, auth_endpoint, token_endpoint, kid, auth_method, auth_key
FROM lti_platforms WHERE issuer = $1`, issuer).
		Scan(&p.Issuer, &p.Name, &p.ClientID, &p.AuthEndpoint, &p.TokenEndpoint,
			&p.KID, &method, &p.AuthConfig.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return tool.Platform{}, tool.ErrPlatformNotFound
	}
	if err != nil {
		return tool.Platform{}, fmt.Errorf("storage: get platform: %w", err)
	}
	p.AuthConfig.Method = tool.AuthMethod(method)
	return p, nil
}

func (s *SQLStore) Platforms(ctx context.Context) ([]tool.Platform, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT issuer, name, client_id, auth_endpoint, token_endpoint, kid, auth_method, auth_key
FROM lti_platforms ORDER BY issuer`)
	if err != nil {
		return nil, fmt.Errorf("storage: list platforms: %w", err)
	}
	defer rows.Close()

	var out []tool.Platform
	for rows.Next() {
		var p tool.Platform
		var method string
		if err := rows.Scan(&p.Issuer, &p.Name, &p.ClientID, &p.AuthEndpoint,
			&p.TokenEndpoint, &p.KID, &method, &p.AuthConfig.Key); err != nil {
			return nil, fmt.Errorf("storage: scan platform: %w", err)
		}
		p.AuthConfig.Method = tool.AuthMethod(method)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeletePlatform(ctx context.Context, issuer string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lti_platforms WHERE issuer = $1`, issuer)
	if err != nil {
		return fmt.Errorf("storage: delete platform: %w", err)
	}
	return nil
}

/* ------------------------------- key pairs -------------------------------- */

func (s *SQLStore) PutKeyPair(ctx context.Context, kp tool.KeyPair) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO lti_key_pairs (kid, public_pem, private_sealed)
VALUES ($1, $2, $3)
ON CONFLICT (kid) DO UPDATE SET
  public_pem = EXCLUDED.public_pem,
  private_sealed = EXCLUDED.private_sealed`,
		kp.KID, kp.PublicPEM, kp.PrivateSealed)
	if err != nil {
		return fmt.Errorf("storage: put key pair: %w", err)
	}
	return nil
}

func (s *SQLStore) KeyPair(ctx context.Context, kid string) (tool.KeyPair, error) {
	var kp tool.KeyPair
	err := s.db.QueryRowContext(ctx, `
SELECT kid, public_pem, private_sealed FROM lti_key_pairs WHERE kid = $1`, kid).
		Scan(&kp.KID, &kp.PublicPEM, &kp.PrivateSealed)
	if errors.Is(err, sql.ErrNoRows) {
		return tool.KeyPair{}, tool.ErrKeyNotFound
	}
	if err != nil {
		return tool.KeyPair{}, fmt.Errorf("storage: get key pair: %w", err)
	}
	return kp, nil
}

func (s *SQLStore) PublicKeys(ctx context.Context) ([]tool.KeyPair, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kid, public_pem, private_sealed FROM lti_key_pairs ORDER BY kid`)
	if err != nil {
		return nil, fmt.Errorf("storage: list key pairs: %w", err)
	}
	defer rows.Close()

	var out []tool.KeyPair
	for rows.Next() {
		var kp tool.KeyPair
		if err := rows.Scan(&kp.KID, &kp.PublicPEM, &kp.PrivateSealed); err != nil {
			return nil, fmt.Errorf("storage: scan key pair: %w", err)
		}
		out = append(out, kp)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteKeyPair(ctx context.Context, kid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lti_key_pairs WHERE kid = $1`, kid)
	if err != nil {
		return fmt.Errorf("storage: delete key pair: %w", err)
	}
	return nil
}

/* ------------------------------ launch tokens ----------------------------- */

func (s *SQLStore) PutIDToken(ctx context.Context, t tool.IDToken) error {
	roles, err := marshalJSON(t.Roles)
	if err != nil {
		return err
	}
	userInfo, err := marshalJSON(t.UserInfo)
	if err != nil {
		return err
	}
	platformInfo, err := marshalJSON(t.PlatformInfo)
	if err != nil {
		return err
	}
	lis, err := marshalJSON(t.LIS)
	if err != nil {
		return err
	}
	endpoint, err := marshalJSON(t.Endpoint)
	if err != nil {
		return err
	}
	namesRoles, err := marshalJSON(t.NamesRoles)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO lti_id_tokens (issuer, deployment_id, user_id, roles, user_info, platform_info, lis, endpoint, names_roles)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (issuer, deployment_id, user_id) DO UPDATE SET
  roles = EXCLUDED.roles,
  user_info = EXCLUDED.user_info,
  platform_info = EXCLUDED.platform_info,
  lis = EXCLUDED.lis,
  endpoint = EXCLUDED.endpoint,
  names_roles = EXCLUDED.names_roles`,
		t.Issuer, t.DeploymentID, t.User, roles, userInfo, platformInfo, lis, endpoint, namesRoles)
	if err != nil {
		return fmt.Errorf("storage: put id token: %w", err)
	}
	return nil
}

func (s *SQLStore) IDToken(ctx context.Context, issuer, deploymentID, user string) (tool.IDToken, error) {
	t := tool.IDToken{}
	var roles, userInfo, platformInfo, lis, endpoint, namesRoles sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT issuer, deployment_id, user_id, roles, user_info, platform_info, lis, endpoint, names_roles
FROM lti_id_tokens WHERE issuer = $1 AND deployment_id = $2 AND user_id = $3`,
		issuer, deploymentID, user).
		Scan(&t.Issuer, &t.DeploymentID, &t.User, &roles, &userInfo, &platformInfo, &lis, &endpoint, &namesRoles)
	if errors.Is(err, sql.ErrNoRows) {
		return tool.IDToken{}, tool.ErrTokenNotFound
	}
	if err != nil {
		return tool.IDToken{}, fmt.Errorf("storage: get id token: %w", err)
	}
	for _, f := range []struct {
		raw sql.NullString
		dst any
	}{
		{roles, &t.Roles},
		{userInfo, &t.UserInfo},
		{platformInfo, &t.PlatformInfo},
		{lis, &t.LIS},
		{endpoint, &t.Endpoint},
		{namesRoles, &t.NamesRoles},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return tool.IDToken{}, err
		}
	}
	return t, nil
}

func (s *SQLStore) PutContextToken(ctx context.Context, t tool.ContextToken) error {
	contextJSON, err := marshalJSON(t.Context)
	if err != nil {
		return err
	}
	resource, err := marshalJSON(t.Resource)
	if err != nil {
		return err
	}
	custom, err := marshalJSON(t.Custom)
	if err != nil {
		return err
	}
	presentation, err := marshalJSON(t.LaunchPresentation)
	if err != nil {
		return err
	}
	deepLinking, err := marshalJSON(t.DeepLinkingSettings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO lti_context_tokens (context_id, user_id, path, target_link_uri, context, resource, custom, launch_presentation, message_type, version, deep_linking_settings)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (context_id, user_id) DO UPDATE SET
  path = EXCLUDED.path,
  target_link_uri = EXCLUDED.target_link_uri,
  context = EXCLUDED.context,
  resource = EXCLUDED.resource,
  custom = EXCLUDED.custom,
  launch_presentation = EXCLUDED.launch_presentation,
  message_type = EXCLUDED.message_type,
  version = EXCLUDED.version,
  deep_linking_settings = EXCLUDED.deep_linking_settings`,
		t.ContextID, t.User, t.Path, t.TargetLinkURI, contextJSON, resource,
		custom, presentation, t.MessageType, t.Version, deepLinking)
	if err != nil {
		return fmt.Errorf("storage: put context token: %w", err)
	}
	return nil
}

func (s *SQLStore) ContextToken(ctx context.Context, contextID, user string) (tool.ContextToken, error) {
	t := tool.ContextToken{}
	var contextJSON, resource, custom, presentation, deepLinking sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT context_id, user_id, path, target_link_uri, context, resource, custom, launch_presentation, message_type, version, deep_linking_settings
FROM lti_context_tokens WHERE context_id = $1 AND user_id = $2`, contextID, user).
		Scan(&t.ContextID, &t.User, &t.Path, &t.TargetLinkURI, &contextJSON,
			&resource, &custom, &presentation, &t.MessageType, &t.Version, &deepLinking)
	if errors.Is(err, sql.ErrNoRows) {
		return tool.ContextToken{}, tool.ErrTokenNotFound
	}
	if err != nil {
		return tool.ContextToken{}, fmt.Errorf("storage: get context token: %w", err)
	}
	for _, f := range []struct {
		raw sql.NullString
		dst any
	}{
		{contextJSON, &t.Context},
		{resource, &t.Resource},
		{custom, &t.Custom},
		{presentation, &t.LaunchPresentation},
		{deepLinking, &t.DeepLinkingSettings},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return tool.ContextToken{}, err
		}
	}
	return t, nil
}

func (s *SQLStore) SetContextPath(ctx context.Context, contextID, user, path string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE lti_context_tokens SET path = $1 WHERE context_id = $2 AND user_id = $3`,
		path, contextID, user)
	if err != nil {
		return fmt.Errorf("storage: set context path: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tool.ErrTokenNotFound
	}
	return nil
}

/* -------------------------------- helpers --------------------------------- */

// marshalJSON renders v as JSON text for storage; nil maps and slices become
// SQL NULL so absent claims stay absent.
func marshalJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case []string:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dst); err != nil {
		return fmt.Errorf("storage: unmarshal: %w", err)
	}
	return nil
}

/* ----------------------------- POSTGRES SCHEMA ----------------------------- */

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  issuer             TEXT PRIMARY KEY,
  name               TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  auth_endpoint      TEXT NOT NULL,
  token_endpoint     TEXT NOT NULL,
  kid                TEXT NOT NULL DEFAULT '',
  auth_method        TEXT NOT NULL,
  auth_key           TEXT NOT NULL,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lti_key_pairs (
  kid                TEXT PRIMARY KEY,
  public_pem         TEXT NOT NULL,
  private_sealed     BYTEA NOT NULL,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lti_id_tokens (
  issuer             TEXT NOT NULL,
  deployment_id      TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  roles              JSONB,
  user_info          JSONB,
  platform_info      JSONB,
  lis                JSONB,
  endpoint           JSONB,
  names_roles        JSONB,
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (issuer, deployment_id, user_id)
);

CREATE TABLE IF NOT EXISTS lti_context_tokens (
  context_id            TEXT NOT NULL,
  user_id               TEXT NOT NULL,
  path                  TEXT NOT NULL DEFAULT '/',
  target_link_uri       TEXT NOT NULL DEFAULT '',
  context               JSONB,
  resource              JSONB,
  custom                JSONB,
  launch_presentation   JSONB,
  message_type          TEXT NOT NULL DEFAULT '',
  version               TEXT NOT NULL DEFAULT '',
  deep_linking_settings JSONB,
  updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (context_id, user_id)
);
`

/* ------------------------------ SQLITE SCHEMA ------------------------------ */

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  issuer             TEXT PRIMARY KEY,
  name               TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  auth_endpoint      TEXT NOT NULL,
  token_endpoint     TEXT NOT NULL,
  kid                TEXT NOT NULL DEFAULT '',
  auth_method        TEXT NOT NULL,
  auth_key           TEXT NOT NULL,
  created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS lti_key_pairs (
  kid                TEXT PRIMARY KEY,
  public_pem         TEXT NOT NULL,
  private_sealed     BLOB NOT NULL,
  created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS lti_id_tokens (
  issuer             TEXT NOT NULL,
  deployment_id      TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  roles              TEXT,
  user_info          TEXT,
  platform_info      TEXT,
  lis                TEXT,
  endpoint           TEXT,
  names_roles        TEXT,
  updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (issuer, deployment_id, user_id)
);

CREATE TABLE IF NOT EXISTS lti_context_tokens (
  context_id            TEXT NOT NULL,
  user_id               TEXT NOT NULL,
  path                  TEXT NOT NULL DEFAULT '/',
  target_link_uri       TEXT NOT NULL DEFAULT '',
  context               TEXT,
  resource              TEXT,
  custom                TEXT,
  launch_presentation   TEXT,
  message_type          TEXT NOT NULL DEFAULT '',
  version               TEXT NOT NULL DEFAULT '',
  deep_linking_settings TEXT,
  updated_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (context_id, user_id)
);
`
