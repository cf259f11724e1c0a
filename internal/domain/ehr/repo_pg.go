package ehr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrlink/internal/platform/hipaa"
	"github.com/ehr/ehrlink/internal/platform/smart"
)

// pgRow is a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the subset of *pgxpool.Pool the store uses. Exec returns the
// number of affected rows.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

type poolConn struct {
	pool *pgxpool.Pool
}

func (p poolConn) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p poolConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PGStore is the PostgreSQL Store. Access tokens, refresh tokens, client
// secrets and PKCE verifiers are sealed before they reach the database.
type PGStore struct {
	db     pgConn
	sealer *hipaa.TokenSealer
}

// NewPGStore creates a store on pool. A nil sealer stores secrets in the
// clear, which config validation only permits outside production.
func NewPGStore(pool *pgxpool.Pool, sealer *hipaa.TokenSealer) *PGStore {
	return newPGStore(poolConn{pool: pool}, sealer)
}

func newPGStore(db pgConn, sealer *hipaa.TokenSealer) *PGStore {
	if sealer == nil {
		sealer, _ = hipaa.NewTokenSealer(nil)
	}
	return &PGStore{db: db, sealer: sealer}
}

// -- Settings --

func (s *PGStore) GetSettings(ctx context.Context, tenantID string) (*Settings, error) {
	var (
		data      []byte
		updatedAt time.Time
	)
	err := s.db.QueryRow(ctx, `SELECT settings, updated_at FROM ehr_settings WHERE tenant_id = $1`, tenantID).
		Scan(&data, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ehr settings: %w", err)
	}

	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal ehr settings: %w", err)
	}
	for id, cfg := range out.Providers {
		secret, err := s.sealer.Open(cfg.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("open %s client secret: %w", id, err)
		}
		cfg.ClientSecret = secret
		out.Providers[id] = cfg
	}
	out.TenantID = tenantID
	out.UpdatedAt = updatedAt
	return &out, nil
}

func (s *PGStore) SaveSettings(ctx context.Context, in *Settings) error {
	sealed := cloneSettings(*in)
	for id, cfg := range sealed.Providers {
		secret, err := s.sealer.Seal(cfg.ClientSecret)
		if err != nil {
			return fmt.Errorf("seal %s client secret: %w", id, err)
		}
		cfg.ClientSecret = secret
		sealed.Providers[id] = cfg
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("marshal ehr settings: %w", err)
	}

	err = s.db.QueryRow(ctx, `INSERT INTO ehr_settings (tenant_id, settings, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (tenant_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()
RETURNING updated_at`, in.TenantID, data).Scan(&in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save ehr settings: %w", err)
	}
	return nil
}

// -- Launch contexts --

func (s *PGStore) SaveLaunch(ctx context.Context, lc *smart.LaunchContext) error {
	row := *lc
	verifier, err := s.sealer.Seal(lc.CodeVerifier)
	if err != nil {
		return fmt.Errorf("seal code verifier: %w", err)
	}
	row.CodeVerifier = verifier

	data, err := json.Marshal(&row)
	if err != nil {
		return fmt.Errorf("marshal launch context: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO ehr_launch_contexts (state, tenant_id, context, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)`, lc.State, lc.TenantID, data, lc.CreatedAt, lc.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save launch context: %w", err)
	}
	return nil
}

// ConsumeLaunch deletes the row and returns it in one statement so that two
// callbacks carrying the same state cannot both succeed.
func (s *PGStore) ConsumeLaunch(ctx context.Context, state string, now time.Time) (*smart.LaunchContext, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `DELETE FROM ehr_launch_contexts WHERE state = $1 RETURNING context`, state).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consume launch context: %w", err)
	}

	var lc smart.LaunchContext
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("unmarshal launch context: %w", err)
	}
	if lc.Expired(now) {
		return nil, ErrLaunchExpired
	}
	if lc.CodeVerifier, err = s.sealer.Open(lc.CodeVerifier); err != nil {
		return nil, fmt.Errorf("open code verifier: %w", err)
	}
	return &lc, nil
}

func (s *PGStore) DeleteLaunch(ctx context.Context, state string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM ehr_launch_contexts WHERE state = $1`, state); err != nil {
		return fmt.Errorf("delete launch context: %w", err)
	}
	return nil
}

// CleanupLaunches deletes expired launch contexts and returns how many were
// removed.
func (s *PGStore) CleanupLaunches(ctx context.Context) (int64, error) {
	n, err := s.db.Exec(ctx, `DELETE FROM ehr_launch_contexts WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup launch contexts: %w", err)
	}
	return n, nil
}

// -- Token states --

const tokenCols = `tenant_id, provider, fhir_base_url, token_endpoint, revocation_endpoint,
	access_token, refresh_token, token_type, expires_at, scope,
	patient, encounter, fhir_user, status, last_error, version, updated_at`

func (s *PGStore) GetToken(ctx context.Context, key ConnectionKey) (*TokenState, error) {
	t, err := s.scanToken(s.db.QueryRow(ctx,
		`SELECT `+tokenCols+` FROM ehr_token_states WHERE tenant_id = $1 AND provider = $2`,
		key.TenantID, string(key.Provider)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token state %s: %w", key, err)
	}
	return t, nil
}

func (s *PGStore) PutToken(ctx context.Context, t *TokenState) error {
	access, refresh, err := s.sealTokens(t)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx, `INSERT INTO ehr_token_states (
	tenant_id, provider, fhir_base_url, token_endpoint, revocation_endpoint,
	access_token, refresh_token, token_type, expires_at, scope,
	patient, encounter, fhir_user, status, last_error, version, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1,now())
ON CONFLICT (tenant_id, provider) DO UPDATE SET
	fhir_base_url = EXCLUDED.fhir_base_url,
	token_endpoint = EXCLUDED.token_endpoint,
	revocation_endpoint = EXCLUDED.revocation_endpoint,
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	token_type = EXCLUDED.token_type,
	expires_at = EXCLUDED.expires_at,
	scope = EXCLUDED.scope,
	patient = EXCLUDED.patient,
	encounter = EXCLUDED.encounter,
	fhir_user = EXCLUDED.fhir_user,
	status = EXCLUDED.status,
	last_error = EXCLUDED.last_error,
	version = ehr_token_states.version + 1,
	updated_at = now()
RETURNING version, updated_at`,
		t.TenantID, string(t.Provider), t.FHIRBaseURL, t.TokenEndpoint, t.RevokeURL,
		access, refresh, t.TokenType, nullTime(t.ExpiresAt), t.Scope,
		t.Patient, t.Encounter, t.FHIRUser, string(t.Status), t.LastError,
	).Scan(&t.Version, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put token state %s: %w", t.Key(), err)
	}
	return nil
}

func (s *PGStore) CompareAndSwapToken(ctx context.Context, t *TokenState, expected int64) error {
	access, refresh, err := s.sealTokens(t)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx, `UPDATE ehr_token_states SET
	access_token = $3, refresh_token = $4, token_type = $5, expires_at = $6, scope = $7,
	status = $8, last_error = $9, version = version + 1, updated_at = now()
WHERE tenant_id = $1 AND provider = $2 AND version = $10
RETURNING version, updated_at`,
		t.TenantID, string(t.Provider),
		access, refresh, t.TokenType, nullTime(t.ExpiresAt), t.Scope,
		string(t.Status), t.LastError, expected,
	).Scan(&t.Version, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("swap token state %s: %w", t.Key(), err)
	}
	return nil
}

func (s *PGStore) DeleteToken(ctx context.Context, key ConnectionKey) error {
	_, err := s.db.Exec(ctx, `DELETE FROM ehr_token_states WHERE tenant_id = $1 AND provider = $2`,
		key.TenantID, string(key.Provider))
	if err != nil {
		return fmt.Errorf("delete token state %s: %w", key, err)
	}
	return nil
}

func (s *PGStore) MarkStatus(ctx context.Context, key ConnectionKey, status ConnectionStatus, reason string) error {
	n, err := s.db.Exec(ctx, `UPDATE ehr_token_states
SET status = $3, last_error = $4, version = version + 1, updated_at = now()
WHERE tenant_id = $1 AND provider = $2`, key.TenantID, string(key.Provider), string(status), reason)
	if err != nil {
		return fmt.Errorf("mark token state %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) sealTokens(t *TokenState) (access, refresh string, err error) {
	if access, err = s.sealer.Seal(t.AccessToken); err != nil {
		return "", "", fmt.Errorf("seal access token: %w", err)
	}
	if refresh, err = s.sealer.Seal(t.RefreshToken); err != nil {
		return "", "", fmt.Errorf("seal refresh token: %w", err)
	}
	return access, refresh, nil
}

func (s *PGStore) scanToken(row pgRow) (*TokenState, error) {
	var (
		t         TokenState
		provider  string
		status    string
		expiresAt *time.Time
	)
	err := row.Scan(&t.TenantID, &provider, &t.FHIRBaseURL, &t.TokenEndpoint, &t.RevokeURL,
		&t.AccessToken, &t.RefreshToken, &t.TokenType, &expiresAt, &t.Scope,
		&t.Patient, &t.Encounter, &t.FHIRUser, &status, &t.LastError, &t.Version, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Provider = ProviderID(provider)
	t.Status = ConnectionStatus(status)
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	if t.AccessToken, err = s.sealer.Open(t.AccessToken); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if t.RefreshToken, err = s.sealer.Open(t.RefreshToken); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return &t, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
