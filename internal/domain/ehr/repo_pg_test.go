package ehr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ehrlink/internal/platform/hipaa"
	"github.com/ehr/ehrlink/internal/platform/smart"
)

// valuesRow scans a fixed list of values, or returns err.
type valuesRow struct {
	vals []any
	err  error
}

func (r valuesRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *[]byte:
			*p = r.vals[i].([]byte)
		case *int64:
			*p = r.vals[i].(int64)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		case **time.Time:
			*p = r.vals[i].(*time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

type pgCall struct {
	sql  string
	args []any
}

// fakePG records statements and answers them from queued rows.
type fakePG struct {
	calls    []pgCall
	rows     []pgRow
	affected int64
	execErr  error
}

func (f *fakePG) QueryRow(_ context.Context, sql string, args ...any) pgRow {
	f.calls = append(f.calls, pgCall{sql: sql, args: args})
	if len(f.rows) == 0 {
		return valuesRow{err: pgx.ErrNoRows}
	}
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	f.calls = append(f.calls, pgCall{sql: sql, args: args})
	return f.affected, f.execErr
}

func (f *fakePG) last() pgCall { return f.calls[len(f.calls)-1] }

func testSealer(t *testing.T) *hipaa.TokenSealer {
	t.Helper()
	s, err := hipaa.NewTokenSealer([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	return s
}

func TestPGStore_SettingsSealClientSecret(t *testing.T) {
	db := &fakePG{rows: []pgRow{valuesRow{vals: []any{time.Now()}}}}
	store := newPGStore(db, testSealer(t))

	in := &Settings{
		TenantID:         "acme",
		EnabledProviders: []ProviderID{ProviderAthena},
		Providers: map[ProviderID]ProviderConfig{
			ProviderAthena: {Issuer: "https://api.athena.example/fhir/r4", ClientID: "app", ClientSecret: "s3cret"},
		},
	}
	require.NoError(t, store.SaveSettings(context.Background(), in))
	assert.Equal(t, "s3cret", in.Providers[ProviderAthena].ClientSecret, "caller's settings must stay unsealed")

	stored := db.last().args[1].([]byte)
	assert.NotContains(t, string(stored), "s3cret")
	assert.Contains(t, string(stored), "enc:v1:")

	db.rows = []pgRow{valuesRow{vals: []any{stored, time.Now()}}}
	out, err := store.GetSettings(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", out.Providers[ProviderAthena].ClientSecret)
	assert.Equal(t, []ProviderID{ProviderAthena}, out.EnabledProviders)

	_, err = store.GetSettings(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGStore_LaunchContexts(t *testing.T) {
	db := &fakePG{}
	store := newPGStore(db, testSealer(t))
	now := time.Now()

	lc := &smart.LaunchContext{
		State:        "state-1",
		TenantID:     "acme",
		CodeVerifier: "verifier-plain",
		CreatedAt:    now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}
	require.NoError(t, store.SaveLaunch(context.Background(), lc))
	assert.Equal(t, "verifier-plain", lc.CodeVerifier)

	call := db.last()
	assert.Contains(t, call.sql, "INSERT INTO ehr_launch_contexts")
	data := call.args[2].([]byte)
	assert.NotContains(t, string(data), "verifier-plain")

	db.rows = []pgRow{valuesRow{vals: []any{data}}}
	got, err := store.ConsumeLaunch(context.Background(), "state-1", now)
	require.NoError(t, err)
	assert.Equal(t, "verifier-plain", got.CodeVerifier)
	assert.Contains(t, db.last().sql, "DELETE FROM ehr_launch_contexts")
	assert.Contains(t, db.last().sql, "RETURNING context")

	_, err = store.ConsumeLaunch(context.Background(), "state-1", now)
	assert.ErrorIs(t, err, ErrNotFound)

	db.rows = []pgRow{valuesRow{vals: []any{data}}}
	_, err = store.ConsumeLaunch(context.Background(), "state-1", now.Add(11*time.Minute))
	assert.ErrorIs(t, err, ErrLaunchExpired)
}

func TestPGStore_TokenStates(t *testing.T) {
	updated := time.Now()
	db := &fakePG{rows: []pgRow{valuesRow{vals: []any{int64(1), updated}}}}
	store := newPGStore(db, testSealer(t))

	st := &TokenState{
		TenantID:     "acme",
		Provider:     ProviderEpic,
		FHIRBaseURL:  "https://fhir.epic.example/api/FHIR/R4",
		AccessToken:  "access-plain",
		RefreshToken: "refresh-plain",
		TokenType:    "Bearer",
		Status:       StatusConnected,
	}
	require.NoError(t, store.PutToken(context.Background(), st))
	assert.Equal(t, int64(1), st.Version)

	args := db.last().args
	sealedAccess, sealedRefresh := args[5].(string), args[6].(string)
	assert.True(t, strings.HasPrefix(sealedAccess, "enc:v1:"))
	assert.True(t, strings.HasPrefix(sealedRefresh, "enc:v1:"))
	assert.Nil(t, args[8], "zero expiry is stored as NULL")

	db.rows = []pgRow{valuesRow{vals: []any{
		"acme", "epic", st.FHIRBaseURL, "", "",
		sealedAccess, sealedRefresh, "Bearer", (*time.Time)(nil), "",
		"", "", "", "connected", "", int64(1), updated,
	}}}
	got, err := store.GetToken(context.Background(), st.Key())
	require.NoError(t, err)
	assert.Equal(t, "access-plain", got.AccessToken)
	assert.Equal(t, "refresh-plain", got.RefreshToken)
	assert.Equal(t, ProviderEpic, got.Provider)
	assert.True(t, got.ExpiresAt.IsZero())

	_, err = store.GetToken(context.Background(), ConnectionKey{TenantID: "acme", Provider: ProviderPCC})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGStore_CompareAndSwapConflict(t *testing.T) {
	db := &fakePG{}
	store := newPGStore(db, testSealer(t))

	err := store.CompareAndSwapToken(context.Background(), &TokenState{TenantID: "acme", Provider: ProviderEpic}, 3)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(3), db.last().args[9])
}

func TestPGStore_MarkStatus(t *testing.T) {
	db := &fakePG{}
	store := newPGStore(db, nil)
	key := ConnectionKey{TenantID: "acme", Provider: ProviderEpic}

	assert.ErrorIs(t, store.MarkStatus(context.Background(), key, StatusError, "rejected"), ErrNotFound)

	db.affected = 1
	require.NoError(t, store.MarkStatus(context.Background(), key, StatusError, "rejected"))
	assert.Equal(t, "error", db.last().args[2])
}

func TestPGStore_UnsealedWithoutKey(t *testing.T) {
	db := &fakePG{}
	store := newPGStore(db, nil)

	require.NoError(t, store.SaveLaunch(context.Background(), &smart.LaunchContext{State: "s", CodeVerifier: "plain"}))
	var stored smart.LaunchContext
	require.NoError(t, json.Unmarshal(db.last().args[2].([]byte), &stored))
	assert.Equal(t, "plain", stored.CodeVerifier)
}
