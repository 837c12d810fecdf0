// Package sqlite implements the certificate store on an embedded SQLite
// database. This is the default backend for single-node runtimes; the pg
// package provides the same contract for shared deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"aegis.dev/internal/ids"
	"aegis.dev/internal/wa"
)

const schema = `
create table if not exists wa_cert (
	wa_id                 text primary key,
	name                  text not null,
	role                  text not null,
	pubkey                text not null,
	jwt_kid               text not null unique,
	password_hash         text,
	oauth_provider        text,
	oauth_external_id     text,
	parent_wa_id          text,
	parent_signature      text,
	scopes_json           text not null default '[]',
	adapter_id            text,
	adapter_metadata_json text,
	created_at            text not null,
	last_auth_at          text,
	active                integer not null default 1,
	version               integer not null default 1
);

create unique index if not exists idx_wa_cert_single_root
	on wa_cert(role) where role = 'root' and active = 1;

create index if not exists idx_wa_cert_adapter on wa_cert(adapter_id);

create table if not exists wa_audit (
	id         text primary key,
	wa_id      text not null references wa_cert(wa_id),
	event      text not null,
	reason     text,
	created_at text not null
);
`

const certColumns = `wa_id, name, role, pubkey, jwt_kid, password_hash,
	oauth_provider, oauth_external_id, parent_wa_id, parent_signature,
	scopes_json, adapter_id, adapter_metadata_json, created_at, last_auth_at,
	active, version`

// Store is a wa.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ wa.Store = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// storms under concurrent bootstrap.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Insert(ctx context.Context, cert *wa.Certificate) error {
	if cert == nil || cert.ID == "" || cert.KeyID == "" || !cert.Role.Valid() {
		return wa.ErrInvalidInput
	}
	version := cert.Version
	if version == 0 {
		version = 1
	}
	meta, err := encodeMetadata(cert.AdapterMetadata)
	if err != nil {
		return err
	}
	scopes, err := json.Marshal(cert.Scopes)
	if err != nil {
		return fmt.Errorf("sqlite: encode scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		insert into wa_cert (`+certColumns+`)
		values (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		cert.ID, cert.Name, string(cert.Role), cert.PublicKey, cert.KeyID,
		nullable(cert.Binding.PasswordHash), nullable(cert.Binding.Provider),
		nullable(cert.Binding.ExternalID), nullable(cert.ParentID),
		nullable(cert.ParentSignature), string(scopes),
		nullable(cert.AdapterID), meta,
		cert.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(cert.LastAuthAt),
		boolInt(cert.Active), version,
	)
	return mapErr(err)
}

func (s *Store) Get(ctx context.Context, id string) (*wa.Certificate, error) {
	return s.getWhere(ctx, "wa_id = ?", id)
}

func (s *Store) GetByKeyID(ctx context.Context, keyID string) (*wa.Certificate, error) {
	return s.getWhere(ctx, "jwt_kid = ?", keyID)
}

func (s *Store) GetByAdapter(ctx context.Context, adapterID string) (*wa.Certificate, error) {
	if adapterID == "" {
		return nil, wa.ErrInvalidInput
	}
	return s.getWhere(ctx, "adapter_id = ? and active = 1", adapterID)
}

func (s *Store) GetByExternal(ctx context.Context, provider, externalID string) (*wa.Certificate, error) {
	if provider == "" || externalID == "" {
		return nil, wa.ErrInvalidInput
	}
	return s.getWhere(ctx, "oauth_provider = ? and oauth_external_id = ? and active = 1", provider, externalID)
}

func (s *Store) List(ctx context.Context, activeOnly bool) ([]*wa.Certificate, error) {
	query := `select ` + certColumns + ` from wa_cert`
	if activeOnly {
		query += ` where active = 1`
	}
	query += ` order by created_at asc`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*wa.Certificate
	for rows.Next() {
		cert, err := scanCert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, cert *wa.Certificate) error {
	if cert == nil || cert.ID == "" {
		return wa.ErrInvalidInput
	}
	meta, err := encodeMetadata(cert.AdapterMetadata)
	if err != nil {
		return err
	}
	scopes, err := json.Marshal(cert.Scopes)
	if err != nil {
		return fmt.Errorf("sqlite: encode scopes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedRole string
	err = tx.QueryRowContext(ctx, `select role from wa_cert where wa_id = ?`, cert.ID).Scan(&storedRole)
	if errors.Is(err, sql.ErrNoRows) {
		return wa.ErrNotFound
	}
	if err != nil {
		return mapErr(err)
	}
	if storedRole != string(cert.Role) {
		return wa.ErrInvalidInput
	}

	_, err = tx.ExecContext(ctx, `
		update wa_cert set
			name = ?, pubkey = ?, jwt_kid = ?, password_hash = ?,
			oauth_provider = ?, oauth_external_id = ?, parent_wa_id = ?,
			parent_signature = ?, scopes_json = ?, adapter_id = ?,
			adapter_metadata_json = ?, active = ?, version = version + 1
		where wa_id = ?
	`,
		cert.Name, cert.PublicKey, cert.KeyID, nullable(cert.Binding.PasswordHash),
		nullable(cert.Binding.Provider), nullable(cert.Binding.ExternalID),
		nullable(cert.ParentID), nullable(cert.ParentSignature), string(scopes),
		nullable(cert.AdapterID), meta, boolInt(cert.Active), cert.ID,
	)
	if err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

func (s *Store) Deactivate(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update wa_cert set active = 0, version = version + 1 where wa_id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if affected == 0 {
		return wa.ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`insert into wa_audit (id, wa_id, event, reason, created_at) values (?,?,?,?,?)`,
		ids.New(), id, "deactivated", reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

func (s *Store) ParentChain(ctx context.Context, id string) ([]*wa.Certificate, error) {
	var chain []*wa.Certificate
	seen := make(map[string]bool)
	current := id
	for current != "" {
		if seen[current] {
			return nil, wa.ErrChainBroken
		}
		seen[current] = true
		cert, err := s.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
		current = cert.ParentID
	}
	return chain, nil
}

func (s *Store) TouchLastAuth(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update wa_cert set last_auth_at = ? where wa_id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if affected == 0 {
		return wa.ErrNotFound
	}
	return nil
}

func (s *Store) AuditTrail(ctx context.Context, id string) ([]wa.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, wa_id, event, reason, created_at from wa_audit where wa_id = ? order by created_at asc`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []wa.AuditRecord
	for rows.Next() {
		var rec wa.AuditRecord
		var reason sql.NullString
		var created string
		if err := rows.Scan(&rec.ID, &rec.WAID, &rec.Event, &reason, &created); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("sqlite: audit timestamp: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) getWhere(ctx context.Context, where string, args ...any) (*wa.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `select `+certColumns+` from wa_cert where `+where, args...)
	cert, err := scanCert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wa.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func scanCert(row rowScanner) (*wa.Certificate, error) {
	var (
		cert      wa.Certificate
		role      string
		pwHash    sql.NullString
		provider  sql.NullString
		extID     sql.NullString
		parentID  sql.NullString
		parentSig sql.NullString
		scopes    string
		adapterID sql.NullString
		meta      sql.NullString
		created   string
		lastAuth  sql.NullString
		active    int
	)
	err := row.Scan(&cert.ID, &cert.Name, &role, &cert.PublicKey, &cert.KeyID,
		&pwHash, &provider, &extID, &parentID, &parentSig, &scopes,
		&adapterID, &meta, &created, &lastAuth, &active, &cert.Version)
	if err != nil {
		return nil, err
	}

	parsedRole, err := wa.ParseRole(role)
	if err != nil {
		return nil, err
	}
	cert.Role = parsedRole
	cert.Binding = wa.AuthBinding{
		PasswordHash: pwHash.String,
		Provider:     provider.String,
		ExternalID:   extID.String,
	}
	cert.ParentID = parentID.String
	cert.ParentSignature = parentSig.String
	cert.AdapterID = adapterID.String
	cert.Active = active != 0

	if err := json.Unmarshal([]byte(scopes), &cert.Scopes); err != nil {
		return nil, fmt.Errorf("sqlite: decode scopes: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &cert.AdapterMetadata); err != nil {
			return nil, fmt.Errorf("sqlite: decode adapter metadata: %w", err)
		}
	}
	cert.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("sqlite: created timestamp: %w", err)
	}
	if lastAuth.Valid && lastAuth.String != "" {
		cert.LastAuthAt, err = time.Parse(time.RFC3339Nano, lastAuth.String)
		if err != nil {
			return nil, fmt.Errorf("sqlite: last auth timestamp: %w", err)
		}
	}
	return &cert, nil
}

func encodeMetadata(meta map[string]string) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode adapter metadata: %w", err)
	}
	return string(raw), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return wa.ErrConflict
	}
	return err
}
