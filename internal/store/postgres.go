package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/core"
)

// rowScanner is the part of *sql.Row and *sql.Rows the scan helpers need.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// queryer is the slice of database/sql shared by *sql.DB and *sql.Tx, so
// every method runs unchanged inside WithinTx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Postgres is the production Store. Schema lives in scripts/schema.sql.
type Postgres struct {
	db *sql.DB
	q  queryer
}

// NewPostgres opens a pool against cfg and verifies connectivity.
func NewPostgres(cfg config.DatabaseConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifeMins > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeMins) * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyPG(fmt.Errorf("ping postgres: %w", err))
	}

	return &Postgres{db: db, q: db}, nil
}

// DB exposes the underlying pool for components that manage their own
// tables, like the evidence registry.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// WithinTx runs fn against a tx-bound Store. A nested call reuses the open
// transaction instead of starting a second one.
func (p *Postgres) WithinTx(ctx context.Context, fn func(Store) error) error {
	if _, nested := p.q.(*sql.Tx); nested {
		return fn(p)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPG(err)
	}

	if err := fn(&Postgres{db: p.db, q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return classifyPG(tx.Commit())
}

func (p *Postgres) Ping(ctx context.Context) error {
	return classifyPG(p.db.PingContext(ctx))
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// ============================================================================
// SCAN HELPERS
// ============================================================================

// toJSON marshals v for a jsonb column; nil stays NULL.
func toJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// fromJSON unmarshals a jsonb column into dst, tolerating NULL.
func fromJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// scanDecimal parses a NUMERIC column read as text.
func scanDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ============================================================================
// PROJECTS
// ============================================================================

const projectColumns = `id, name, code, contract_value, contractor_name, status,
	start_date, end_date, site_latitude, site_longitude, settings,
	created_at, updated_at`

func (p *Postgres) CreateProject(ctx context.Context, pr *core.Project) error {
	settings, err := toJSON(pr.Settings)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		pr.ID, pr.Name, pr.Code, pr.ContractValue.String(), nullStr(pr.ContractorName),
		string(pr.Status), nullTime(pr.StartDate), nullTime(pr.EndDate),
		nullFloat(pr.SiteLatitude), nullFloat(pr.SiteLongitude), settings,
		pr.CreatedAt, pr.UpdatedAt)
	return classifyPG(err)
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*core.Project, error) {
	return scanProject(p.q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

func (p *Postgres) GetProjectByCode(ctx context.Context, code string) (*core.Project, error) {
	return scanProject(p.q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE code = $1`, code))
}

func (p *Postgres) UpdateProject(ctx context.Context, pr *core.Project) error {
	settings, err := toJSON(pr.Settings)
	if err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `
		UPDATE projects SET name=$2, contract_value=$3, contractor_name=$4,
			status=$5, start_date=$6, end_date=$7, site_latitude=$8,
			site_longitude=$9, settings=$10, updated_at=$11
		WHERE id = $1`,
		pr.ID, pr.Name, pr.ContractValue.String(), nullStr(pr.ContractorName),
		string(pr.Status), nullTime(pr.StartDate), nullTime(pr.EndDate),
		nullFloat(pr.SiteLatitude), nullFloat(pr.SiteLongitude), settings,
		time.Now().UTC())
	return affected(res, err)
}

func (p *Postgres) ListProjects(ctx context.Context) ([]*core.Project, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.Project
	for rows.Next() {
		pr, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, classifyPG(rows.Err())
}

func scanProject(r rowScanner) (*core.Project, error) {
	var (
		pr            core.Project
		contractValue string
		contractor    sql.NullString
		status        string
		start, end    sql.NullTime
		lat, lon      sql.NullFloat64
		settings      []byte
		created, upd  time.Time
	)
	err := r.Scan(&pr.ID, &pr.Name, &pr.Code, &contractValue, &contractor,
		&status, &start, &end, &lat, &lon, &settings, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	if pr.ContractValue, err = scanDecimal(contractValue); err != nil {
		return nil, err
	}
	pr.ContractorName = contractor.String
	pr.Status = core.ProjectStatus(status)
	pr.StartDate, pr.EndDate = timePtr(start), timePtr(end)
	pr.SiteLatitude, pr.SiteLongitude = floatPtr(lat), floatPtr(lon)
	if len(settings) > 0 {
		pr.Settings = &core.ReconciliationSettings{}
		if err := fromJSON(settings, pr.Settings); err != nil {
			return nil, err
		}
	}
	pr.CreatedAt, pr.UpdatedAt = created.UTC(), upd.UTC()
	return &pr, nil
}

// ============================================================================
// ENTITIES
// ============================================================================

const entityColumns = `id, project_id, name, type, risk_score, watchlist,
	metadata, embedding, created_at, updated_at`

func (p *Postgres) CreateEntity(ctx context.Context, e *core.Entity) error {
	metadata, err := toJSON(e.Metadata)
	if err != nil {
		return err
	}
	embedding, err := toJSON(e.Embedding)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, nullStr(e.ProjectID), e.Name, string(e.Type), e.RiskScore,
		e.Watchlist, metadata, embedding, e.CreatedAt, e.UpdatedAt)
	return classifyPG(err)
}

func (p *Postgres) GetEntity(ctx context.Context, id string) (*core.Entity, error) {
	return scanEntity(p.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id))
}

func (p *Postgres) UpdateEntity(ctx context.Context, e *core.Entity) error {
	metadata, err := toJSON(e.Metadata)
	if err != nil {
		return err
	}
	embedding, err := toJSON(e.Embedding)
	if err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `
		UPDATE entities SET name=$2, type=$3, risk_score=$4, watchlist=$5,
			metadata=$6, embedding=$7, updated_at=$8
		WHERE id = $1`,
		e.ID, e.Name, string(e.Type), e.RiskScore, e.Watchlist,
		metadata, embedding, time.Now().UTC())
	return affected(res, err)
}

func (p *Postgres) GetEntityByName(ctx context.Context, projectID, name string) (*core.Entity, error) {
	return scanEntity(p.q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE project_id IS NOT DISTINCT FROM NULLIF($1,'') AND name = $2
		LIMIT 1`, projectID, name))
}

func (p *Postgres) GetEntityByNameFold(ctx context.Context, projectID, name string) (*core.Entity, error) {
	return scanEntity(p.q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE project_id IS NOT DISTINCT FROM NULLIF($1,'') AND lower(name) = lower($2)
		LIMIT 1`, projectID, name))
}

func (p *Postgres) SearchEntitiesByToken(ctx context.Context, projectID, token string, limit int) ([]*core.Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE project_id IS NOT DISTINCT FROM NULLIF($1,'')
		  AND name ILIKE '%' || $2 || '%'
		ORDER BY name LIMIT $3`, projectID, token, limit)
	if err != nil {
		return nil, classifyPG(err)
	}
	return collectEntities(rows)
}

func (p *Postgres) ListEntities(ctx context.Context, projectID string, limit int) ([]*core.Entity, error) {
	q := `SELECT ` + entityColumns + ` FROM entities
		WHERE project_id IS NOT DISTINCT FROM NULLIF($1,'')
		ORDER BY created_at DESC`
	args := []interface{}{projectID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	return collectEntities(rows)
}

func (p *Postgres) ListEntitiesByMinRisk(ctx context.Context, projectID string, minRisk float64) ([]*core.Entity, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE project_id IS NOT DISTINCT FROM NULLIF($1,'') AND risk_score >= $2
		ORDER BY risk_score DESC`, projectID, minRisk)
	if err != nil {
		return nil, classifyPG(err)
	}
	return collectEntities(rows)
}

func (p *Postgres) ListRiskyEntitiesByName(ctx context.Context, name string, minRisk float64, excludeProjectID string) ([]*core.Entity, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE lower(name) = lower($1) AND risk_score >= $2
		  AND project_id IS DISTINCT FROM NULLIF($3,'')
		ORDER BY risk_score DESC`, name, minRisk, excludeProjectID)
	if err != nil {
		return nil, classifyPG(err)
	}
	return collectEntities(rows)
}

func collectEntities(rows *sql.Rows) ([]*core.Entity, error) {
	defer rows.Close()
	var out []*core.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classifyPG(rows.Err())
}

func scanEntity(r rowScanner) (*core.Entity, error) {
	var (
		e            core.Entity
		projectID    sql.NullString
		typ          string
		metadata     []byte
		embedding    []byte
		created, upd time.Time
	)
	err := r.Scan(&e.ID, &projectID, &e.Name, &typ, &e.RiskScore, &e.Watchlist,
		&metadata, &embedding, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	e.ProjectID = projectID.String
	e.Type = core.EntityType(typ)
	if err := fromJSON(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	if err := fromJSON(embedding, &e.Embedding); err != nil {
		return nil, err
	}
	e.CreatedAt, e.UpdatedAt = created.UTC(), upd.UTC()
	return &e, nil
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

const txColumns = `id, project_id, proposed_amount, actual_amount,
	delta_inflation, currency, sender_name, receiver_name, sender_entity_id,
	receiver_entity_id, description, category, account, audit_comment,
	ts, transaction_date, risk_score, status, verification_status, aml_stage,
	batch_reference, encrypted_note, is_redacted, potential_misappropriation,
	is_circular, needs_proof, is_inferred, mens_rea, latitude, longitude,
	metadata, embedding, created_at, updated_at`

func (p *Postgres) CreateTransaction(ctx context.Context, t *core.Transaction) error {
	metadata, err := toJSON(t.Metadata)
	if err != nil {
		return err
	}
	embedding, err := toJSON(t.Embedding)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34)`,
		t.ID, t.ProjectID, t.ProposedAmount.String(), t.ActualAmount.String(),
		t.DeltaInflation.String(), t.Currency, t.SenderName, t.ReceiverName,
		nullStr(t.SenderEntityID), nullStr(t.ReceiverEntityID), t.Description,
		string(t.Category), nullStr(t.Account), nullStr(t.AuditComment),
		t.Timestamp, nullTime(t.TransactionDate), t.RiskScore, string(t.Status),
		string(t.VerificationStatus), nullStr(string(t.AMLStage)),
		nullStr(t.BatchReference), t.EncryptedNote, t.IsRedacted,
		t.PotentialMisappropriation, t.IsCircular, t.NeedsProof, t.IsInferred,
		nullStr(t.MensRea), nullFloat(t.Latitude), nullFloat(t.Longitude),
		metadata, embedding, t.CreatedAt, t.UpdatedAt)
	return classifyPG(err)
}

func (p *Postgres) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	return scanTransaction(p.q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
}

func (p *Postgres) UpdateTransaction(ctx context.Context, t *core.Transaction) error {
	metadata, err := toJSON(t.Metadata)
	if err != nil {
		return err
	}
	embedding, err := toJSON(t.Embedding)
	if err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `
		UPDATE transactions SET proposed_amount=$2, actual_amount=$3,
			delta_inflation=$4, currency=$5, sender_name=$6, receiver_name=$7,
			sender_entity_id=$8, receiver_entity_id=$9, description=$10,
			category=$11, account=$12, audit_comment=$13, ts=$14,
			transaction_date=$15, risk_score=$16, status=$17,
			verification_status=$18, aml_stage=$19, batch_reference=$20,
			encrypted_note=$21, is_redacted=$22, potential_misappropriation=$23,
			is_circular=$24, needs_proof=$25, is_inferred=$26, mens_rea=$27,
			latitude=$28, longitude=$29, metadata=$30, embedding=$31,
			updated_at=$32
		WHERE id = $1`,
		t.ID, t.ProposedAmount.String(), t.ActualAmount.String(),
		t.DeltaInflation.String(), t.Currency, t.SenderName, t.ReceiverName,
		nullStr(t.SenderEntityID), nullStr(t.ReceiverEntityID), t.Description,
		string(t.Category), nullStr(t.Account), nullStr(t.AuditComment),
		t.Timestamp, nullTime(t.TransactionDate), t.RiskScore, string(t.Status),
		string(t.VerificationStatus), nullStr(string(t.AMLStage)),
		nullStr(t.BatchReference), t.EncryptedNote, t.IsRedacted,
		t.PotentialMisappropriation, t.IsCircular, t.NeedsProof, t.IsInferred,
		nullStr(t.MensRea), nullFloat(t.Latitude), nullFloat(t.Longitude),
		metadata, embedding, time.Now().UTC())
	return affected(res, err)
}

func (p *Postgres) ListTransactions(ctx context.Context, f TransactionFilter) ([]*core.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.ProjectID != "" {
		q += ` AND project_id = ` + arg(f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (`
		for i, s := range f.Statuses {
			if i > 0 {
				q += `,`
			}
			q += arg(string(s))
		}
		q += `)`
	}
	if len(f.Categories) > 0 {
		q += ` AND category IN (`
		for i, c := range f.Categories {
			if i > 0 {
				q += `,`
			}
			q += arg(string(c))
		}
		q += `)`
	}
	if f.ReceiverName != "" {
		q += ` AND receiver_name = ` + arg(f.ReceiverName)
	}
	if f.SenderName != "" {
		q += ` AND sender_name = ` + arg(f.SenderName)
	}
	// Windows apply to the effective date: value date wins over booking.
	if !f.From.IsZero() {
		q += ` AND COALESCE(transaction_date, ts) >= ` + arg(f.From)
	}
	if !f.To.IsZero() {
		q += ` AND COALESCE(transaction_date, ts) <= ` + arg(f.To)
	}
	if f.MinRisk > 0 {
		q += ` AND risk_score >= ` + arg(f.MinRisk)
	}
	if !f.MinAmount.IsZero() {
		q += ` AND actual_amount >= ` + arg(f.MinAmount.String())
	}
	q += ` ORDER BY COALESCE(transaction_date, ts) ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classifyPG(rows.Err())
}

func (p *Postgres) CountTransactions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE project_id = $1`, projectID).Scan(&n)
	return n, classifyPG(err)
}

func scanTransaction(r rowScanner) (*core.Transaction, error) {
	var (
		t                          core.Transaction
		proposed, actual, delta    string
		senderEID, receiverEID     sql.NullString
		account, comment, amlStage sql.NullString
		batchRef, mensRea          sql.NullString
		category, status, verif    string
		ts, created, upd           time.Time
		txDate                     sql.NullTime
		lat, lon                   sql.NullFloat64
		metadata, embedding        []byte
	)
	err := r.Scan(&t.ID, &t.ProjectID, &proposed, &actual, &delta, &t.Currency,
		&t.SenderName, &t.ReceiverName, &senderEID, &receiverEID,
		&t.Description, &category, &account, &comment, &ts, &txDate,
		&t.RiskScore, &status, &verif, &amlStage, &batchRef, &t.EncryptedNote,
		&t.IsRedacted, &t.PotentialMisappropriation, &t.IsCircular,
		&t.NeedsProof, &t.IsInferred, &mensRea, &lat, &lon,
		&metadata, &embedding, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	if t.ProposedAmount, err = scanDecimal(proposed); err != nil {
		return nil, err
	}
	if t.ActualAmount, err = scanDecimal(actual); err != nil {
		return nil, err
	}
	if t.DeltaInflation, err = scanDecimal(delta); err != nil {
		return nil, err
	}
	t.SenderEntityID, t.ReceiverEntityID = senderEID.String, receiverEID.String
	t.Category = core.Category(category)
	t.Account, t.AuditComment = account.String, comment.String
	t.Timestamp = ts.UTC()
	t.TransactionDate = timePtr(txDate)
	t.Status = core.TxStatus(status)
	t.VerificationStatus = core.VerificationStatus(verif)
	t.AMLStage = core.AMLStage(amlStage.String)
	t.BatchReference, t.MensRea = batchRef.String, mensRea.String
	t.Latitude, t.Longitude = floatPtr(lat), floatPtr(lon)
	if err := fromJSON(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	if err := fromJSON(embedding, &t.Embedding); err != nil {
		return nil, err
	}
	t.CreatedAt, t.UpdatedAt = created.UTC(), upd.UTC()
	return &t, nil
}

// ============================================================================
// BANK TRANSACTIONS
// ============================================================================

const bankColumns = `id, project_id, amount, currency, direction, bank_name,
	account_number, description, balance, ts, booking_date, batch_reference,
	embedding, created_at`

func (p *Postgres) CreateBankTransaction(ctx context.Context, b *core.BankTransaction) error {
	embedding, err := toJSON(b.Embedding)
	if err != nil {
		return err
	}
	var balance interface{}
	if b.Balance != nil {
		balance = b.Balance.String()
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO bank_transactions (`+bankColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		b.ID, b.ProjectID, b.Amount.String(), b.Currency, string(b.Direction),
		nullStr(b.BankName), nullStr(b.AccountNumber), b.Description, balance,
		b.Timestamp, nullTime(b.BookingDate), nullStr(b.BatchReference),
		embedding, b.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) GetBankTransaction(ctx context.Context, id string) (*core.BankTransaction, error) {
	return scanBankTransaction(p.q.QueryRowContext(ctx,
		`SELECT `+bankColumns+` FROM bank_transactions WHERE id = $1`, id))
}

func (p *Postgres) ListBankTransactions(ctx context.Context, f BankFilter) ([]*core.BankTransaction, error) {
	q := `SELECT ` + bankColumns + ` FROM bank_transactions WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.ProjectID != "" {
		q += ` AND project_id = ` + arg(f.ProjectID)
	}
	if !f.From.IsZero() {
		q += ` AND COALESCE(booking_date, ts) >= ` + arg(f.From)
	}
	if !f.To.IsZero() {
		q += ` AND COALESCE(booking_date, ts) <= ` + arg(f.To)
	}
	q += ` ORDER BY COALESCE(booking_date, ts) ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.BankTransaction
	for rows.Next() {
		b, err := scanBankTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, classifyPG(rows.Err())
}

func (p *Postgres) CountBankTransactions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bank_transactions WHERE project_id = $1`, projectID).Scan(&n)
	return n, classifyPG(err)
}

func scanBankTransaction(r rowScanner) (*core.BankTransaction, error) {
	var (
		b                 core.BankTransaction
		amount, direction string
		bankName, acctNum sql.NullString
		balance, batchRef sql.NullString
		ts, created       time.Time
		booking           sql.NullTime
		embedding         []byte
	)
	err := r.Scan(&b.ID, &b.ProjectID, &amount, &b.Currency, &direction,
		&bankName, &acctNum, &b.Description, &balance, &ts, &booking,
		&batchRef, &embedding, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	if b.Amount, err = scanDecimal(amount); err != nil {
		return nil, err
	}
	b.Direction = core.BankDirection(direction)
	b.BankName, b.AccountNumber = bankName.String, acctNum.String
	if balance.Valid {
		d, err := scanDecimal(balance.String)
		if err != nil {
			return nil, err
		}
		b.Balance = &d
	}
	b.Timestamp = ts.UTC()
	b.BookingDate = timePtr(booking)
	b.BatchReference = batchRef.String
	if err := fromJSON(embedding, &b.Embedding); err != nil {
		return nil, err
	}
	b.CreatedAt = created.UTC()
	return &b, nil
}

// ============================================================================
// RECONCILIATION MATCHES
// ============================================================================

const matchColumns = `id, project_id, internal_tx_id, bank_tx_id,
	confidence_score, confirmed, matched_at, match_type, ai_reasoning,
	created_at`

func (p *Postgres) CreateMatch(ctx context.Context, m *core.ReconciliationMatch) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO reconciliation_matches (`+matchColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.ProjectID, m.InternalTxID, m.BankTxID, m.ConfidenceScore,
		m.Confirmed, nullTime(m.MatchedAt), string(m.MatchType),
		m.AIReasoning, m.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) GetMatch(ctx context.Context, id string) (*core.ReconciliationMatch, error) {
	return scanMatch(p.q.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM reconciliation_matches WHERE id = $1`, id))
}

func (p *Postgres) UpdateMatch(ctx context.Context, m *core.ReconciliationMatch) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE reconciliation_matches SET confidence_score=$2, confirmed=$3,
			matched_at=$4, match_type=$5, ai_reasoning=$6
		WHERE id = $1`,
		m.ID, m.ConfidenceScore, m.Confirmed, nullTime(m.MatchedAt),
		string(m.MatchType), m.AIReasoning)
	return affected(res, err)
}

func (p *Postgres) ListMatches(ctx context.Context, f MatchFilter) ([]*core.ReconciliationMatch, error) {
	q := `SELECT ` + matchColumns + ` FROM reconciliation_matches WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.ProjectID != "" {
		q += ` AND project_id = ` + arg(f.ProjectID)
	}
	if f.Confirmed != nil {
		q += ` AND confirmed = ` + arg(*f.Confirmed)
	}
	q += ` ORDER BY confidence_score DESC, created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.ReconciliationMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, classifyPG(rows.Err())
}

func (p *Postgres) GetConfirmedPair(ctx context.Context, internalTxID, bankTxID string) (*core.ReconciliationMatch, error) {
	return scanMatch(p.q.QueryRowContext(ctx, `
		SELECT `+matchColumns+` FROM reconciliation_matches
		WHERE internal_tx_id = $1 AND bank_tx_id = $2 AND confirmed
		LIMIT 1`, internalTxID, bankTxID))
}

func (p *Postgres) CountConfirmedMatches(ctx context.Context, projectID string) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reconciliation_matches
		WHERE project_id = $1 AND confirmed`, projectID).Scan(&n)
	return n, classifyPG(err)
}

func scanMatch(r rowScanner) (*core.ReconciliationMatch, error) {
	var (
		m         core.ReconciliationMatch
		matchedAt sql.NullTime
		matchType string
		created   time.Time
	)
	err := r.Scan(&m.ID, &m.ProjectID, &m.InternalTxID, &m.BankTxID,
		&m.ConfidenceScore, &m.Confirmed, &matchedAt, &matchType,
		&m.AIReasoning, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	m.MatchedAt = timePtr(matchedAt)
	m.MatchType = core.MatchType(matchType)
	m.CreatedAt = created.UTC()
	return &m, nil
}

// ============================================================================
// AUDIT TRAIL
// ============================================================================

const auditColumns = `id, project_id, entity_type, entity_id, action,
	field_name, old_value, new_value, actor_id, reason, previous_hash,
	hash_signature, ts`

func (p *Postgres) AppendAuditLog(ctx context.Context, entry *core.AuditLog) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		entry.ID, nullStr(entry.ProjectID), entry.EntityType, entry.EntityID,
		entry.Action, nullStr(entry.FieldName), nullStr(entry.OldValue),
		nullStr(entry.NewValue), entry.ActorID, nullStr(entry.Reason),
		entry.PreviousHash, entry.HashSignature, entry.Timestamp)
	return classifyPG(err)
}

func (p *Postgres) LastAuditLog(ctx context.Context, entityType, entityID string) (*core.AuditLog, error) {
	return scanAuditLog(p.q.QueryRowContext(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY ts DESC, id DESC LIMIT 1`, entityType, entityID))
}

func (p *Postgres) ListAuditLogs(ctx context.Context, entityType, entityID string) ([]*core.AuditLog, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY ts ASC, id ASC`, entityType, entityID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.AuditLog
	for rows.Next() {
		e, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classifyPG(rows.Err())
}

func scanAuditLog(r rowScanner) (*core.AuditLog, error) {
	var (
		e                        core.AuditLog
		projectID, field         sql.NullString
		oldVal, newVal, reasonNS sql.NullString
		ts                       time.Time
	)
	err := r.Scan(&e.ID, &projectID, &e.EntityType, &e.EntityID, &e.Action,
		&field, &oldVal, &newVal, &e.ActorID, &reasonNS,
		&e.PreviousHash, &e.HashSignature, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	e.ProjectID = projectID.String
	e.FieldName, e.OldValue, e.NewValue = field.String, oldVal.String, newVal.String
	e.Reason = reasonNS.String
	e.Timestamp = ts.UTC()
	return &e, nil
}

// ============================================================================
// CASES & EXHIBITS
// ============================================================================

const caseColumns = `id, project_id, title, description, status, created_by,
	final_report_hash, sealed_at, sealed_by, created_at, updated_at`

func (p *Postgres) CreateCase(ctx context.Context, c *core.Case) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO cases (`+caseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.ProjectID, c.Title, nullStr(c.Description), string(c.Status),
		c.CreatedBy, nullStr(c.FinalReportHash), nullTime(c.SealedAt),
		nullStr(c.SealedBy), c.CreatedAt, c.UpdatedAt)
	return classifyPG(err)
}

func (p *Postgres) GetCase(ctx context.Context, id string) (*core.Case, error) {
	return scanCase(p.q.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
}

func (p *Postgres) UpdateCase(ctx context.Context, c *core.Case) error {
	if err := p.guardSealed(ctx, c.ID); err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `
		UPDATE cases SET title=$2, description=$3, status=$4,
			final_report_hash=$5, sealed_at=$6, sealed_by=$7, updated_at=$8
		WHERE id = $1`,
		c.ID, c.Title, nullStr(c.Description), string(c.Status),
		nullStr(c.FinalReportHash), nullTime(c.SealedAt), nullStr(c.SealedBy),
		time.Now().UTC())
	return affected(res, err)
}

func (p *Postgres) ListCases(ctx context.Context, projectID string) ([]*core.Case, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, classifyPG(rows.Err())
}

// guardSealed rejects mutations against a sealed case.
func (p *Postgres) guardSealed(ctx context.Context, caseID string) error {
	var status string
	err := p.q.QueryRowContext(ctx,
		`SELECT status FROM cases WHERE id = $1`, caseID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classifyPG(err)
	}
	if core.CaseStatus(status) == core.CaseSealed {
		return ErrSealed
	}
	return nil
}

func scanCase(r rowScanner) (*core.Case, error) {
	var (
		c               core.Case
		desc, hash, by  sql.NullString
		status          string
		sealedAt        sql.NullTime
		created, upd    time.Time
	)
	err := r.Scan(&c.ID, &c.ProjectID, &c.Title, &desc, &status, &c.CreatedBy,
		&hash, &sealedAt, &by, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	c.Description = desc.String
	c.Status = core.CaseStatus(status)
	c.FinalReportHash, c.SealedBy = hash.String, by.String
	c.SealedAt = timePtr(sealedAt)
	c.CreatedAt, c.UpdatedAt = created.UTC(), upd.UTC()
	return &c, nil
}

const exhibitColumns = `id, case_id, exhibit_number, kind, resource_id, title,
	notes, verdict, hash_signature, adjudicated_by, adjudicated_at,
	ai_contradiction_note, created_at`

func (p *Postgres) AddExhibit(ctx context.Context, e *core.CaseExhibit) error {
	if err := p.guardSealed(ctx, e.CaseID); err != nil {
		return err
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO case_exhibits (`+exhibitColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.CaseID, e.ExhibitNumber, string(e.Kind), e.ResourceID, e.Title,
		nullStr(e.Notes), string(e.Verdict), nullStr(e.HashSignature),
		nullStr(e.AdjudicatedBy), nullTime(e.AdjudicatedAt),
		nullStr(e.AIContradictionNote), e.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) GetExhibit(ctx context.Context, id string) (*core.CaseExhibit, error) {
	return scanExhibit(p.q.QueryRowContext(ctx,
		`SELECT `+exhibitColumns+` FROM case_exhibits WHERE id = $1`, id))
}

func (p *Postgres) UpdateExhibit(ctx context.Context, e *core.CaseExhibit) error {
	if err := p.guardSealed(ctx, e.CaseID); err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `
		UPDATE case_exhibits SET title=$2, notes=$3, verdict=$4,
			hash_signature=$5, adjudicated_by=$6, adjudicated_at=$7,
			ai_contradiction_note=$8
		WHERE id = $1`,
		e.ID, e.Title, nullStr(e.Notes), string(e.Verdict),
		nullStr(e.HashSignature), nullStr(e.AdjudicatedBy),
		nullTime(e.AdjudicatedAt), nullStr(e.AIContradictionNote))
	return affected(res, err)
}

func (p *Postgres) ListExhibits(ctx context.Context, caseID string) ([]*core.CaseExhibit, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+exhibitColumns+` FROM case_exhibits
		WHERE case_id = $1 ORDER BY created_at ASC`, caseID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.CaseExhibit
	for rows.Next() {
		e, err := scanExhibit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classifyPG(rows.Err())
}

func scanExhibit(r rowScanner) (*core.CaseExhibit, error) {
	var (
		e                  core.CaseExhibit
		kind, verdict      string
		notes, hash, by    sql.NullString
		contradiction      sql.NullString
		adjudicatedAt      sql.NullTime
		created            time.Time
	)
	err := r.Scan(&e.ID, &e.CaseID, &e.ExhibitNumber, &kind, &e.ResourceID,
		&e.Title, &notes, &verdict, &hash, &by, &adjudicatedAt,
		&contradiction, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	e.Kind = core.ExhibitKind(kind)
	e.Verdict = core.ExhibitVerdict(verdict)
	e.Notes, e.HashSignature, e.AdjudicatedBy = notes.String, hash.String, by.String
	e.AIContradictionNote = contradiction.String
	e.AdjudicatedAt = timePtr(adjudicatedAt)
	e.CreatedAt = created.UTC()
	return &e, nil
}

// ============================================================================
// PROCESSING JOBS
// ============================================================================

const jobColumns = `id, project_id, data_type, status, total_items,
	total_batches, batches_completed, items_processed, items_failed,
	batch_config, created_at, started_at, completed_at, error_message,
	retry_count, worker_task_ids`

func (p *Postgres) CreateJob(ctx context.Context, j *core.ProcessingJob) error {
	cfg, err := toJSON(j.Config)
	if err != nil {
		return err
	}
	taskIDs, err := toJSON(j.WorkerTaskIDs)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO processing_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		j.ID, j.ProjectID, string(j.DataType), string(j.Status), j.TotalItems,
		j.TotalBatches, j.BatchesCompleted, j.ItemsProcessed, j.ItemsFailed,
		cfg, j.CreatedAt, nullTime(j.StartedAt), nullTime(j.CompletedAt),
		nullStr(j.ErrorMessage), j.RetryCount, taskIDs)
	return classifyPG(err)
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*core.ProcessingJob, error) {
	return scanJob(p.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id))
}

func (p *Postgres) UpdateJob(ctx context.Context, j *core.ProcessingJob) error {
	cfg, err := toJSON(j.Config)
	if err != nil {
		return err
	}
	taskIDs, err := toJSON(j.WorkerTaskIDs)
	if err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `
		UPDATE processing_jobs SET status=$2, total_batches=$3,
			batches_completed=$4, items_processed=$5, items_failed=$6,
			batch_config=$7, started_at=$8, completed_at=$9, error_message=$10,
			retry_count=$11, worker_task_ids=$12
		WHERE id = $1`,
		j.ID, string(j.Status), j.TotalBatches, j.BatchesCompleted,
		j.ItemsProcessed, j.ItemsFailed, cfg, nullTime(j.StartedAt),
		nullTime(j.CompletedAt), nullStr(j.ErrorMessage), j.RetryCount, taskIDs)
	return affected(res, err)
}

func (p *Postgres) ListJobs(ctx context.Context, projectID string, statuses ...core.JobStatus) ([]*core.ProcessingJob, error) {
	q := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE project_id = $1`
	args := []interface{}{projectID}
	if len(statuses) > 0 {
		q += ` AND status IN (`
		for i, s := range statuses {
			if i > 0 {
				q += `,`
			}
			args = append(args, string(s))
			q += `$` + strconv.Itoa(len(args))
		}
		q += `)`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, classifyPG(rows.Err())
}

func (p *Postgres) ApplyBatchResult(ctx context.Context, jobID string, batchIndex, processed, failed int, taskID string) (*core.ProcessingJob, error) {
	row := p.q.QueryRowContext(ctx, `
		UPDATE processing_jobs SET
			batches_completed = batches_completed + 1,
			items_processed   = items_processed + $2,
			items_failed      = items_failed + $3,
			worker_task_ids   = jsonb_set(COALESCE(worker_task_ids, '{}'::jsonb),
			                              ARRAY[$4::text], to_jsonb($5::text))
		WHERE id = $1
		RETURNING `+jobColumns, jobID, processed, failed,
		strconv.Itoa(batchIndex), taskID)
	return scanJob(row)
}

func (p *Postgres) MarkJobCancelled(ctx context.Context, jobID string) (*core.ProcessingJob, error) {
	row := p.q.QueryRowContext(ctx, `
		UPDATE processing_jobs SET status='cancelled', completed_at=$2
		WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')
		RETURNING `+jobColumns, jobID, time.Now().UTC())
	job, err := scanJob(row)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return job, err
	}

	// No row updated: missing job or one that already settled.
	var status string
	serr := p.q.QueryRowContext(ctx,
		`SELECT status FROM processing_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(serr, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if serr != nil {
		return nil, classifyPG(serr)
	}
	return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, jobID, status)
}

func (p *Postgres) ArchiveJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.q.ExecContext(ctx, `
		DELETE FROM processing_jobs
		WHERE status IN ('completed','failed','cancelled')
		  AND completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, classifyPG(err)
	}
	n, err := res.RowsAffected()
	return int(n), classifyPG(err)
}

func scanJob(r rowScanner) (*core.ProcessingJob, error) {
	var (
		j                  core.ProcessingJob
		dataType, status   string
		cfg, taskIDs       []byte
		created            time.Time
		started, completed sql.NullTime
		errMsg             sql.NullString
	)
	err := r.Scan(&j.ID, &j.ProjectID, &dataType, &status, &j.TotalItems,
		&j.TotalBatches, &j.BatchesCompleted, &j.ItemsProcessed,
		&j.ItemsFailed, &cfg, &created, &started, &completed, &errMsg,
		&j.RetryCount, &taskIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	j.DataType = core.DataType(dataType)
	j.Status = core.JobStatus(status)
	if err := fromJSON(cfg, &j.Config); err != nil {
		return nil, err
	}
	// jsonb object keys are strings; the domain keys batches by index.
	if len(taskIDs) > 0 {
		byKey := map[string]string{}
		if err := fromJSON(taskIDs, &byKey); err != nil {
			return nil, err
		}
		j.WorkerTaskIDs = make(map[int]string, len(byKey))
		for k, v := range byKey {
			idx, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			j.WorkerTaskIDs[idx] = v
		}
	}
	j.CreatedAt = created.UTC()
	j.StartedAt, j.CompletedAt = timePtr(started), timePtr(completed)
	j.ErrorMessage = errMsg.String
	return &j, nil
}

// ============================================================================
// ALERTS & INSIGHTS
// ============================================================================

func (p *Postgres) CreateAlert(ctx context.Context, a *core.FraudAlert) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, project_id, transaction_id, alert_type,
			severity, risk_score, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.ProjectID, nullStr(a.TransactionID), a.AlertType,
		string(a.Severity), a.RiskScore, a.Description, a.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) ListAlerts(ctx context.Context, projectID string, severity core.Severity, limit int) ([]*core.FraudAlert, error) {
	q := `SELECT id, project_id, transaction_id, alert_type, severity,
		risk_score, description, created_at FROM fraud_alerts
		WHERE project_id = $1`
	args := []interface{}{projectID}
	if severity != "" {
		args = append(args, string(severity))
		q += ` AND severity = $2`
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.FraudAlert
	for rows.Next() {
		var (
			a     core.FraudAlert
			txID  sql.NullString
			sev   string
			ts    time.Time
		)
		if err := rows.Scan(&a.ID, &a.ProjectID, &txID, &a.AlertType, &sev,
			&a.RiskScore, &a.Description, &ts); err != nil {
			return nil, classifyPG(err)
		}
		a.TransactionID = txID.String
		a.Severity = core.Severity(sev)
		a.CreatedAt = ts.UTC()
		out = append(out, &a)
	}
	return out, classifyPG(rows.Err())
}

func (p *Postgres) CreateInsight(ctx context.Context, i *core.CopilotInsight) error {
	data, err := toJSON(i.Data)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO copilot_insights (id, project_id, insight_type, title,
			description, confidence, data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		i.ID, i.ProjectID, i.InsightType, i.Title, i.Description,
		i.Confidence, data, i.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) ListInsights(ctx context.Context, projectID, insightType string, limit int) ([]*core.CopilotInsight, error) {
	q := `SELECT id, project_id, insight_type, title, description, confidence,
		data, created_at FROM copilot_insights WHERE project_id = $1`
	args := []interface{}{projectID}
	if insightType != "" {
		args = append(args, insightType)
		q += ` AND insight_type = $2`
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.CopilotInsight
	for rows.Next() {
		var (
			i    core.CopilotInsight
			data []byte
			ts   time.Time
		)
		if err := rows.Scan(&i.ID, &i.ProjectID, &i.InsightType, &i.Title,
			&i.Description, &i.Confidence, &data, &ts); err != nil {
			return nil, classifyPG(err)
		}
		if err := fromJSON(data, &i.Data); err != nil {
			return nil, err
		}
		i.CreatedAt = ts.UTC()
		out = append(out, &i)
	}
	return out, classifyPG(rows.Err())
}

// ============================================================================
// OWNERSHIP GRAPH
// ============================================================================

func (p *Postgres) CreateOwnership(ctx context.Context, o *core.Ownership) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO ownerships (id, parent_entity_id, child_entity_id,
			relationship_type, stake_percentage, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		o.ID, o.ParentEntityID, o.ChildEntityID, string(o.Relationship),
		o.StakePercentage, o.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) ListParents(ctx context.Context, childEntityID string) ([]*core.Ownership, error) {
	return p.listOwnerships(ctx, `child_entity_id`, childEntityID)
}

func (p *Postgres) ListChildren(ctx context.Context, parentEntityID string) ([]*core.Ownership, error) {
	return p.listOwnerships(ctx, `parent_entity_id`, parentEntityID)
}

func (p *Postgres) listOwnerships(ctx context.Context, column, id string) ([]*core.Ownership, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, parent_entity_id, child_entity_id, relationship_type,
			stake_percentage, created_at
		FROM ownerships WHERE `+column+` = $1 ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.Ownership
	for rows.Next() {
		var (
			o   core.Ownership
			rel string
			ts  time.Time
		)
		if err := rows.Scan(&o.ID, &o.ParentEntityID, &o.ChildEntityID, &rel,
			&o.StakePercentage, &ts); err != nil {
			return nil, classifyPG(err)
		}
		o.Relationship = core.RelationshipType(rel)
		o.CreatedAt = ts.UTC()
		out = append(out, &o)
	}
	return out, classifyPG(rows.Err())
}

// ============================================================================
// ASSETS
// ============================================================================

const assetColumns = `id, project_id, owner_entity_id, type, description,
	estimated_value, currency, is_frozen, purchase_date, created_at`

func (p *Postgres) CreateAsset(ctx context.Context, a *core.Asset) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, nullStr(a.ProjectID), a.OwnerEntityID, string(a.Type),
		a.Description, a.EstimatedValue.String(), a.Currency, a.IsFrozen,
		nullTime(a.PurchaseDate), a.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) UpdateAsset(ctx context.Context, a *core.Asset) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE assets SET description=$2, estimated_value=$3, currency=$4,
			is_frozen=$5, purchase_date=$6
		WHERE id = $1`,
		a.ID, a.Description, a.EstimatedValue.String(), a.Currency,
		a.IsFrozen, nullTime(a.PurchaseDate))
	return affected(res, err)
}

func (p *Postgres) ListAssets(ctx context.Context, projectID string) ([]*core.Asset, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE project_id IS NOT DISTINCT FROM NULLIF($1,'')
		ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, classifyPG(err)
	}
	return collectAssets(rows)
}

func (p *Postgres) ListAssetsByOwners(ctx context.Context, ownerEntityIDs []string) ([]*core.Asset, error) {
	if len(ownerEntityIDs) == 0 {
		return nil, nil
	}
	q := `SELECT ` + assetColumns + ` FROM assets WHERE owner_entity_id IN (`
	args := make([]interface{}, 0, len(ownerEntityIDs))
	for i, id := range ownerEntityIDs {
		if i > 0 {
			q += `,`
		}
		args = append(args, id)
		q += `$` + strconv.Itoa(len(args))
	}
	q += `) ORDER BY created_at ASC`

	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	return collectAssets(rows)
}

func collectAssets(rows *sql.Rows) ([]*core.Asset, error) {
	defer rows.Close()
	var out []*core.Asset
	for rows.Next() {
		var (
			a         core.Asset
			projectID sql.NullString
			typ, val  string
			purchase  sql.NullTime
			ts        time.Time
		)
		if err := rows.Scan(&a.ID, &projectID, &a.OwnerEntityID, &typ,
			&a.Description, &val, &a.Currency, &a.IsFrozen, &purchase,
			&ts); err != nil {
			return nil, classifyPG(err)
		}
		a.ProjectID = projectID.String
		a.Type = core.AssetType(typ)
		d, err := scanDecimal(val)
		if err != nil {
			return nil, err
		}
		a.EstimatedValue = d
		a.PurchaseDate = timePtr(purchase)
		a.CreatedAt = ts.UTC()
		out = append(out, &a)
	}
	return out, classifyPG(rows.Err())
}

// ============================================================================
// PLAN
// ============================================================================

func (p *Postgres) CreateMilestone(ctx context.Context, m *core.Milestone) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO milestones (id, project_id, name, phase, planned_start,
			planned_end, budget_amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.ProjectID, m.Name, string(m.Phase), m.PlannedStart,
		m.PlannedEnd, m.BudgetAmount.String(), m.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) ListMilestones(ctx context.Context, projectID string) ([]*core.Milestone, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, project_id, name, phase, planned_start, planned_end,
			budget_amount, created_at
		FROM milestones WHERE project_id = $1 ORDER BY planned_start ASC`, projectID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.Milestone
	for rows.Next() {
		var (
			m           core.Milestone
			phase, amt  string
			start, end  time.Time
			ts          time.Time
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name, &phase, &start,
			&end, &amt, &ts); err != nil {
			return nil, classifyPG(err)
		}
		m.Phase = core.MilestonePhase(phase)
		m.PlannedStart, m.PlannedEnd = start.UTC(), end.UTC()
		d, err := scanDecimal(amt)
		if err != nil {
			return nil, err
		}
		m.BudgetAmount = d
		m.CreatedAt = ts.UTC()
		out = append(out, &m)
	}
	return out, classifyPG(rows.Err())
}

func (p *Postgres) CreateBudgetLine(ctx context.Context, b *core.BudgetLine) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO budget_lines (id, project_id, milestone_id, category,
			description, planned_amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.ProjectID, nullStr(b.MilestoneID), string(b.Category),
		nullStr(b.Description), b.PlannedAmount.String(), b.CreatedAt)
	return classifyPG(err)
}

func (p *Postgres) ListBudgetLines(ctx context.Context, projectID string) ([]*core.BudgetLine, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, project_id, milestone_id, category, description,
			planned_amount, created_at
		FROM budget_lines WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.BudgetLine
	for rows.Next() {
		var (
			b               core.BudgetLine
			milestone, desc sql.NullString
			category, amt   string
			ts              time.Time
		)
		if err := rows.Scan(&b.ID, &b.ProjectID, &milestone, &category,
			&desc, &amt, &ts); err != nil {
			return nil, classifyPG(err)
		}
		b.MilestoneID, b.Description = milestone.String, desc.String
		b.Category = core.Category(category)
		d, err := scanDecimal(amt)
		if err != nil {
			return nil, err
		}
		b.PlannedAmount = d
		b.CreatedAt = ts.UTC()
		out = append(out, &b)
	}
	return out, classifyPG(rows.Err())
}

// ============================================================================
// INGESTIONS
// ============================================================================

const ingestionColumns = `id, project_id, source, kind, status,
	records_processed, records_skipped, warning_count, quality_score,
	warnings, error_message, created_at, completed_at`

func (p *Postgres) CreateIngestion(ctx context.Context, rec *core.IngestionRecord) error {
	warnings, err := toJSON(rec.Warnings)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO ingestions (`+ingestionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rec.ID, rec.ProjectID, rec.Source, string(rec.Kind), string(rec.Status),
		rec.RecordsProcessed, rec.RecordsSkipped, rec.WarningCount,
		rec.QualityScore, warnings, nullStr(rec.ErrorMessage), rec.CreatedAt,
		nullTime(rec.CompletedAt))
	return classifyPG(err)
}

func (p *Postgres) UpdateIngestion(ctx context.Context, rec *core.IngestionRecord) error {
	warnings, err := toJSON(rec.Warnings)
	if err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `
		UPDATE ingestions SET status=$2, records_processed=$3,
			records_skipped=$4, warning_count=$5, quality_score=$6,
			warnings=$7, error_message=$8, completed_at=$9
		WHERE id = $1`,
		rec.ID, string(rec.Status), rec.RecordsProcessed, rec.RecordsSkipped,
		rec.WarningCount, rec.QualityScore, warnings,
		nullStr(rec.ErrorMessage), nullTime(rec.CompletedAt))
	return affected(res, err)
}

func (p *Postgres) GetIngestion(ctx context.Context, id string) (*core.IngestionRecord, error) {
	return scanIngestion(p.q.QueryRowContext(ctx,
		`SELECT `+ingestionColumns+` FROM ingestions WHERE id = $1`, id))
}

func (p *Postgres) ListIngestions(ctx context.Context, projectID string) ([]*core.IngestionRecord, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+ingestionColumns+` FROM ingestions
		WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.IngestionRecord
	for rows.Next() {
		rec, err := scanIngestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, classifyPG(rows.Err())
}

func scanIngestion(r rowScanner) (*core.IngestionRecord, error) {
	var (
		rec          core.IngestionRecord
		kind, status string
		warnings     []byte
		errMsg       sql.NullString
		created      time.Time
		completed    sql.NullTime
	)
	err := r.Scan(&rec.ID, &rec.ProjectID, &rec.Source, &kind, &status,
		&rec.RecordsProcessed, &rec.RecordsSkipped, &rec.WarningCount,
		&rec.QualityScore, &warnings, &errMsg, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(err)
	}
	rec.Kind = core.IngestionKind(kind)
	rec.Status = core.IngestionStatus(status)
	if err := fromJSON(warnings, &rec.Warnings); err != nil {
		return nil, err
	}
	rec.ErrorMessage = errMsg.String
	rec.CreatedAt = created.UTC()
	rec.CompletedAt = timePtr(completed)
	return &rec, nil
}

// ============================================================================
// TELEMETRY
// ============================================================================

func (p *Postgres) RecordQueryPattern(ctx context.Context, userID, projectID, queryText, queryContext string, success bool) (*core.UserQueryPattern, error) {
	successes, failures := 0, 0
	if success {
		successes = 1
	} else {
		failures = 1
	}
	now := time.Now().UTC()
	row := p.q.QueryRowContext(ctx, `
		INSERT INTO user_query_patterns (id, user_id, project_id, query_text,
			context, frequency, successes, failures, last_used_at, created_at)
		VALUES ($1,$2,$3,$4,$5,1,$6,$7,$8,$8)
		ON CONFLICT (user_id, project_id, query_text) DO UPDATE SET
			frequency    = user_query_patterns.frequency + 1,
			successes    = user_query_patterns.successes + $6,
			failures     = user_query_patterns.failures + $7,
			context      = EXCLUDED.context,
			last_used_at = $8
		RETURNING id, user_id, project_id, query_text, context, frequency,
			successes, failures, last_used_at, created_at`,
		fmt.Sprintf("qp-%d", now.UnixNano()), userID, projectID,
		queryText, nullStr(queryContext), successes, failures, now)

	var (
		pat        core.UserQueryPattern
		contextNS  sql.NullString
		last, crtd time.Time
	)
	err := row.Scan(&pat.ID, &pat.UserID, &pat.ProjectID, &pat.QueryText,
		&contextNS, &pat.Frequency, &pat.Successes, &pat.Failures, &last, &crtd)
	if err != nil {
		return nil, classifyPG(err)
	}
	pat.Context = contextNS.String
	pat.LastUsedAt, pat.CreatedAt = last.UTC(), crtd.UTC()
	return &pat, nil
}

func (p *Postgres) TopQueryPatterns(ctx context.Context, userID, projectID string, limit int) ([]*core.UserQueryPattern, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, user_id, project_id, query_text, context, frequency,
			successes, failures, last_used_at, created_at
		FROM user_query_patterns
		WHERE user_id = $1 AND project_id = $2
		ORDER BY frequency DESC, last_used_at DESC
		LIMIT $3`, userID, projectID, limit)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []*core.UserQueryPattern
	for rows.Next() {
		var (
			pat        core.UserQueryPattern
			contextNS  sql.NullString
			last, crtd time.Time
		)
		if err := rows.Scan(&pat.ID, &pat.UserID, &pat.ProjectID,
			&pat.QueryText, &contextNS, &pat.Frequency, &pat.Successes,
			&pat.Failures, &last, &crtd); err != nil {
			return nil, classifyPG(err)
		}
		pat.Context = contextNS.String
		pat.LastUsedAt, pat.CreatedAt = last.UTC(), crtd.UTC()
		out = append(out, &pat)
	}
	return out, classifyPG(rows.Err())
}

// affected folds an update's outcome into the store error kinds: zero rows
// touched means the id did not exist.
func affected(res sql.Result, err error) error {
	if err != nil {
		return classifyPG(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyPG(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
