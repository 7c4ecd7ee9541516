// Package ingest normalizes uploaded ledger and bank-statement rows into
// store records. One coordinator parses the file and walks its rows
// sequentially, because ghost-transaction reconstruction needs the running
// per-account balance; independent files may ingest in parallel. Per-row
// failures degrade to warnings on the ingestion record, never an error to
// the caller.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/reconcile"
	"github.com/zenith/forensics/internal/resolver"
	"github.com/zenith/forensics/internal/semantic"
	"github.com/zenith/forensics/internal/store"
	"github.com/zenith/forensics/internal/triggers"
)

// Row anomaly annotations recorded in transaction metadata and tallied for
// the variance check.
const (
	AnomalyRoundAmount     = "ROUND_AMOUNT_PATTERN"
	AnomalyUnusualLocation = "UNUSUAL_LOCATION_HIGH_VALUE"
	AnomalyDuplicate       = "DUPLICATE_PAYMENT_PATTERN"
	AnomalyBalanceGap      = "BALANCE_GAP"
)

// varianceRatio is the anomaly-per-row share above which an ingestion
// publishes a variance event.
const varianceRatio = 0.2

// maxStoredWarnings bounds the warning list persisted on the record.
const maxStoredWarnings = 50

// unusualLocationFloor is the amount above which an out-of-metro city is
// suspicious.
const unusualLocationFloor = 1_000_000_000

// Mapping binds one system field to a file column.
type Mapping struct {
	SystemField string `json:"system_field"`
	FileColumn  string `json:"file_column"`
	Required    bool   `json:"required"`
}

// Row is one parsed file row, column header to raw cell.
type Row map[string]string

// Request is one file's worth of rows plus its column mapping.
type Request struct {
	ProjectID string             `json:"project_id"`
	Source    string             `json:"source"` // file name or upload label
	Kind      core.IngestionKind `json:"kind,omitempty"`
	Mappings  []Mapping          `json:"mappings"`
	Rows      []Row              `json:"rows"`
}

// Result summarizes one completed ingestion.
type Result struct {
	Record          *core.IngestionRecord `json:"record"`
	EntitiesTouched int                   `json:"entities_touched"`
	GhostRows       int                   `json:"ghost_rows"`
	AnomalyCount    int                   `json:"anomaly_count"`
}

// Pipeline wires the ingestion collaborators.
type Pipeline struct {
	store    store.Store
	resolver *resolver.Resolver
	triggers *triggers.Engine
	sem      semantic.Service
	bus      *events.Bus
	logger   *log.Logger
}

// New builds a pipeline.
func New(s store.Store, r *resolver.Resolver, t *triggers.Engine, sem semantic.Service, bus *events.Bus) *Pipeline {
	return &Pipeline{
		store:    s,
		resolver: r,
		triggers: t,
		sem:      sem,
		bus:      bus,
		logger:   log.New(log.Writer(), "[Ingest] ", log.LstdFlags),
	}
}

// Ingest runs one file through the pipeline and returns the bookkeeping
// record. Rows are processed in input order for ledgers and in date order
// for statements, where the running balance matters.
func (p *Pipeline) Ingest(ctx context.Context, req *Request) (*Result, error) {
	project, err := p.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	var sample Row
	if len(req.Rows) > 0 {
		sample = req.Rows[0]
	}
	idx := buildFieldIndex(req.Mappings, sample)

	kind := req.Kind
	if kind == "" {
		kind = core.KindLedger
		if _, ok := idx["balance"]; ok {
			kind = core.KindStatement
		} else if _, ok := idx["credit"]; ok {
			kind = core.KindStatement
		}
	}

	record := &core.IngestionRecord{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Source:    req.Source,
		Kind:      kind,
		Status:    core.IngestionProcessing,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.CreateIngestion(ctx, record); err != nil {
		return nil, fmt.Errorf("ingest: record: %w", err)
	}

	rows := req.Rows
	if kind == core.KindStatement {
		rows = append([]Row(nil), req.Rows...)
		sort.SliceStable(rows, func(i, j int) bool {
			ti, _ := parseDate(idx.value(rows[i], "date"))
			tj, _ := parseDate(idx.value(rows[j], "date"))
			return ti.Before(tj)
		})
	}

	run := &ingestRun{
		pipeline: p,
		project:  project,
		record:   record,
		idx:      idx,
		kind:     kind,
		balances: make(map[string]*float64),
		seen:     make(map[rowKey]bool),
	}
	for i, row := range rows {
		if err := run.processRow(ctx, i, row); err != nil {
			run.warn(i, err.Error())
			record.RecordsSkipped++
			continue
		}
		record.RecordsProcessed++
	}

	now := time.Now().UTC()
	record.Status = core.IngestionCompleted
	record.QualityScore = core.QualityScoreFor(record.WarningCount)
	record.CompletedAt = &now
	if err := p.store.UpdateIngestion(ctx, record); err != nil {
		p.logger.Printf("⚠️ ingestion record %s not finalized: %v", record.ID, err)
	}

	result := &Result{
		Record:          record,
		EntitiesTouched: run.entities,
		GhostRows:       run.ghosts,
		AnomalyCount:    run.anomalies,
	}

	p.bus.Emit(ctx, events.DataIngested, project.ID, map[string]interface{}{
		"ingestion_id":       record.ID,
		"kind":               string(kind),
		"records_processed":  record.RecordsProcessed,
		"records_skipped":    record.RecordsSkipped,
		"entities_touched":   run.entities,
		"ghost_transactions": run.ghosts,
		"anomalies_detected": run.anomalies,
		"quality_score":      record.QualityScore,
	})
	if len(rows) > 0 && float64(run.anomalies)/float64(len(rows)) > varianceRatio {
		p.bus.Emit(ctx, events.VarianceDetected, project.ID, map[string]interface{}{
			"ingestion_id":  record.ID,
			"anomaly_count": run.anomalies,
			"row_count":     len(rows),
			"reason":        "anomaly density above ingestion threshold",
		})
	}

	p.logger.Printf("📥 Ingestion %s (%s): %d processed, %d skipped, %d ghosts, quality %.0f",
		record.ID, kind, record.RecordsProcessed, record.RecordsSkipped, run.ghosts, record.QualityScore)
	return result, nil
}

type rowKey struct {
	amount   float64
	receiver string
	rawDate  string
}

// ingestRun carries the mutable state of one file walk.
type ingestRun struct {
	pipeline *Pipeline
	project  *core.Project
	record   *core.IngestionRecord
	idx      fieldIndex
	kind     core.IngestionKind

	balances  map[string]*float64 // per-account running balance
	seen      map[rowKey]bool
	entities  int
	ghosts    int
	anomalies int
}

func (r *ingestRun) warn(rowIdx int, msg string) {
	r.record.WarningCount++
	if len(r.record.Warnings) < maxStoredWarnings {
		r.record.Warnings = append(r.record.Warnings, fmt.Sprintf("row %d: %s", rowIdx+1, msg))
	}
}

func (r *ingestRun) processRow(ctx context.Context, rowIdx int, row Row) error {
	p := r.pipeline

	amount := parseNumeric(r.idx.value(row, "amount"))
	credit := parseNumeric(r.idx.value(row, "credit"))
	debit := parseNumeric(r.idx.value(row, "debit"))
	if amount == 0 {
		if credit > 0 {
			amount = credit
		} else {
			amount = debit
		}
	}

	// Budget vs realization columns, when the file carries them. A ledger
	// without the split books the single amount on both sides, which keeps
	// the inflation delta at zero.
	actual := amount
	if v := r.idx.value(row, "actual_amount"); v != "" {
		actual = parseNumeric(v)
	}
	proposed := actual
	if v := r.idx.value(row, "proposed_amount"); v != "" {
		proposed = parseNumeric(v)
	}
	if amount == 0 {
		amount = actual
	}

	description := r.idx.value(row, "description")
	if description == "" {
		description = fmt.Sprintf("%s item %d", r.kind, rowIdx+1)
	}
	receiver := r.idx.value(row, "receiver")
	if receiver == "" {
		receiver = r.idx.value(row, "sender")
	}
	if receiver == "" {
		receiver = "Unknown"
	}
	sender := r.idx.value(row, "sender")
	if sender == "" {
		sender = r.project.ContractorName
	}
	if sender == "" {
		sender = "Unknown"
	}
	account := r.idx.value(row, "account_number")
	if account == "" {
		account = "Main"
	}

	rawDate := r.idx.value(row, "date")
	when, ok := parseDate(rawDate)
	if !ok {
		if rawDate != "" {
			r.warn(rowIdx, fmt.Sprintf("unparseable date %q", rawDate))
		}
		when = time.Now().UTC()
	}

	var lat, lon *float64
	if geo := r.idx.value(row, "geolocation"); geo != "" {
		if la, lo, ok := parseCoordinates(geo); ok {
			lat, lon = &la, &lo
		} else {
			r.warn(rowIdx, fmt.Sprintf("unparseable coordinates %q", geo))
		}
	}

	receiverEnt := r.upsertEntity(ctx, receiver, account)
	senderEnt := r.upsertEntity(ctx, sender, "")

	// Row-level anomaly annotations.
	var anomalies []string
	if amount > 0 && int64(amount)%1_000_000 == 0 && amount == float64(int64(amount)) {
		anomalies = append(anomalies, AnomalyRoundAmount)
	}
	if city := r.idx.value(row, "city"); city != "" {
		if !metroCities[strings.ToLower(city)] && amount > unusualLocationFloor {
			anomalies = append(anomalies, AnomalyUnusualLocation)
		}
	}
	key := rowKey{amount: amount, receiver: receiver, rawDate: rawDate}
	if r.seen[key] {
		anomalies = append(anomalies, AnomalyDuplicate)
		r.warn(rowIdx, "possible duplicate payment")
	}
	r.seen[key] = true
	r.anomalies += len(anomalies)

	embedding := r.embed(ctx, description, receiver)

	if r.kind == core.KindStatement {
		return r.persistStatementRow(ctx, rowIdx, row, statementRow{
			amount:      amount,
			credit:      credit,
			debit:       debit,
			account:     account,
			description: description,
			when:        when,
			embedding:   embedding,
		})
	}

	tx := &core.Transaction{
		ID:             uuid.NewString(),
		ProjectID:      r.project.ID,
		ProposedAmount: decimal.NewFromFloat(proposed),
		ActualAmount:   decimal.NewFromFloat(actual),
		Currency:       core.DefaultCurrency,
		SenderName:     sender,
		ReceiverName:   receiver,
		Description:    description,
		AuditComment:   r.idx.value(row, "audit_comment"),
		Category:       categoryOf(r.idx.value(row, "category")),
		Account:        account,
		Timestamp:      time.Now().UTC(),
		Status:         core.TxPending,
		Latitude:       lat,
		Longitude:      lon,
		BatchReference: reconcile.ExtractBatchRef(description),
		Embedding:      embedding,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	txDate := when
	tx.TransactionDate = &txDate
	if senderEnt != nil {
		tx.SenderEntityID = senderEnt.ID
	}
	if receiverEnt != nil {
		tx.ReceiverEntityID = receiverEnt.ID
	}
	tx.Metadata.IngestionID = r.record.ID
	if len(anomalies) > 0 {
		tx.Metadata.CustomFields = map[string]interface{}{"anomalies": anomalies}
	}

	eval := p.triggers.Evaluate(ctx, tx, r.project)
	if receiverEnt != nil && containsTrigger(eval.Triggers, triggers.TriggerPersonal) {
		if err := p.resolver.RaiseRisk(ctx, receiverEnt.ID, 0.75); err != nil {
			p.logger.Printf("⚠️ leakage risk bump for %s failed: %v", receiver, err)
		}
	}

	if err := p.store.CreateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("persist: %v", err)
	}
	return nil
}

type statementRow struct {
	amount      float64
	credit      float64
	debit       float64
	account     string
	description string
	when        time.Time
	embedding   []float64
}

// persistStatementRow writes the bank row and reconstructs any balance gap
// as a ghost transaction.
func (r *ingestRun) persistStatementRow(ctx context.Context, rowIdx int, row Row, s statementRow) error {
	p := r.pipeline

	if balRaw := r.idx.value(row, "balance"); balRaw != "" {
		balance := parseNumeric(balRaw)
		if prev := r.balances[s.account]; prev != nil {
			expected := *prev + s.credit - s.debit
			delta := balance - expected
			if delta > r.gapThreshold() || -delta > r.gapThreshold() {
				r.warn(rowIdx, fmt.Sprintf("balance gap on %s: %.2f", s.account, delta))
				r.anomalies++
				if err := r.emitGhost(ctx, s, delta, *prev, balance); err != nil {
					p.logger.Printf("⚠️ ghost row for account %s not persisted: %v", s.account, err)
				}
			}
		}
		b := balance
		r.balances[s.account] = &b
	}

	direction := core.BankDebit
	if s.credit > 0 {
		direction = core.BankCredit
	}
	bank := &core.BankTransaction{
		ID:             uuid.NewString(),
		ProjectID:      r.project.ID,
		Amount:         decimal.NewFromFloat(s.amount),
		Currency:       core.DefaultCurrency,
		Direction:      direction,
		BankName:       r.idx.value(row, "bank_name"),
		AccountNumber:  s.account,
		Description:    s.description,
		Timestamp:      s.when,
		BatchReference: reconcile.ExtractBatchRef(s.description),
		Embedding:      s.embedding,
		CreatedAt:      time.Now().UTC(),
	}
	bookingDate := s.when
	bank.BookingDate = &bookingDate
	if balRaw := r.idx.value(row, "balance"); balRaw != "" {
		bal := decimal.NewFromFloat(parseNumeric(balRaw))
		bank.Balance = &bal
	}
	if err := p.store.CreateBankTransaction(ctx, bank); err != nil {
		return fmt.Errorf("persist: %v", err)
	}
	return nil
}

// emitGhost writes the inferred row that plugs a statement balance gap.
func (r *ingestRun) emitGhost(ctx context.Context, s statementRow, delta, prevBalance, currBalance float64) error {
	gap := delta
	if gap < 0 {
		gap = -gap
	}
	party := "Unknown-Gap-" + s.account
	ghost := &core.Transaction{
		ID:             uuid.NewString(),
		ProjectID:      r.project.ID,
		ProposedAmount: decimal.NewFromFloat(gap),
		ActualAmount:   decimal.NewFromFloat(gap),
		Currency:       core.DefaultCurrency,
		SenderName:     party,
		ReceiverName:   party,
		Description:    "[FORENSIC] Inferred gap / missing transaction",
		Category:       core.CategoryUnknown,
		Account:        s.account,
		Timestamp:      time.Now().UTC(),
		Status:         core.TxPending,
		IsInferred:     true,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	txDate := s.when
	ghost.TransactionDate = &txDate
	ghost.Metadata.IngestionID = r.record.ID
	ghost.Metadata.CustomFields = map[string]interface{}{
		"gap_delta":        delta,
		"previous_balance": prevBalance,
		"current_balance":  currBalance,
	}

	r.pipeline.triggers.Evaluate(ctx, ghost, r.project)
	if err := r.pipeline.store.CreateTransaction(ctx, ghost); err != nil {
		return err
	}
	r.ghosts++
	return nil
}

func (r *ingestRun) gapThreshold() float64 {
	return r.project.EffectiveSettings().BalanceGapThreshold
}

// upsertEntity resolves a party name, skipping placeholders. Resolution
// failures degrade to a log line; the row still persists with the raw name.
func (r *ingestRun) upsertEntity(ctx context.Context, name, account string) *core.Entity {
	if name == "" || name == "Unknown" || strings.HasPrefix(name, "Unknown-Gap") {
		return nil
	}
	e, err := r.pipeline.resolver.Upsert(ctx, r.project.ID, name, account)
	if err != nil {
		r.pipeline.logger.Printf("⚠️ entity %q unresolvable: %v", name, err)
		return nil
	}
	r.entities++
	return e
}

// embed computes the row's semantic footprint. A failed embedder leaves the
// vector nil and semantic matching degrades.
func (r *ingestRun) embed(ctx context.Context, description, receiver string) []float64 {
	text := strings.TrimSpace(description + " | " + receiver)
	vec, err := r.pipeline.sem.Embed(ctx, text)
	if err != nil {
		return nil
	}
	return vec
}

// categoryOf validates a mapped category code; anything unrecognized lands
// in payroll, the dominant voucher class in these ledgers.
func categoryOf(raw string) core.Category {
	switch c := core.Category(strings.ToUpper(strings.TrimSpace(raw))); c {
	case core.CategoryPersonal, core.CategoryVendor, core.CategoryPayroll,
		core.CategoryFee, core.CategoryUnknown, core.CategoryMaterial:
		return c
	default:
		return core.CategoryPayroll
	}
}

func containsTrigger(list []string, name string) bool {
	for _, t := range list {
		if t == name {
			return true
		}
	}
	return false
}
