// Package runstore provides persistent storage for pipeline run state and
// result tables using SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunParams is the reproducibility record for one run: every threshold and
// the governing label policy, persisted verbatim next to the results.
type RunParams struct {
	Seed              int64   `json:"seed"`
	LabelPolicy       string  `json:"label_policy"`
	PartitionMode     string  `json:"partition_mode"`
	K                 int     `json:"k"`
	Dims              int     `json:"dims"`
	MarkerGene        string  `json:"marker_gene,omitempty"`
	MarkerCutoff      float64 `json:"marker_cutoff,omitempty"`
	MinDetectFraction float64 `json:"min_detect_fraction"`
	Alpha             float64 `json:"alpha"`
	MinSections       int     `json:"min_sections"`
	MinOverlap        int     `json:"min_overlap"`
	MaxSamples        int     `json:"max_samples"`
	Sections          []string `json:"sections"`
}

// RunProgress represents the progress of a run.
type RunProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Run represents one pipeline run.
type Run struct {
	ID         string      `json:"run_id"`
	Status     RunStatus   `json:"status"`
	Params     RunParams   `json:"params"`
	Progress   RunProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// SectionError is a per-section failure record. Input errors fail one
// section, not the batch, and are preserved here.
type SectionError struct {
	SectionID string `json:"section_id"`
	Stage     string `json:"stage"`
	Message   string `json:"error"`
}

// DERow is one persisted DE result.
type DERow struct {
	SectionID string  `json:"section_id"`
	Contrast  string  `json:"contrast"`
	Gene      string  `json:"gene"`
	Log2FC    float64 `json:"log2fc"`
	P         float64 `json:"p"`
	PAdj      float64 `json:"p_adj"`
	Pct1      float64 `json:"pct1"`
	Pct2      float64 `json:"pct2"`
}

// ConsensusRow is one persisted consensus vote.
type ConsensusRow struct {
	Contrast       string  `json:"contrast"`
	Gene           string  `json:"gene"`
	SigCount       int     `json:"sig_count"`
	Tested         int     `json:"tested"`
	SignConsistent bool    `json:"sign_consistent"`
	MeanLog2FC     float64 `json:"mean_log2fc"`
	InSignature    bool    `json:"in_signature"`
}

// EnrichmentRow is one persisted enrichment result.
type EnrichmentRow struct {
	Comparison string  `json:"comparison"`
	GeneSet    string  `json:"gene_set"`
	Context    string  `json:"context"`
	Condition  string  `json:"condition"`
	Size       int     `json:"size"`
	Overlap    int     `json:"overlap"`
	ES         float64 `json:"es"`
	P          float64 `json:"p"`
	PAdj       float64 `json:"p_adj"`
	Samples    int     `json:"samples"`
}

// MatrixCell is one present cell of the enrichment matrix. Missing cells
// are represented by absence, never by zero rows.
type MatrixCell struct {
	GeneSet    string  `json:"gene_set"`
	Comparison string  `json:"comparison"`
	Value      float64 `json:"value"`
}

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// WAL for concurrent readers while a run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

	CREATE TABLE IF NOT EXISTS section_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		section_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		error TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_section_errors_run ON section_errors(run_id);

	CREATE TABLE IF NOT EXISTS labels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		section_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		spot TEXT NOT NULL,
		label TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_labels_run_section ON labels(run_id, section_id, stage);

	CREATE TABLE IF NOT EXISTS de_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		section_id TEXT NOT NULL,
		contrast TEXT NOT NULL,
		gene TEXT NOT NULL,
		log2fc REAL NOT NULL,
		p REAL NOT NULL,
		p_adj REAL NOT NULL,
		pct1 REAL NOT NULL,
		pct2 REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_de_results_run ON de_results(run_id, section_id, contrast);
	CREATE INDEX IF NOT EXISTS idx_de_results_padj ON de_results(run_id, p_adj);

	CREATE TABLE IF NOT EXISTS consensus (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		contrast TEXT NOT NULL,
		gene TEXT NOT NULL,
		sig_count INTEGER NOT NULL,
		tested INTEGER NOT NULL,
		sign_consistent INTEGER NOT NULL,
		mean_log2fc REAL NOT NULL,
		in_signature INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_consensus_run ON consensus(run_id, contrast);

	CREATE TABLE IF NOT EXISTS enrichment (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		comparison TEXT NOT NULL,
		gene_set TEXT NOT NULL,
		context TEXT NOT NULL,
		condition TEXT NOT NULL,
		set_size INTEGER NOT NULL,
		overlap INTEGER NOT NULL,
		es REAL NOT NULL,
		p REAL NOT NULL,
		p_adj REAL NOT NULL,
		samples INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_enrichment_run ON enrichment(run_id, comparison);

	CREATE TABLE IF NOT EXISTS enrichment_skips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		comparison TEXT NOT NULL,
		gene_set TEXT NOT NULL,
		reason TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS matrix_cells (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		gene_set TEXT NOT NULL,
		comparison TEXT NOT NULL,
		value REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_matrix_cells_run ON matrix_cells(run_id);

	CREATE TABLE IF NOT EXISTS matrix_row_order (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		gene_set TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun creates a new run record with status=queued.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Status),
		string(paramsJSON),
		run.Progress.Phase,
		run.Progress.Done,
		run.Progress.Total,
		run.Error,
		run.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// UpdateRunStatus updates the run status and error message.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// UpdateRunStarted marks a run as running with start time.
func (s *Store) UpdateRunStarted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?
		WHERE run_id = ?
	`, string(RunStatusRunning), now, runID)
	return err
}

// UpdateRunProgress updates the progress fields.
func (s *Store) UpdateRunProgress(runID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET phase = ?, done = ?, total = ?
		WHERE run_id = ?
	`, phase, done, total, runID)
	return err
}

// InsertSectionError records a per-section failure.
func (s *Store) InsertSectionError(runID string, se SectionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO section_errors (run_id, section_id, stage, error) VALUES (?, ?, ?, ?)
	`, runID, se.SectionID, se.Stage, se.Message)
	return err
}

// ListSectionErrors returns the per-section error records of a run.
func (s *Store) ListSectionErrors(runID string) ([]SectionError, error) {
	rows, err := s.db.Query(`
		SELECT section_id, stage, error FROM section_errors WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SectionError
	for rows.Next() {
		var se SectionError
		if err := rows.Scan(&se.SectionID, &se.Stage, &se.Message); err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// InsertLabels stores one labeling in a batch transaction.
func (s *Store) InsertLabels(runID, sectionID, stage string, labels map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// A relabel replaces, never merges.
	if _, err := tx.Exec(`
		DELETE FROM labels WHERE run_id = ? AND section_id = ? AND stage = ?
	`, runID, sectionID, stage); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO labels (run_id, section_id, stage, spot, label) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for spot, label := range labels {
		if _, err := stmt.Exec(runID, sectionID, stage, spot, label); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertDEResults inserts DE rows in a batch transaction.
func (s *Store) InsertDEResults(runID string, rows []DERow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO de_results (run_id, section_id, contrast, gene, log2fc, p, p_adj, pct1, pct2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(runID, r.SectionID, r.Contrast, r.Gene, r.Log2FC, r.P, r.PAdj, r.Pct1, r.Pct2); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryDEResults pages through DE rows for one (section, contrast).
func (s *Store) QueryDEResults(runID, sectionID, contrast string, offset, limit int) ([]DERow, int, error) {
	var total int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM de_results WHERE run_id = ? AND section_id = ? AND contrast = ?
	`, runID, sectionID, contrast).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT section_id, contrast, gene, log2fc, p, p_adj, pct1, pct2
		FROM de_results
		WHERE run_id = ? AND section_id = ? AND contrast = ?
		ORDER BY p_adj ASC, ABS(log2fc) DESC, gene ASC
		LIMIT ? OFFSET ?
	`, runID, sectionID, contrast, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []DERow
	for rows.Next() {
		var r DERow
		if err := rows.Scan(&r.SectionID, &r.Contrast, &r.Gene, &r.Log2FC, &r.P, &r.PAdj, &r.Pct1, &r.Pct2); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// InsertConsensus inserts the consensus vote table.
func (s *Store) InsertConsensus(runID string, rows []ConsensusRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO consensus (run_id, contrast, gene, sig_count, tested, sign_consistent, mean_log2fc, in_signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(runID, r.Contrast, r.Gene, r.SigCount, r.Tested, boolInt(r.SignConsistent), r.MeanLog2FC, boolInt(r.InSignature)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryConsensus returns the consensus table for one contrast, optionally
// restricted to signature members.
func (s *Store) QueryConsensus(runID, contrast string, signatureOnly bool) ([]ConsensusRow, error) {
	q := `
		SELECT contrast, gene, sig_count, tested, sign_consistent, mean_log2fc, in_signature
		FROM consensus WHERE run_id = ? AND contrast = ?
	`
	if signatureOnly {
		q += " AND in_signature = 1"
	}
	q += " ORDER BY sig_count DESC, ABS(mean_log2fc) DESC, gene ASC"

	rows, err := s.db.Query(q, runID, contrast)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConsensusRow
	for rows.Next() {
		var r ConsensusRow
		var sign, insig int
		if err := rows.Scan(&r.Contrast, &r.Gene, &r.SigCount, &r.Tested, &sign, &r.MeanLog2FC, &insig); err != nil {
			return nil, err
		}
		r.SignConsistent = sign == 1
		r.InSignature = insig == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// SkipRow records one omitted gene set for one comparison.
type SkipRow struct {
	Comparison string `json:"comparison"`
	GeneSet    string `json:"gene_set"`
	Reason     string `json:"reason"`
}

// InsertEnrichment inserts enrichment rows and omission records.
func (s *Store) InsertEnrichment(runID string, rows []EnrichmentRow, skips []SkipRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO enrichment (run_id, comparison, gene_set, context, condition, set_size, overlap, es, p, p_adj, samples)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(runID, r.Comparison, r.GeneSet, r.Context, r.Condition, r.Size, r.Overlap, r.ES, r.P, r.PAdj, r.Samples); err != nil {
			return err
		}
	}

	skipStmt, err := tx.Prepare(`
		INSERT INTO enrichment_skips (run_id, comparison, gene_set, reason) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer skipStmt.Close()

	for _, sk := range skips {
		if _, err := skipStmt.Exec(runID, sk.Comparison, sk.GeneSet, sk.Reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryEnrichment returns the enrichment table for one comparison.
func (s *Store) QueryEnrichment(runID, comparison string) ([]EnrichmentRow, error) {
	rows, err := s.db.Query(`
		SELECT comparison, gene_set, context, condition, set_size, overlap, es, p, p_adj, samples
		FROM enrichment WHERE run_id = ? AND comparison = ?
		ORDER BY p_adj ASC, ABS(es) DESC, gene_set ASC
	`, runID, comparison)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EnrichmentRow
	for rows.Next() {
		var r EnrichmentRow
		if err := rows.Scan(&r.Comparison, &r.GeneSet, &r.Context, &r.Condition, &r.Size, &r.Overlap, &r.ES, &r.P, &r.PAdj, &r.Samples); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSkips returns the omission records for one comparison.
func (s *Store) ListSkips(runID, comparison string) ([]SkipRow, error) {
	rows, err := s.db.Query(`
		SELECT comparison, gene_set, reason FROM enrichment_skips
		WHERE run_id = ? AND comparison = ? ORDER BY gene_set
	`, runID, comparison)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SkipRow
	for rows.Next() {
		var r SkipRow
		if err := rows.Scan(&r.Comparison, &r.GeneSet, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertMatrix stores the present cells and the clustered row order.
func (s *Store) InsertMatrix(runID string, cells []MatrixCell, rowOrder []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO matrix_cells (run_id, gene_set, comparison, value) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range cells {
		if _, err := stmt.Exec(runID, c.GeneSet, c.Comparison, c.Value); err != nil {
			return err
		}
	}

	orderStmt, err := tx.Prepare(`
		INSERT INTO matrix_row_order (run_id, position, gene_set) VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer orderStmt.Close()
	for pos, set := range rowOrder {
		if _, err := orderStmt.Exec(runID, pos, set); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryMatrix returns the present cells and the stored row order.
func (s *Store) QueryMatrix(runID string) ([]MatrixCell, []string, error) {
	rows, err := s.db.Query(`
		SELECT gene_set, comparison, value FROM matrix_cells WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cells []MatrixCell
	for rows.Next() {
		var c MatrixCell
		if err := rows.Scan(&c.GeneSet, &c.Comparison, &c.Value); err != nil {
			return nil, nil, err
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	orderRows, err := s.db.Query(`
		SELECT gene_set FROM matrix_row_order WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, nil, err
	}
	defer orderRows.Close()

	var order []string
	for orderRows.Next() {
		var set string
		if err := orderRows.Scan(&set); err != nil {
			return nil, nil, err
		}
		order = append(order, set)
	}
	return cells, order, orderRows.Err()
}

// ListQueuedRuns returns all queued runs (for restart recovery).
func (s *Store) ListQueuedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM runs WHERE status = ?
		ORDER BY created_at ASC
	`, string(RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunningAsFailed marks all running runs as failed (restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	return err
}

// DeleteExpiredRuns deletes finished runs older than retentionDays along
// with their result rows.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	for _, tbl := range []string{"section_errors", "labels", "de_results", "consensus", "enrichment", "enrichment_skips", "matrix_cells", "matrix_row_order"} {
		if _, err := s.db.Exec(fmt.Sprintf(`
			DELETE FROM %s WHERE run_id IN (
				SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, tbl), cutoff); err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteRun deletes a run and all its result rows.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tbl := range []string{"section_errors", "labels", "de_results", "consensus", "enrichment", "enrichment_skips", "matrix_cells", "matrix_row_order"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE run_id = ?", tbl), runID); err != nil {
			return err
		}
	}
	_, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&run.ID,
		&run.Status,
		&paramsJSON,
		&run.Progress.Phase,
		&run.Progress.Done,
		&run.Progress.Total,
		&run.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		run.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
