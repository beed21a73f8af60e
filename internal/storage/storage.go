// Package storage provides SQLite-backed persistence for positions, alerts, cooldowns
// and observed liquidations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/liqsentry/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxHistory int
}

// New opens or creates the SQLite database at dbPath, keeping at most maxHistory
// snapshots per borrower. An empty dbPath defaults to $TMPDIR/liqsentry/data.db.
func New(dbPath string, maxHistory int) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "liqsentry", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	if maxHistory <= 0 {
		maxHistory = 48
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxHistory: maxHistory}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			borrower_id           TEXT PRIMARY KEY,
			collateral_value      REAL NOT NULL,
			borrowed_value        REAL NOT NULL,
			liquidation_threshold REAL NOT NULL,
			health_factor         REAL NOT NULL,
			risk_score            INTEGER NOT NULL DEFAULT 0,
			asset                 TEXT,
			checked_at            INTEGER NOT NULL,
			health_factor_delta   REAL NOT NULL DEFAULT 0,
			trend                 TEXT NOT NULL DEFAULT 'unknown'
		)`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			borrower_id           TEXT NOT NULL REFERENCES positions(borrower_id) ON DELETE CASCADE,
			collateral_value      REAL NOT NULL,
			borrowed_value        REAL NOT NULL,
			liquidation_threshold REAL NOT NULL,
			health_factor         REAL NOT NULL,
			risk_score            INTEGER NOT NULL DEFAULT 0,
			asset                 TEXT,
			checked_at            INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_borrower ON position_history(borrower_id, checked_at)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id                      TEXT PRIMARY KEY,
			borrower_id             TEXT NOT NULL,
			type                    TEXT NOT NULL,
			severity                INTEGER NOT NULL,
			message                 TEXT NOT NULL,
			health_factor           REAL NOT NULL DEFAULT 0,
			liquidation_probability REAL NOT NULL DEFAULT 0,
			suggested_actions       TEXT NOT NULL DEFAULT '[]',
			created_at              INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_borrower ON alerts(borrower_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			borrower_id  TEXT NOT NULL,
			alert_type   TEXT NOT NULL,
			state        TEXT NOT NULL,
			severity     INTEGER NOT NULL,
			cooldown_ns  INTEGER NOT NULL,
			last_sent_at INTEGER NOT NULL,
			PRIMARY KEY (borrower_id, alert_type)
		)`,
		`CREATE TABLE IF NOT EXISTS liquidations (
			tx_hash           TEXT NOT NULL,
			log_index         INTEGER NOT NULL,
			block_number      INTEGER NOT NULL,
			borrower          TEXT NOT NULL,
			liquidator        TEXT NOT NULL,
			repay_amount      REAL NOT NULL,
			collateral_amount REAL NOT NULL,
			observed_at       INTEGER NOT NULL,
			PRIMARY KEY (tx_hash, log_index)
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			name  TEXT PRIMARY KEY,
			block INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SavePositions upserts every position and replaces its stored history with the newest
// maxHistory snapshots, in one transaction.
func (s *Storage) SavePositions(positions []models.Position) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range positions {
		l := p.Latest
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO positions
				(borrower_id, collateral_value, borrowed_value, liquidation_threshold, health_factor,
				 risk_score, asset, checked_at, health_factor_delta, trend)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			p.BorrowerID, l.CollateralValue, l.BorrowedValue, l.LiquidationThreshold, l.HealthFactor,
			l.RiskScore, l.Asset, l.CheckedAt.UnixNano(), p.HealthFactorDelta, string(p.Trend),
		); err != nil {
			return fmt.Errorf("failed to save position %s: %w", p.BorrowerID, err)
		}

		if _, err := tx.Exec(`DELETE FROM position_history WHERE borrower_id = ?`, p.BorrowerID); err != nil {
			return fmt.Errorf("failed to reset history for %s: %w", p.BorrowerID, err)
		}
		history := p.History
		if len(history) > s.maxHistory {
			history = history[len(history)-s.maxHistory:]
		}
		for _, h := range history {
			if _, err := tx.Exec(`
				INSERT INTO position_history
					(borrower_id, collateral_value, borrowed_value, liquidation_threshold, health_factor,
					 risk_score, asset, checked_at)
				VALUES (?,?,?,?,?,?,?,?)`,
				p.BorrowerID, h.CollateralValue, h.BorrowedValue, h.LiquidationThreshold, h.HealthFactor,
				h.RiskScore, h.Asset, h.CheckedAt.UnixNano(),
			); err != nil {
				return fmt.Errorf("failed to save history for %s: %w", p.BorrowerID, err)
			}
		}
	}
	return tx.Commit()
}

// DeletePosition removes a borrower and, by cascade, its history.
func (s *Storage) DeletePosition(borrowerID string) error {
	if _, err := s.db.Exec(`DELETE FROM positions WHERE borrower_id = ?`, borrowerID); err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// GetPosition loads one borrower with its history, or models.ErrNotFound.
func (s *Storage) GetPosition(borrowerID string) (models.Position, error) {
	row := s.db.QueryRow(`SELECT `+positionCols+` FROM positions WHERE borrower_id = ?`, borrowerID)
	p, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Position{}, fmt.Errorf("position %s: %w", borrowerID, models.ErrNotFound)
	}
	if err != nil {
		return models.Position{}, fmt.Errorf("failed to get position: %w", err)
	}
	hist, err := s.loadHistory(`WHERE borrower_id = ?`, borrowerID)
	if err != nil {
		return models.Position{}, err
	}
	p.History = hist[borrowerID]
	return p, nil
}

// LoadPositions loads every stored position with its history.
func (s *Storage) LoadPositions() ([]models.Position, error) {
	rows, err := s.db.Query(`SELECT ` + positionCols + ` FROM positions ORDER BY borrower_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hist, err := s.loadHistory("")
	if err != nil {
		return nil, err
	}
	for i := range positions {
		positions[i].History = hist[positions[i].BorrowerID]
	}
	return positions, nil
}

func (s *Storage) loadHistory(where string, args ...any) (map[string][]models.Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT borrower_id, collateral_value, borrowed_value, liquidation_threshold, health_factor,
		       risk_score, asset, checked_at
		FROM position_history `+where+` ORDER BY borrower_id, checked_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.Snapshot)
	for rows.Next() {
		var id string
		var h models.Snapshot
		var asset sql.NullString
		var checkedAt int64
		if err := rows.Scan(&id, &h.CollateralValue, &h.BorrowedValue, &h.LiquidationThreshold,
			&h.HealthFactor, &h.RiskScore, &asset, &checkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.Asset = asset.String
		h.CheckedAt = time.Unix(0, checkedAt)
		out[id] = append(out[id], h)
	}
	return out, rows.Err()
}

const positionCols = `borrower_id, collateral_value, borrowed_value, liquidation_threshold, health_factor,
	risk_score, asset, checked_at, health_factor_delta, trend`

func scanPosition(scan func(...any) error) (models.Position, error) {
	var p models.Position
	var asset sql.NullString
	var checkedAt int64
	var trend string
	err := scan(
		&p.BorrowerID, &p.Latest.CollateralValue, &p.Latest.BorrowedValue, &p.Latest.LiquidationThreshold,
		&p.Latest.HealthFactor, &p.Latest.RiskScore, &asset, &checkedAt, &p.HealthFactorDelta, &trend,
	)
	if err != nil {
		return models.Position{}, err
	}
	p.Latest.Asset = asset.String
	p.Latest.CheckedAt = time.Unix(0, checkedAt)
	p.LastCheckedAt = p.Latest.CheckedAt
	p.Trend = models.Trend(trend)
	return p, nil
}

// SaveAlert stores a dispatched alert.
func (s *Storage) SaveAlert(a models.Alert) error {
	actions, err := json.Marshal(a.SuggestedActions)
	if err != nil {
		return fmt.Errorf("failed to marshal suggested actions: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO alerts
			(id, borrower_id, type, severity, message, health_factor, liquidation_probability,
			 suggested_actions, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.BorrowerID, string(a.Type), int(a.Severity), a.Message, a.HealthFactor,
		a.LiquidationProbability, string(actions), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// AlertsSince returns alerts created at or after since, oldest first.
func (s *Storage) AlertsSince(since time.Time) ([]models.Alert, error) {
	return s.queryAlerts(`WHERE created_at >= ? ORDER BY created_at`, since.UnixNano())
}

// RecentAlerts returns up to limit newest alerts of a borrower, oldest first.
func (s *Storage) RecentAlerts(borrowerID string, limit int) ([]models.Alert, error) {
	alerts, err := s.queryAlerts(`WHERE borrower_id = ? ORDER BY created_at DESC LIMIT ?`, borrowerID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(alerts)-1; i < j; i, j = i+1, j-1 {
		alerts[i], alerts[j] = alerts[j], alerts[i]
	}
	return alerts, nil
}

func (s *Storage) queryAlerts(clause string, args ...any) ([]models.Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, borrower_id, type, severity, message, health_factor, liquidation_probability,
		       suggested_actions, created_at
		FROM alerts `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var typ, actions string
		var severity int
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.BorrowerID, &typ, &severity, &a.Message, &a.HealthFactor,
			&a.LiquidationProbability, &actions, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Type = models.AlertType(typ)
		a.Severity = models.Severity(severity)
		a.CreatedAt = time.Unix(0, createdAt)
		if err := json.Unmarshal([]byte(actions), &a.SuggestedActions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suggested actions: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// PurgeAlertsBefore deletes alerts created before cutoff and returns how many went.
func (s *Storage) PurgeAlertsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM alerts WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveCooldowns replaces the stored cooldown table with entries.
func (s *Storage) SaveCooldowns(entries []models.CooldownEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM cooldowns`); err != nil {
		return fmt.Errorf("failed to clear cooldowns: %w", err)
	}
	for _, e := range entries {
		var lastSent int64
		if !e.LastSentAt.IsZero() {
			lastSent = e.LastSentAt.UnixNano()
		}
		if _, err := tx.Exec(`
			INSERT INTO cooldowns (borrower_id, alert_type, state, severity, cooldown_ns, last_sent_at)
			VALUES (?,?,?,?,?,?)`,
			e.Key.BorrowerID, string(e.Key.AlertType), string(e.State), int(e.Severity),
			int64(e.Cooldown), lastSent,
		); err != nil {
			return fmt.Errorf("failed to save cooldown: %w", err)
		}
	}
	return tx.Commit()
}

// LoadCooldowns returns every stored cooldown entry.
func (s *Storage) LoadCooldowns() ([]models.CooldownEntry, error) {
	rows, err := s.db.Query(`
		SELECT borrower_id, alert_type, state, severity, cooldown_ns, last_sent_at
		FROM cooldowns ORDER BY borrower_id, alert_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cooldowns: %w", err)
	}
	defer rows.Close()

	var entries []models.CooldownEntry
	for rows.Next() {
		var e models.CooldownEntry
		var typ, state string
		var severity int
		var cooldown, lastSent int64
		if err := rows.Scan(&e.Key.BorrowerID, &typ, &state, &severity, &cooldown, &lastSent); err != nil {
			return nil, fmt.Errorf("failed to scan cooldown: %w", err)
		}
		e.Key.AlertType = models.AlertType(typ)
		e.State = models.AlertState(state)
		e.Severity = models.Severity(severity)
		e.Cooldown = time.Duration(cooldown)
		if lastSent != 0 {
			e.LastSentAt = time.Unix(0, lastSent)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordLiquidation stores ev unless the same tx hash and log index was seen before.
// It reports whether the event is new.
func (s *Storage) RecordLiquidation(ev models.LiquidationEvent, observedAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO liquidations
			(tx_hash, log_index, block_number, borrower, liquidator, repay_amount, collateral_amount, observed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		ev.Block.TxHash, ev.Block.LogIndex, ev.Block.BlockNumber, ev.Borrower, ev.Liquidator,
		ev.RepayAmount, ev.CollateralAmount, observedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record liquidation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountLiquidations returns the number of recorded liquidation events.
func (s *Storage) CountLiquidations() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM liquidations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count liquidations: %w", err)
	}
	return n, nil
}

// SaveCursor stores the next block to scan for a named log stream.
func (s *Storage) SaveCursor(name string, block uint64) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO cursors (name, block) VALUES (?, ?)`, name, block); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the stored block of a named log stream and whether it exists.
func (s *Storage) LoadCursor(name string) (uint64, bool, error) {
	var block uint64
	err := s.db.QueryRow(`SELECT block FROM cursors WHERE name = ?`, name).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load cursor: %w", err)
	}
	return block, true, nil
}
