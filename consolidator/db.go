package consolidator

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	sdkmath "cosmossdk.io/math"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store owns the sqlite persistence for jobs, gas records and sponsorship
// counters. Amounts are stored as TEXT so they survive beyond int64 range.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	InitDB(db)
	return &Store{db: db}
}

func InitDB(db *sql.DB) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			user TEXT NOT NULL,
			target_asset TEXT NOT NULL,
			expected_amount TEXT NOT NULL,
			received_amount TEXT NOT NULL,
			swapped_amount TEXT NOT NULL,
			net_amount TEXT NOT NULL,
			gas_cost TEXT NOT NULL,
			service_fee TEXT NOT NULL,
			status TEXT NOT NULL,
			fail_reason TEXT NOT NULL DEFAULT '',
			source_chains TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		)
	`)
	if err != nil {
		log.Fatal(err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS user_job_seq (
			user TEXT PRIMARY KEY,
			seq INTEGER NOT NULL
		)
	`)
	if err != nil {
		log.Fatal(err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS gas_records (
			job_id TEXT PRIMARY KEY,
			user TEXT NOT NULL,
			gas_value TEXT NOT NULL,
			price_basis TEXT NOT NULL,
			usd_cost TEXT NOT NULL,
			recovered BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		log.Fatal(err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sponsorship_accounts (
			user TEXT PRIMARY KEY,
			total_sponsored TEXT NOT NULL,
			job_count INTEGER NOT NULL,
			last_job_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		log.Fatal(err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			pool_balance TEXT NOT NULL,
			total_recovered TEXT NOT NULL
		)
	`)
	if err != nil {
		log.Fatal(err)
	}

	_, err = db.Exec(`
		INSERT OR IGNORE INTO ledger_state (id, pool_balance, total_recovered)
		VALUES (1, '0', '0')
	`)
	if err != nil {
		log.Fatal(err)
	}
}

// NextUserSeq increments and returns the user's job sequence number. The
// sequence feeds deterministic job id derivation.
func (s *Store) NextUserSeq(user string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(`SELECT seq FROM user_job_seq WHERE user = ?`, user).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		seq = 0
	case err != nil:
		return 0, err
	}
	seq++

	_, err = tx.Exec(`
		INSERT INTO user_job_seq (user, seq) VALUES (?, ?)
		ON CONFLICT(user) DO UPDATE SET seq = excluded.seq
	`, user, seq)
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

func (s *Store) InsertJob(job *ConsolidationJob) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (job_id, user, target_asset, expected_amount, received_amount,
			swapped_amount, net_amount, gas_cost, service_fee, status, fail_reason,
			source_chains, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.JobID, job.User, job.TargetAsset, job.ExpectedAmount.String(),
		job.ReceivedAmount.String(), job.SwappedAmount.String(), job.NetAmount.String(),
		job.GasCost.String(), job.ServiceFee.String(), string(job.Status), job.FailReason,
		strings.Join(job.SourceChains, ","), job.CreatedAt)
	return err
}

func (s *Store) UpdateJob(job *ConsolidationJob) error {
	var completed any
	if !job.CompletedAt.IsZero() {
		completed = job.CompletedAt
	}
	res, err := s.db.Exec(`
		UPDATE jobs
		SET received_amount = ?, swapped_amount = ?, net_amount = ?, gas_cost = ?,
			service_fee = ?, status = ?, fail_reason = ?, completed_at = ?
		WHERE job_id = ?
	`, job.ReceivedAmount.String(), job.SwappedAmount.String(), job.NetAmount.String(),
		job.GasCost.String(), job.ServiceFee.String(), string(job.Status), job.FailReason,
		completed, job.JobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownJob
	}
	return nil
}

func (s *Store) GetJob(jobID string) (*ConsolidationJob, error) {
	row := s.db.QueryRow(`
		SELECT job_id, user, target_asset, expected_amount, received_amount,
			swapped_amount, net_amount, gas_cost, service_fee, status, fail_reason,
			source_chains, created_at, completed_at
		FROM jobs WHERE job_id = ?
	`, jobID)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ConsolidationJob, error) {
	var (
		job       ConsolidationJob
		expected  string
		received  string
		swapped   string
		net       string
		gas       string
		fee       string
		status    string
		chains    string
		completed sql.NullTime
	)
	err := row.Scan(&job.JobID, &job.User, &job.TargetAsset, &expected, &received,
		&swapped, &net, &gas, &fee, &status, &job.FailReason, &chains,
		&job.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}

	job.ExpectedAmount = mustInt(expected)
	job.ReceivedAmount = mustInt(received)
	job.SwappedAmount = mustInt(swapped)
	job.NetAmount = mustInt(net)
	job.GasCost = mustInt(gas)
	job.ServiceFee = mustInt(fee)
	job.Status = JobStatus(status)
	if chains != "" {
		job.SourceChains = strings.Split(chains, ",")
	}
	if completed.Valid {
		job.CompletedAt = completed.Time
	}
	return &job, nil
}

func (s *Store) InsertGasRecord(rec *GasRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO gas_records (job_id, user, gas_value, price_basis, usd_cost, recovered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.JobID, rec.User, rec.GasValue.String(), rec.PriceBasis.String(),
		rec.UsdCost.String(), rec.Recovered, rec.CreatedAt)
	return err
}

func (s *Store) UpdateGasRecord(rec *GasRecord) error {
	_, err := s.db.Exec(`
		UPDATE gas_records
		SET gas_value = ?, price_basis = ?, usd_cost = ?, recovered = ?
		WHERE job_id = ?
	`, rec.GasValue.String(), rec.PriceBasis.String(), rec.UsdCost.String(),
		rec.Recovered, rec.JobID)
	return err
}

func (s *Store) GetGasRecord(jobID string) (*GasRecord, error) {
	var (
		rec   GasRecord
		value string
		basis string
		cost  string
	)
	err := s.db.QueryRow(`
		SELECT job_id, user, gas_value, price_basis, usd_cost, recovered, created_at
		FROM gas_records WHERE job_id = ?
	`, jobID).Scan(&rec.JobID, &rec.User, &value, &basis, &cost, &rec.Recovered, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoGasRecord
	}
	if err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}

	rec.GasValue = mustInt(value)
	rec.PriceBasis = mustDecimal(basis)
	rec.UsdCost = mustDecimal(cost)
	return &rec, nil
}

func (s *Store) GetSponsorshipAccount(user string) (*sponsorshipAccount, error) {
	var (
		acct  sponsorshipAccount
		total string
	)
	err := s.db.QueryRow(`
		SELECT user, total_sponsored, job_count, last_job_at
		FROM sponsorship_accounts WHERE user = ?
	`, user).Scan(&acct.User, &total, &acct.JobCount, &acct.LastJobAt)
	if err == sql.ErrNoRows {
		return &sponsorshipAccount{User: user, TotalSponsored: sdkmath.ZeroInt()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	acct.TotalSponsored = mustInt(total)
	return &acct, nil
}

func (s *Store) UpsertSponsorshipAccount(acct *sponsorshipAccount) error {
	_, err := s.db.Exec(`
		INSERT INTO sponsorship_accounts (user, total_sponsored, job_count, last_job_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user) DO UPDATE SET
			total_sponsored = excluded.total_sponsored,
			job_count = excluded.job_count,
			last_job_at = excluded.last_job_at
	`, acct.User, acct.TotalSponsored.String(), acct.JobCount, acct.LastJobAt)
	return err
}

func (s *Store) GetLedgerState() (pool, recovered sdkmath.Int, err error) {
	var poolStr, recoveredStr string
	err = s.db.QueryRow(`SELECT pool_balance, total_recovered FROM ledger_state WHERE id = 1`).
		Scan(&poolStr, &recoveredStr)
	if err != nil {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(), err
	}
	return mustInt(poolStr), mustInt(recoveredStr), nil
}

func (s *Store) SetLedgerState(pool, recovered sdkmath.Int) error {
	_, err := s.db.Exec(`
		UPDATE ledger_state SET pool_balance = ?, total_recovered = ? WHERE id = 1
	`, pool.String(), recovered.String())
	return err
}

func mustInt(s string) sdkmath.Int {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		// rows are only ever written via Int.String, so this is a defect
		log.Fatalf("corrupt amount in store: %q", s)
	}
	return v
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("corrupt decimal in store: %q", s)
	}
	return v
}
