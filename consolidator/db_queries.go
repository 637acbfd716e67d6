package consolidator

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

type JobStatsSummary struct {
	TotalJobs       int64            `json:"total_jobs"`
	TotalNetPaidOut string           `json:"total_net_paid_out"`
	TotalServiceFee string           `json:"total_service_fee"`
	StatusCounts    []JobStatusCount `json:"statuses"`
}

type JobStatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func (s *Store) JobsByUser(user string) ([]*ConsolidationJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, user, target_asset, expected_amount, received_amount,
			swapped_amount, net_amount, gas_cost, service_fee, status, fail_reason,
			source_chains, created_at, completed_at
		FROM jobs
		WHERE user = ?
		ORDER BY created_at DESC
	`, user)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	jobs := []*ConsolidationJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJobStats aggregates over all jobs ever recorded. Completed totals are
// summed in Go because amounts are stored as TEXT.
func (s *Store) GetJobStats() (*JobStatsSummary, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	stats := JobStatsSummary{}
	for rows.Next() {
		var c JobStatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		stats.StatusCounts = append(stats.StatusCounts, c)
		stats.TotalJobs += c.Count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalNet := sdkmath.ZeroInt()
	totalFee := sdkmath.ZeroInt()
	amountRows, err := s.db.Query(`
		SELECT net_amount, service_fee FROM jobs WHERE status = ?
	`, string(StatusComplete))
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer amountRows.Close()

	for amountRows.Next() {
		var net, fee string
		if err := amountRows.Scan(&net, &fee); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		totalNet = totalNet.Add(mustInt(net))
		totalFee = totalFee.Add(mustInt(fee))
	}
	if err := amountRows.Err(); err != nil {
		return nil, err
	}

	stats.TotalNetPaidOut = totalNet.String()
	stats.TotalServiceFee = totalFee.String()
	return &stats, nil
}

type SponsorshipSummary struct {
	PoolBalance    string `json:"pool_balance"`
	TotalRecovered string `json:"total_recovered"`
	OpenRecords    int64  `json:"open_records"`
	RecoveredCount int64  `json:"recovered_records"`
}

func (s *Store) GetSponsorshipSummary() (*SponsorshipSummary, error) {
	pool, recovered, err := s.GetLedgerState()
	if err != nil {
		return nil, err
	}

	summary := &SponsorshipSummary{
		PoolBalance:    pool.String(),
		TotalRecovered: recovered.String(),
	}
	err = s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN recovered = 0 THEN 1 END),
			COUNT(CASE WHEN recovered = 1 THEN 1 END)
		FROM gas_records
	`).Scan(&summary.OpenRecords, &summary.RecoveredCount)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return summary, nil
}
