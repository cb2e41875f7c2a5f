package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"oyamarket/native/escrow"
	"oyamarket/services/indexer"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyIncompleteDisbursement = "incomplete_disbursement"
	AnomalyUnexpectedReward       = "unexpected_reward"
	AnomalyMalformedAmount        = "malformed_amount"
)

// AlertFunc is invoked for every anomaly detected during a run.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

type Config struct {
	Store     *indexer.Store
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// RunOptions selects the settlement window. Orders whose last transition
// falls in [Start, End) are reported.
type RunOptions struct {
	Start      time.Time
	End        time.Time
	Controller string
	DryRun     bool
}

type Anomaly struct {
	Type    string
	OrderID string
	Details string
}

// ReportRow describes one terminal order.
type ReportRow struct {
	OrderID      string
	Controller   string
	Token        string
	Buyer        string
	Seller       string
	Winner       string
	State        string
	Outcome      string
	Amount       *big.Int
	Disbursed    *big.Int
	RewardMinted bool
	RewardToken  string
	RewardAmount *big.Int
	OpenedAt     time.Time
	SettledAt    time.Time
}

// Duration is the time the escrow was held.
func (r *ReportRow) Duration() time.Duration {
	if r.SettledAt.Before(r.OpenedAt) {
		return 0
	}
	return r.SettledAt.Sub(r.OpenedAt)
}

// TokenSummary totals the settled volume of one value token.
type TokenSummary struct {
	Token     string
	Orders    int
	Volume    *big.Int
	Accepted  int
	ToBuyer   int
	ToSeller  int
	Cancelled int
	// Rewards counts reward units minted across both parties.
	Rewards *big.Int
}

type ReportFile struct {
	Token       string
	CSVPath     string
	ParquetPath string
	Count       int
}

type Result struct {
	RunID     string
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Summaries map[string]*TokenSummary
	Files     []ReportFile
	Anomalies []Anomaly
}

// Reconciler produces settlement reports from the order index.
type Reconciler struct {
	store     *indexer.Store
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: index store is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("oya-data", "reports")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		store:     cfg.Store,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     cfg.Alert,
		logger:    logger,
	}, nil
}

// Run reports every order that reached a terminal state inside the window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if opts.End.IsZero() {
		opts.End = r.now()
		if opts.Start.IsZero() {
			opts.Start = opts.End.Add(-24 * time.Hour)
		}
	}
	start, end := opts.Start.UTC(), opts.End.UTC()
	if !end.After(start) {
		return nil, fmt.Errorf("recon: end must be after start")
	}
	dryRun := r.dryRun || opts.DryRun

	query := r.store.DB().WithContext(ctx).
		Where("state IN ?", []string{escrow.OrderResolved.String(), escrow.OrderCancelled.String()}).
		Where("changed_at >= ? AND changed_at < ?", start.Unix(), end.Unix())
	if c := strings.TrimSpace(opts.Controller); c != "" {
		query = query.Where("controller = ?", c)
	}
	var orders []indexer.OrderRow
	if err := query.Order("changed_at ASC").Order("id ASC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("recon: load orders: %w", err)
	}

	result := &Result{
		RunID:     uuid.NewString(),
		Start:     start,
		End:       end,
		Rows:      make([]*ReportRow, 0, len(orders)),
		Summaries: make(map[string]*TokenSummary),
		Anomalies: make([]Anomaly, 0),
	}
	for _, order := range orders {
		row, problems := buildRow(order)
		for _, anomaly := range problems {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, anomaly))
		}
		result.Rows = append(result.Rows, row)
		summarize(result.Summaries, row)
	}

	if !dryRun && len(result.Rows) > 0 {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s_%s",
			start.Format("20060102T1504"), end.Format("20060102T1504"), result.RunID[:8]))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		grouped := groupRows(result.Rows)
		tokens := make([]string, 0, len(grouped))
		for token := range grouped {
			tokens = append(tokens, token)
		}
		sort.Strings(tokens)
		for _, token := range tokens {
			file, err := r.writeReportFiles(runDir, token, grouped[token])
			if err != nil {
				return nil, err
			}
			result.Files = append(result.Files, file)
		}
	}
	r.logger.Info("settlement report",
		slog.String("run", result.RunID),
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Int("orders", len(result.Rows)),
		slog.Int("anomalies", len(result.Anomalies)),
		slog.Int("files", len(result.Files)))
	return result, nil
}

func buildRow(order indexer.OrderRow) (*ReportRow, []Anomaly) {
	var problems []Anomaly
	amount := func(field, raw string) *big.Int {
		if strings.TrimSpace(raw) == "" {
			return big.NewInt(0)
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			problems = append(problems, Anomaly{
				Type:    AnomalyMalformedAmount,
				OrderID: order.ID,
				Details: fmt.Sprintf("%s %q is not a decimal integer", field, raw),
			})
			return big.NewInt(0)
		}
		return v
	}
	row := &ReportRow{
		OrderID:      order.ID,
		Controller:   order.Controller,
		Token:        order.Token,
		Buyer:        order.Buyer,
		Seller:       order.Seller,
		Winner:       order.Winner,
		State:        order.State,
		Outcome:      order.Outcome,
		Amount:       amount("amount", order.Amount),
		Disbursed:    amount("disbursed", order.Disbursed),
		RewardMinted: order.RewardMinted,
		RewardToken:  order.RewardToken,
		RewardAmount: amount("rewardAmount", order.RewardAmount),
		OpenedAt:     time.Unix(order.OpenedAt, 0).UTC(),
		SettledAt:    time.Unix(order.ChangedAt, 0).UTC(),
	}
	if row.Disbursed.Cmp(row.Amount) != 0 {
		problems = append(problems, Anomaly{
			Type:    AnomalyIncompleteDisbursement,
			OrderID: order.ID,
			Details: fmt.Sprintf("%s order disbursed %s of %s", order.State, row.Disbursed, row.Amount),
		})
	}
	if row.RewardMinted && row.Outcome != escrow.OutcomeAccepted.String() {
		problems = append(problems, Anomaly{
			Type:    AnomalyUnexpectedReward,
			OrderID: order.ID,
			Details: fmt.Sprintf("reward minted on %s outcome", row.Outcome),
		})
	}
	return row, problems
}

func summarize(summaries map[string]*TokenSummary, row *ReportRow) {
	summary, ok := summaries[row.Token]
	if !ok {
		summary = &TokenSummary{Token: row.Token, Volume: big.NewInt(0), Rewards: big.NewInt(0)}
		summaries[row.Token] = summary
	}
	summary.Orders++
	summary.Volume.Add(summary.Volume, row.Disbursed)
	switch row.Outcome {
	case escrow.OutcomeAccepted.String():
		summary.Accepted++
	case escrow.OutcomeBuyer.String():
		summary.ToBuyer++
	case escrow.OutcomeSeller.String():
		summary.ToSeller++
	case escrow.OutcomeCancelled.String():
		summary.Cancelled++
	}
	if row.RewardMinted {
		summary.Rewards.Add(summary.Rewards, new(big.Int).Mul(row.RewardAmount, big.NewInt(2)))
	}
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.logger.Warn("settlement anomaly",
		slog.String("type", anomaly.Type),
		slog.String("order", anomaly.OrderID),
		slog.String("details", anomaly.Details))
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Error("recon alert delivery failed", slog.Any("error", err))
		}
	}
	return anomaly
}

func groupRows(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		grouped[row.Token] = append(grouped[row.Token], row)
	}
	return grouped
}

func (r *Reconciler) writeReportFiles(baseDir, token string, rows []*ReportRow) (ReportFile, error) {
	name := token
	if name == "" {
		name = "unknown"
	}
	file := ReportFile{
		Token:       token,
		CSVPath:     filepath.Join(baseDir, name+".csv"),
		ParquetPath: filepath.Join(baseDir, name+".parquet"),
		Count:       len(rows),
	}
	if err := writeCSV(file.CSVPath, rows); err != nil {
		return ReportFile{}, err
	}
	if err := writeParquet(file.ParquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	r.logger.Debug("recon: wrote report", slog.String("csv", file.CSVPath), slog.String("parquet", file.ParquetPath), slog.Int("rows", len(rows)))
	return file, nil
}

var csvHeader = []string{
	"order_id", "controller", "token", "buyer", "seller", "winner", "state", "outcome",
	"amount", "disbursed", "reward_minted", "reward_token", "reward_amount",
	"opened_at", "settled_at", "held_seconds",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.OrderID,
			row.Controller,
			row.Token,
			row.Buyer,
			row.Seller,
			row.Winner,
			row.State,
			row.Outcome,
			row.Amount.String(),
			row.Disbursed.String(),
			strconv.FormatBool(row.RewardMinted),
			row.RewardToken,
			row.RewardAmount.String(),
			row.OpenedAt.Format(time.RFC3339),
			row.SettledAt.Format(time.RFC3339),
			strconv.FormatInt(int64(row.Duration().Seconds()), 10),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	OrderID      string `parquet:"name=order_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Controller   string `parquet:"name=controller, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Token        string `parquet:"name=token, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Buyer        string `parquet:"name=buyer, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Seller       string `parquet:"name=seller, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Winner       string `parquet:"name=winner, type=UTF8, encoding=PLAIN_DICTIONARY"`
	State        string `parquet:"name=state, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Outcome      string `parquet:"name=outcome, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount       string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Disbursed    string `parquet:"name=disbursed, type=UTF8, encoding=PLAIN_DICTIONARY"`
	RewardMinted bool   `parquet:"name=reward_minted, type=BOOLEAN"`
	RewardToken  string `parquet:"name=reward_token, type=UTF8, encoding=PLAIN_DICTIONARY"`
	RewardAmount string `parquet:"name=reward_amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	OpenedAt     int64  `parquet:"name=opened_at, type=INT64"`
	SettledAt    int64  `parquet:"name=settled_at, type=INT64"`
	HeldSeconds  int64  `parquet:"name=held_seconds, type=INT64"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			OrderID:      row.OrderID,
			Controller:   row.Controller,
			Token:        row.Token,
			Buyer:        row.Buyer,
			Seller:       row.Seller,
			Winner:       row.Winner,
			State:        row.State,
			Outcome:      row.Outcome,
			Amount:       row.Amount.String(),
			Disbursed:    row.Disbursed.String(),
			RewardMinted: row.RewardMinted,
			RewardToken:  row.RewardToken,
			RewardAmount: row.RewardAmount.String(),
			OpenedAt:     row.OpenedAt.Unix(),
			SettledAt:    row.SettledAt.Unix(),
			HeldSeconds:  int64(row.Duration().Seconds()),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
