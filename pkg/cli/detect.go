package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mchmarny/cardscore/pkg/client"
	"github.com/mchmarny/cardscore/pkg/fraud"
	"github.com/mchmarny/cardscore/pkg/metrics"
	"github.com/urfave/cli/v3"
)

var (
	detectFileFlag = &cli.StringFlag{
		Name:     "file",
		Usage:    "Transaction CSV file",
		Required: true,
	}

	urlFlag = &cli.StringFlag{
		Name:    "url",
		Usage:   "Fraud server URL, e.g. http://127.0.0.1:5000 (optional, detects locally when empty)",
		Sources: cli.EnvVars("CARDSCORE_URL"),
	}

	detectCmd = &cli.Command{
		Name:            "detect",
		Usage:           "Replay a transaction CSV through the fraud detector",
		HideHelpCommand: true,
		Action:          cmdDetect,
		Flags: []cli.Flag{
			detectFileFlag,
			urlFlag,
		},
	}
)

// detectReport summarizes a replay. Metrics are only set when every
// transaction is labelled.
type detectReport struct {
	Mode         string          `json:"mode" yaml:"mode"`
	Transactions int             `json:"total_transactions" yaml:"total_transactions"`
	Successful   int             `json:"successful" yaml:"successful"`
	Failed       int             `json:"failed" yaml:"failed"`
	Blocked      int             `json:"blocked" yaml:"blocked"`
	Allowed      int             `json:"allowed" yaml:"allowed"`
	Metrics      *metrics.Report `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	ROCAUC       *float64        `json:"roc_auc,omitempty" yaml:"roc_auc,omitempty"`
}

// scored is the outcome of one replayed transaction.
type scored struct {
	ok      bool
	blocked bool
	risk    float64
}

func cmdDetect(ctx context.Context, cmd *cli.Command) error {
	app := getConfig(cmd)

	records, err := readCSV(cmd.String(detectFileFlag.Name), fraud.ReadTransactionRecords)
	if err != nil {
		return err
	}
	txs := make([]*fraud.Transaction, len(records))
	for i, rec := range records {
		txs[i] = rec.Transaction()
	}

	var (
		results []scored
		mode    string
	)
	if u := cmd.String(urlFlag.Name); u != "" {
		mode = "remote"
		results, err = detectRemote(ctx, app, u, txs)
	} else {
		mode = "local"
		results, err = detectLocal(ctx, app, txs)
	}
	if err != nil {
		return err
	}

	return printOutput(cmd, newDetectReport(mode, txs, results))
}

// detectLocal runs every transaction through a detector over a fresh
// in-memory history so the replay does not touch the configured store.
// Rows the server would reject are skipped and reported as failed.
func detectLocal(ctx context.Context, app *appConfig, txs []*fraud.Transaction) ([]scored, error) {
	d, err := newDetector(app.Config, nil, "")
	if err != nil {
		return nil, err
	}

	out := make([]scored, len(txs))
	invalid := 0
	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			invalid++
			slog.Warn("skipping invalid transaction", "index", i, "error", err)
			continue
		}
		det, err := d.Process(ctx, tx)
		if err != nil {
			slog.Warn("detection failed", "index", i, "error", err)
			continue
		}
		out[i] = scored{ok: true, blocked: det.BlockTransaction, risk: det.RiskScore}
	}
	if invalid > 0 {
		slog.Info("replay skipped invalid transactions", "count", invalid, "total", len(txs))
	}
	return out, nil
}

// detectRemote posts the transactions in batches of server.max_batch.
func detectRemote(ctx context.Context, app *appConfig, url string, txs []*fraud.Transaction) ([]scored, error) {
	key, err := getAPIKey(app.HomeDir)
	if err != nil {
		slog.Debug("no api key saved, calling server without credentials", "error", err)
	}

	c, err := client.New(ctx, url, key)
	if err != nil {
		return nil, err
	}

	size := max(app.Config.Server.MaxBatch, 1)
	out := make([]scored, len(txs))
	for start := 0; start < len(txs); start += size {
		end := min(start+size, len(txs))

		resp, err := c.DetectBatch(ctx, txs[start:end])
		if err != nil {
			return nil, fmt.Errorf("detecting batch at %d: %w", start, err)
		}
		for _, r := range resp.Results {
			if r.Index == nil || *r.Index < 0 || start+*r.Index >= end {
				continue
			}
			out[start+*r.Index] = scored{
				ok:      true,
				blocked: r.Decision == fraud.DecisionBlock,
				risk:    r.RiskScore,
			}
		}
		for _, e := range resp.Errors {
			slog.Warn("detection failed", "index", start+e.Index, "error", e.Error)
		}
		slog.Debug("batch detected", "from", start, "to", end, "blocked", resp.Summary.Blocked)
	}
	return out, nil
}

func newDetectReport(mode string, txs []*fraud.Transaction, results []scored) *detectReport {
	r := &detectReport{Mode: mode, Transactions: len(txs)}

	labels := make([]bool, 0, len(txs))
	preds := make([]bool, 0, len(txs))
	scores := make([]float64, 0, len(txs))
	labelled := len(txs) > 0

	for i, s := range results {
		if !s.ok {
			r.Failed++
			labelled = false
			continue
		}
		r.Successful++
		if s.blocked {
			r.Blocked++
		} else {
			r.Allowed++
		}

		if txs[i].IsFraud == nil {
			labelled = false
			continue
		}
		labels = append(labels, *txs[i].IsFraud)
		preds = append(preds, s.blocked)
		scores = append(scores, s.risk)
	}

	if !labelled {
		return r
	}

	if m, err := metrics.Confusion(labels, preds); err == nil {
		r.Metrics = m.Report()
	}
	if auc, err := metrics.ROCAUC(labels, scores); err == nil {
		auc = fraud.Round(auc)
		r.ROCAUC = &auc
	}
	return r
}
