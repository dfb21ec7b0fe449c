package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mchmarny/cardscore/pkg/client"
	"github.com/mchmarny/cardscore/pkg/ranking"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	rankAPIVersion = "1.0.0"
	topKDefault    = 10
	topKMax        = 100
)

var (
	rankFileFlag = &cli.StringFlag{
		Name:     "file",
		Usage:    "Cardholder CSV file",
		Required: true,
	}

	rankTxFlag = &cli.StringFlag{
		Name:  "transactions",
		Usage: "Transaction CSV file used for behaviour features (optional)",
	}

	merchantFlag = &cli.StringFlag{
		Name:  "merchant",
		Usage: "Merchant category to rank for, e.g. ecommerce (optional)",
	}

	topFlag = &cli.IntFlag{
		Name:  "top",
		Usage: "Number of top cardholders to print, 0 prints all",
		Value: topKDefault,
	}

	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "Write the full ranking to this CSV file (optional)",
	}

	rankCmd = &cli.Command{
		Name:            "rank",
		Usage:           "Rank cardholders from a CSV file",
		HideHelpCommand: true,
		Action:          cmdRank,
		Flags: []cli.Flag{
			rankFileFlag,
			rankTxFlag,
			merchantFlag,
			topFlag,
			outFlag,
		},
	}
)

type rankResult struct {
	Scorer  string                      `json:"scorer" yaml:"scorer"`
	Summary *ranking.Summary            `json:"summary" yaml:"summary"`
	Top     []*ranking.RankedCardholder `json:"top_cardholders" yaml:"top_cardholders"`
}

func cmdRank(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)

	var (
		records []*ranking.CardholderRecord
		txs     []*ranking.CardholderTransaction
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = readCSV(cmd.String(rankFileFlag.Name), ranking.ReadCardholderRecords)
		return err
	})
	if p := cmd.String(rankTxFlag.Name); p != "" {
		g.Go(func() error {
			var err error
			txs, err = readCSV(p, ranking.ReadTransactions)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	cardholders, err := ranking.LatestPerCardholder(records, cfg.Config.Ranking.Defaults)
	if err != nil {
		return fmt.Errorf("preparing cardholders: %w", err)
	}
	slog.Debug("cardholders loaded", "records", len(records), "cardholders", len(cardholders), "transactions", len(txs))

	var aggs map[string]*ranking.Aggregate
	if len(txs) > 0 {
		aggs = ranking.AggregateTransactions(txs)
	}

	svc := newRankService(cfg.Config.Ranking, aggs)
	ranked, err := svc.ranker.Rank(ctx, cardholders, cmd.String(merchantFlag.Name))
	if err != nil {
		return err
	}

	if p := cmd.String(outFlag.Name); p != "" {
		if err := writeRankedFile(p, ranked); err != nil {
			return err
		}
		slog.Info("ranking written", "path", p, "cardholders", len(ranked))
	}

	top := ranked
	if k := int(cmd.Int(topFlag.Name)); k > 0 && k < len(top) {
		top = top[:k]
	}

	return printOutput(cmd, &rankResult{
		Scorer:  svc.ranker.Scorer().Name(),
		Summary: ranking.Summarize(ranked),
		Top:     top,
	})
}

func readCSV[T any](path string, read func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	list, err := read(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return list, nil
}

func writeRankedFile(path string, ranked []*ranking.RankedCardholder) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := ranking.WriteRanked(f, ranked); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func makeRankRouter(svc *rankService) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", rankRootHandler)
	mux.HandleFunc("GET /health", rankHealthHandler(svc))
	mux.HandleFunc("POST /rank-single", rankSingleHandler(svc))
	mux.HandleFunc("POST /rank-batch", rankBatchHandler(svc))
	mux.HandleFunc("POST /rank-top", rankTopHandler(svc))
	mux.HandleFunc("GET /model-info", modelInfoHandler(svc))

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})

	return mux
}

func rankRootHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Cardholder Ranking API",
		"version": rankAPIVersion,
		"health":  "/health",
	})
}

func rankHealthHandler(svc *rankService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := &client.RankHealth{Status: "unhealthy", Timestamp: now()}
		if s := svc.ranker.Scorer(); s != nil {
			h.Status = "healthy"
			h.Scorer = s.Name()
		}
		if b := svc.bundle(); b != nil {
			h.ModelLoaded = true
			h.FeaturePipelineLoaded = b.Pipeline != nil
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func rankSingleHandler(svc *rankService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req ranking.CardholderRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			writeValidationError(w, err)
			return
		}

		ranked, ok := rank(w, r, svc, []*ranking.CardholderRequest{&req}, "")
		if !ok {
			return
		}

		writeJSON(w, http.StatusOK, &client.RankSingleResponse{
			RequestID:        requestID(r.Context()),
			Timestamp:        now(),
			ProcessingTimeMS: elapsedMS(start),
			Cardholder:       ranked[0],
		})
	}
}

func rankBatchHandler(svc *rankService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		req, ok := decodeBatchRequest(w, r)
		if !ok {
			return
		}

		ranked, ok := rank(w, r, svc, req.Cardholders, req.MerchantCategory)
		if !ok {
			return
		}

		writeJSON(w, http.StatusOK, &client.RankBatchResponse{
			RequestID:         requestID(r.Context()),
			Timestamp:         now(),
			ProcessingTimeMS:  elapsedMS(start),
			TotalCardholders:  len(ranked),
			RankedCardholders: ranked,
		})
	}
}

func rankTopHandler(svc *rankService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		k, err := queryParamInt(r, "top_k", topKDefault)
		if err != nil || k < 1 || k > topKMax {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("top_k must be between 1 and %d", topKMax))
			return
		}

		req, ok := decodeBatchRequest(w, r)
		if !ok {
			return
		}

		ranked, ok := rank(w, r, svc, req.Cardholders, req.MerchantCategory)
		if !ok {
			return
		}

		top := ranked
		if k < len(top) {
			top = top[:k]
		}

		writeJSON(w, http.StatusOK, &client.RankTopResponse{
			RequestID:        requestID(r.Context()),
			Timestamp:        now(),
			ProcessingTimeMS: elapsedMS(start),
			TotalCardholders: len(ranked),
			TopK:             k,
			TopCardholders:   top,
		})
	}
}

func modelInfoHandler(svc *rankService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		b := svc.bundle()
		if b == nil {
			writeError(w, http.StatusInternalServerError, "Model not loaded")
			return
		}
		writeJSON(w, http.StatusOK, &client.ModelInfoResponse{
			Info:   b.Model.Info(),
			Scorer: ranking.ScorerModel,
		})
	}
}

// itemErrors are the field errors of one cardholder of a batch.
type itemErrors struct {
	Index  int                  `json:"index"`
	Fields []ranking.FieldError `json:"fields"`
}

func decodeBatchRequest(w http.ResponseWriter, r *http.Request) (*client.RankBatchRequest, bool) {
	var req client.RankBatchRequest
	if !decodeRequest(w, r, &req) {
		return nil, false
	}
	if len(req.Cardholders) == 0 {
		writeError(w, http.StatusBadRequest, "cardholders must be a non-empty list")
		return nil, false
	}

	var details []itemErrors
	for i, ch := range req.Cardholders {
		if ch == nil {
			details = append(details, itemErrors{Index: i, Fields: []ranking.FieldError{{Field: "cardholder", Message: "field required"}}})
			continue
		}
		var ve *ranking.ValidationError
		if err := ch.Validate(); errors.As(err, &ve) {
			details = append(details, itemErrors{Index: i, Fields: ve.Fields})
		}
	}
	if len(details) > 0 {
		writeErrorDetails(w, http.StatusUnprocessableEntity, "Invalid cardholder data", details)
		return nil, false
	}
	return &req, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	b, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if len(b) == 0 {
		writeError(w, http.StatusBadRequest, "No JSON data provided")
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, err error) {
	var ve *ranking.ValidationError
	if errors.As(err, &ve) {
		writeErrorDetails(w, http.StatusUnprocessableEntity, "Invalid cardholder data", ve.Fields)
		return
	}
	writeError(w, http.StatusUnprocessableEntity, err.Error())
}

// rank maps validated requests onto cardholders and ranks them, writing
// the error response when ranking fails.
func rank(w http.ResponseWriter, r *http.Request, svc *rankService, reqs []*ranking.CardholderRequest, merchant string) ([]*ranking.RankedCardholder, bool) {
	n := time.Now()
	cardholders := make([]*ranking.Cardholder, len(reqs))
	for i, req := range reqs {
		cardholders[i] = req.ToCardholder(svc.cfg.Defaults, n)
	}

	ranked, err := svc.ranker.Rank(r.Context(), cardholders, merchant)
	if err != nil {
		if errors.Is(err, ranking.ErrNoScorer) {
			writeError(w, http.StatusInternalServerError, "Model not loaded")
			return nil, false
		}
		slog.Error("ranking failed", "error", err, "request_id", requestID(r.Context()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return ranked, true
}

func queryParamInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
