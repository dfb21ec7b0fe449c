package cli

import (
	"context"
	"fmt"

	"github.com/mchmarny/cardscore/pkg/client"
	"github.com/mchmarny/cardscore/pkg/data"
	"github.com/mchmarny/cardscore/pkg/fraud"
	"github.com/urfave/cli/v3"
)

var (
	userFlag = &cli.StringFlag{
		Name:  "user",
		Usage: "User ID whose history to print (optional, prints store state when empty)",
	}

	historyCmd = &cli.Command{
		Name:            "history",
		Usage:           "Print stored transaction history",
		HideHelpCommand: true,
		Action:          cmdHistory,
		Flags:           []cli.Flag{userFlag},
	}
)

type storeState struct {
	DSN       string                  `json:"dsn" yaml:"dsn"`
	Counts    map[string]int64        `json:"counts" yaml:"counts"`
	Decisions []*data.DecisionSummary `json:"decisions" yaml:"decisions"`
}

func cmdHistory(ctx context.Context, cmd *cli.Command) error {
	app := getConfig(cmd)
	if app.DB == nil {
		return errNoStore
	}

	user := cmd.String(userFlag.Name)
	if user == "" {
		counts, err := data.GetDataState(app.DB)
		if err != nil {
			return fmt.Errorf("reading store state: %w", err)
		}
		decisions, err := data.GetDetectionSummary(app.DB)
		if err != nil {
			return fmt.Errorf("reading detection summary: %w", err)
		}
		return printOutput(cmd, &storeState{
			DSN:       data.Redact(app.DSN),
			Counts:    counts,
			Decisions: decisions,
		})
	}

	s, err := data.NewHistoryStore(app.DB, app.Driver, app.Config.Storage.MaxHistory)
	if err != nil {
		return err
	}
	list, err := s.History(ctx, user)
	if err != nil {
		return fmt.Errorf("reading history of %s: %w", user, err)
	}
	if list == nil {
		list = []*fraud.Transaction{}
	}

	return printOutput(cmd, &client.HistoryResponse{
		UserID:           user,
		TransactionCount: len(list),
		History:          list,
	})
}
