package cli

import (
	"context"

	"github.com/mchmarny/cardscore/pkg/data"
	"github.com/urfave/cli/v3"
)

var configCmd = &cli.Command{
	Name:            "config",
	Usage:           "Print the effective configuration",
	HideHelpCommand: true,
	Action:          cmdConfig,
}

func cmdConfig(_ context.Context, cmd *cli.Command) error {
	app := getConfig(cmd)

	c := *app.Config
	c.Server.APIKeys = nil
	c.Storage.DSN = data.Redact(app.DSN)

	return printOutput(cmd, &c)
}
