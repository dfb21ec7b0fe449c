package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mchmarny/cardscore/pkg/data"
	"github.com/urfave/cli/v3"
)

var (
	yesFlag = &cli.BoolFlag{
		Name:  "yes",
		Usage: "Skip the confirmation prompt",
	}

	resetCmd = &cli.Command{
		Name:            "reset",
		Usage:           "Delete all stored history and detections and start fresh",
		HideHelpCommand: true,
		Flags:           []cli.Flag{yesFlag},
		Action:          cmdReset,
	}
)

func cmdReset(_ context.Context, cmd *cli.Command) error {
	app := getConfig(cmd)
	if app.DB == nil {
		return errNoStore
	}
	w := cmd.Root().Writer

	if !cmd.Bool(yesFlag.Name) {
		ok, err := confirm(cmd.Root().Reader, w, data.Redact(app.DSN))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	if err := resetStore(app); err != nil {
		return err
	}

	fmt.Fprintln(w, "Reset complete.")
	return nil
}

func confirm(r io.Reader, w io.Writer, target string) (bool, error) {
	if r == nil {
		r = os.Stdin
	}
	fmt.Fprintf(w, "This will permanently delete all data in %s\n", target)
	fmt.Fprint(w, "Are you sure? [y/N]: ")

	answer, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading input: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(answer)) == "y", nil
}

// resetStore deletes and re-creates a sqlite file. Postgres tables are
// purged in place.
func resetStore(app *appConfig) error {
	if app.Driver == data.DriverPostgres {
		if err := data.Purge(app.DB); err != nil {
			return fmt.Errorf("purging database: %w", err)
		}
		slog.Info("database purged", "dsn", data.Redact(app.DSN))
		return nil
	}

	// close the DB before deleting the file
	app.DB.Close()
	app.DB = nil

	if err := os.Remove(app.DSN); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting database: %w", err)
	}
	slog.Info("database deleted", "path", app.DSN)

	if err := data.Init(app.DSN); err != nil {
		return fmt.Errorf("re-initializing database: %w", err)
	}
	slog.Info("database re-initialized", "path", app.DSN)
	return nil
}
