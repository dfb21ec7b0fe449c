package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/urfave/cli/v3"
	"github.com/zalando/go-keyring"
)

const (
	keyFileName    = "api_key"
	keyringService = appName
	keyringUser    = "api_key"
)

var (
	keyFlag = &cli.StringFlag{
		Name:     "key",
		Usage:    "API key of the scoring servers",
		Required: true,
	}

	authCmd = &cli.Command{
		Name:            "auth",
		HideHelpCommand: true,
		Usage:           "Save the API key used to call the scoring servers",
		Action:          cmdSaveAPIKey,
		Flags:           []cli.Flag{keyFlag},
	}
)

func cmdSaveAPIKey(_ context.Context, cmd *cli.Command) error {
	key := strings.TrimSpace(cmd.String(keyFlag.Name))
	if key == "" {
		return errors.New("api key required")
	}

	if err := saveAPIKey(getConfig(cmd).HomeDir, key); err != nil {
		return fmt.Errorf("saving api key: %w", err)
	}

	fmt.Fprintln(cmd.Root().Writer, "API key saved")
	return nil
}

func saveAPIKey(home, key string) error {
	if err := keyring.Set(keyringService, keyringUser, key); err != nil {
		slog.Warn("keychain unavailable, falling back to file", "error", err)
		return saveAPIKeyFile(home, key)
	}

	// clean up file left by an earlier fallback
	os.Remove(path.Join(home, keyFileName))

	return nil
}

func getAPIKey(home string) (string, error) {
	key, err := keyring.Get(keyringService, keyringUser)
	if err == nil && key != "" {
		return key, nil
	}

	key, err = getAPIKeyFile(home)
	if err != nil {
		return "", err
	}

	// migrate to keychain
	if migrateErr := keyring.Set(keyringService, keyringUser, key); migrateErr == nil {
		slog.Info("migrated api key from file to OS keychain")
		os.Remove(path.Join(home, keyFileName))
	}

	return key, nil
}

func saveAPIKeyFile(home, key string) error {
	p := path.Join(home, keyFileName)
	return os.WriteFile(p, []byte(key), 0600)
}

func getAPIKeyFile(home string) (string, error) {
	p := path.Join(home, keyFileName)
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("reading api key file %s: %w", p, err)
	}
	return strings.TrimSpace(string(b)), nil
}
