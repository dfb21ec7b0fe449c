package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mchmarny/cardscore/pkg/model"
	"github.com/mchmarny/cardscore/pkg/net"
	"github.com/urfave/cli/v3"
)

var (
	modelPathFlag = &cli.StringFlag{
		Name:  "path",
		Usage: "Model file (default: ranking.model_path)",
	}

	modelURLFlag = &cli.StringFlag{
		Name:     "url",
		Usage:    "URL of the model artifact",
		Required: true,
	}

	modelOutFlag = &cli.StringFlag{
		Name:     "out",
		Usage:    "Path to save the artifact to",
		Required: true,
	}

	modelCmd = &cli.Command{
		Name:            "model",
		Usage:           "Print model info or download model artifacts",
		HideHelpCommand: true,
		Action:          cmdModelInfo,
		Flags:           []cli.Flag{modelPathFlag},
		Commands: []*cli.Command{
			{
				Name:   "pull",
				Usage:  "Download a model or pipeline file",
				Action: cmdModelPull,
				Flags: []cli.Flag{
					modelURLFlag,
					modelOutFlag,
				},
			},
		},
	}
)

func cmdModelInfo(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd).Config

	p := cmd.String(modelPathFlag.Name)
	if p == "" {
		p = cfg.Ranking.ModelPath
	}
	if p == "" {
		p = cfg.Fraud.ModelPath
	}
	if p == "" {
		return errors.New("model path required, set --path or ranking.model_path")
	}

	m, err := model.LoadEnsemble(p)
	if err != nil {
		return err
	}
	return printOutput(cmd, m.Info())
}

type pullResult struct {
	Path  string      `json:"path" yaml:"path"`
	Bytes int64       `json:"bytes" yaml:"bytes"`
	Model *model.Info `json:"model,omitempty" yaml:"model,omitempty"`
}

func cmdModelPull(ctx context.Context, cmd *cli.Command) error {
	url := cmd.String(modelURLFlag.Name)
	out := cmd.String(modelOutFlag.Name)

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating dir %s: %w", dir, err)
		}
	}

	if err := net.Download(ctx, url, out); err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}

	st, err := os.Stat(out)
	if err != nil {
		return fmt.Errorf("checking %s: %w", out, err)
	}
	res := &pullResult{Path: out, Bytes: st.Size()}

	// pipelines are not ensembles
	if m, err := model.LoadEnsemble(out); err == nil {
		res.Model = m.Info()
	} else {
		slog.Debug("downloaded file is not a model", "path", out, "error", err)
	}

	slog.Info("artifact downloaded", "url", url, "path", out)
	return printOutput(cmd, res)
}
