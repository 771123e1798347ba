// Package main provides the saliency CLI: it explains one prediction of a
// pre-trained CNN with the gradient of the class score w.r.t. the input.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/born-ml/saliency/internal/config"
	"github.com/born-ml/saliency/internal/loader"
	"github.com/born-ml/saliency/internal/network"
	"github.com/born-ml/saliency/internal/render"
	"github.com/born-ml/saliency/internal/saliency"
	"github.com/born-ml/saliency/internal/transform"
)

const version = "v0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("saliency %s\n", version)
		return
	}

	err := run(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(1)
	}
}

// run executes one saliency computation. Errors are logged before they are returned.
func run(args []string, stderr io.Writer) error {
	cfg, err := config.FromArgs(args, stderr)
	if err != nil {
		// The FlagSet has already printed parse errors and the usage
		if !errors.Is(err, config.ErrUsage) {
			fmt.Fprintf(stderr, "saliency: %v\n", err)
		}
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := compute(cfg, logger); err != nil {
		logger.Error("saliency failed", "err", err)
		return err
	}
	return nil
}

func compute(cfg *config.Config, logger *slog.Logger) error {
	net, err := network.Load(cfg.ArchitecturePath, cfg.WeightsPath, logger)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	logger.Info("model loaded", "network", net.Name(), "layers", len(net.Layers()),
		"input", net.InputShape().String(), "output", net.OutputShape().String())

	mean, err := loader.LoadMean(cfg.MeanPath)
	if err != nil {
		return fmt.Errorf("load mean: %w", err)
	}

	var labels []string
	if cfg.LabelsPath != "" {
		if labels, err = saliency.LoadLabels(cfg.LabelsPath); err != nil {
			return err
		}
	}

	img, err := transform.LoadImage(cfg.ImagePath)
	if err != nil {
		return err
	}

	tr := &transform.Transformer{
		Mean:        mean.Data(),
		ChannelSwap: cfg.ChannelSwap,
		RawScale:    float32(cfg.RawScale),
	}
	pipeline := &saliency.Pipeline{
		Model:       saliency.NetworkModel{Net: net},
		Transformer: tr,
		ImageSize:   cfg.ImageSize,
		NumLabels:   cfg.NumLabels,
		Labels:      labels,
		TopK:        cfg.TopK,
		Logger:      logger,
	}
	res, err := pipeline.Run(img, cfg.Label)
	if err != nil {
		return err
	}

	shown, err := tr.Deprocess(res.Input)
	if err != nil {
		return err
	}
	vis, err := render.Visualization(shown, res.Map)
	if err != nil {
		return err
	}
	if err := render.SavePNG(cfg.OutputPath, vis); err != nil {
		return err
	}

	logger.Info("saliency map written", "path", cfg.OutputPath, "label", cfg.Label, "degenerate", res.Degenerate)
	return nil
}
