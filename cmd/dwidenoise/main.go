package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"dwidenoise/pkg/config"
	"dwidenoise/pkg/denoise"
	"dwidenoise/pkg/mppca"
)

func main() {
	app := &cli.App{
		Name:      "dwidenoise",
		Usage:     "denoise diffusion-weighted MRI data with MP-PCA",
		ArgsUsage: "<dwi> <out>",
		Description: "Removes thermal noise from a 4D diffusion-weighted image by exploiting\n" +
			"data redundancy in the PCA domain and the Marchenko-Pastur distribution\n" +
			"of noise eigenvalues. The image should be denoised before any other\n" +
			"processing step.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "size",
				Value: mppca.DefaultWindowSize,
				Usage: "side length of the cubic sliding window, odd and at most 49",
			},
			&cli.StringFlag{
				Name:  "noise",
				Usage: "write the estimated noise level map to `FILE`",
			},
			&cli.StringFlag{
				Name:  "rank",
				Usage: "write the number of retained signal components per voxel to `FILE`",
			},
			&cli.StringFlag{
				Name:  "mask",
				Usage: "only denoise voxels where `FILE` is non-zero",
			},
			&cli.IntFlag{
				Name:    "nthreads",
				Usage:   "number of worker goroutines, 0 uses the configured default",
				EnvVars: []string{config.ThreadsEnvVar},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load settings from YAML `FILE`",
			},
			&cli.StringFlag{
				Name:  "preview",
				Usage: "save PNG previews of the central slices to `DIR`",
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "write Prometheus metrics in text format to `FILE`",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log debug messages",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "only log warnings and errors, hide progress",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "config",
				Usage: "manage configuration files",
				Subcommands: []*cli.Command{
					{
						Name:      "init",
						Usage:     "write the default configuration",
						ArgsUsage: "<path>",
						Action:    initConfig,
					},
				},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("dwidenoise failed")
		os.Exit(1)
	}
}

func initConfig(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one path", 2)
	}
	path := c.Args().First()
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", path)
	return nil
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		cli.ShowAppHelpAndExit(c, 2)
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	log := logrus.StandardLogger()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch {
	case c.Bool("quiet"):
		log.SetLevel(logrus.WarnLevel)
	case c.Bool("verbose") || cfg.Output.Verbose:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	log.WithFields(logrus.Fields{
		"cpu":      cpuid.CPU.BrandName,
		"physical": cpuid.CPU.PhysicalCores,
		"logical":  cpuid.CPU.LogicalCores,
		"avx2":     cpuid.CPU.AVX2(),
	}).Debug("host")

	windowSize := cfg.Denoise.WindowSize
	if c.IsSet("size") {
		windowSize = c.Int("size")
	}
	previewDir := cfg.Output.PreviewDir
	if c.IsSet("preview") {
		previewDir = c.String("preview")
	}

	params := &denoise.Params{
		InputFile:      c.Args().Get(0),
		OutputFile:     c.Args().Get(1),
		NoiseFile:      c.String("noise"),
		RankFile:       c.String("rank"),
		MaskFile:       c.String("mask"),
		WindowSize:     windowSize,
		NumThreads:     cfg.Threads(c.Int("nthreads")),
		MemoryFraction: cfg.Processing.MemoryFraction,
		PreviewDir:     previewDir,
		PreviewScale:   cfg.Output.PreviewScale,
		MetricsFile:    c.String("metrics"),
	}
	if !c.Bool("quiet") {
		params.ProgressOutput = os.Stderr
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := denoise.NewDenoiser(params, log)
	if err := d.Process(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return cli.Exit("interrupted", 130)
		}
		return err
	}

	if !c.Bool("quiet") {
		s := d.Summary()
		fmt.Printf("Denoised %d voxels in %.2f seconds\n", s.Voxels, s.Elapsed.Seconds())
		fmt.Printf("Mean retained components: %.2f\n", s.MeanRank())
		fmt.Printf("Median noise level: %.4g\n", s.MedianSigma)
		fmt.Printf("Residual RMS: mean %.4g, max %.4g\n", s.MeanResidualRMS, s.MaxResidualRMS)
		if s.Undefined > 0 {
			fmt.Printf("Noise level undefined in %d voxels\n", s.Undefined)
		}
	}
	return nil
}
