package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"btclient/internal/config"
	"btclient/internal/engine"
	"btclient/internal/inbound"
	"btclient/internal/logging"
	"btclient/internal/metainfo"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newDownloadCmd(v *viper.Viper) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "download <torrent-file>",
		Short: "Download a torrent, resuming any matching data already on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(v, args[0], outputDir, false)
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "directory to write downloaded files into")
	return cmd
}

func newSeedCmd(v *viper.Viper) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "seed <torrent-file>",
		Short: "Seed a torrent that is already fully present on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(v, args[0], outputDir, true)
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "directory the files already live in")
	return cmd
}

func runEngine(v *viper.Viper, torrentPath, outputDir string, seedOnly bool) error {
	meta, err := metainfo.Parse(torrentPath)
	if err != nil {
		return fmt.Errorf("parsing torrent: %w", err)
	}

	cfg := config.FromViper(v)
	eng, err := engine.New(meta, outputDir, cfg, logging.For("engine"))
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	if seedOnly && !eng.Complete() {
		return fmt.Errorf("%s is not fully downloaded yet; run \"btclient download\" first", meta.Info.Name)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := engine.NewRegistry()
	reg.Add(eng)
	listener, err := inbound.Listen(fmt.Sprintf(":%d", cfg.ListenPort), reg, logging.For("inbound"))
	if err != nil {
		return fmt.Errorf("starting inbound listener: %w", err)
	}
	go listener.Serve(ctx)
	defer listener.Close()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close(context.Background())

	colorstring.Println(colorstring.Color(fmt.Sprintf("[green]%s[reset] %s (%d bytes)", verbFor(seedOnly), eng.Name(), eng.TotalLength())))

	if seedOnly {
		colorstring.Println(colorstring.Color("[cyan]seeding — press ctrl-c to stop[reset]"))
		<-ctx.Done()
		return nil
	}

	return watchProgress(ctx, eng)
}

func verbFor(seedOnly bool) string {
	if seedOnly {
		return "seeding"
	}
	return "downloading"
}

func watchProgress(ctx context.Context, eng *engine.Engine) error {
	bar := progressbar.DefaultBytes(eng.TotalLength(), eng.Name())
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			colorstring.Println(colorstring.Color("[yellow]interrupted[reset]"))
			return nil
		case <-ticker.C:
			downloaded, _, _, _ := eng.Snapshot()
			bar.Set64(downloaded)
			if eng.Complete() {
				bar.Finish()
				fmt.Println()
				colorstring.Println(colorstring.Color("[green]download complete[reset]"))
				return nil
			}
		}
	}
}
