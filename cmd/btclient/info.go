package main

import (
	"fmt"

	"btclient/internal/metainfo"
	"btclient/internal/piece"

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <torrent-file>",
		Short: "Print a .torrent file's metadata without downloading anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := metainfo.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing torrent: %w", err)
			}
			printInfo(cmd, meta)
			return nil
		},
	}
}

func printInfo(cmd *cobra.Command, meta *metainfo.Metainfo) {
	out := cmd.OutOrStdout()
	layout := piece.NewLayout(meta.TotalLength(), meta.Info.PieceLength)

	fmt.Fprintf(out, "name:         %s\n", meta.Info.Name)
	fmt.Fprintf(out, "info hash:    %x\n", meta.InfoHash)
	fmt.Fprintf(out, "total size:   %d bytes\n", meta.TotalLength())
	fmt.Fprintf(out, "piece length: %d bytes\n", meta.Info.PieceLength)
	fmt.Fprintf(out, "pieces:       %d\n", layout.NumSegments)

	if len(meta.Info.Files) == 0 {
		fmt.Fprintf(out, "files:        1 (single-file torrent)\n")
	} else {
		fmt.Fprintf(out, "files:        %d\n", len(meta.Info.Files))
		for _, f := range meta.Info.Files {
			fmt.Fprintf(out, "  %s (%d bytes)\n", joinPath(f.Path), f.Length)
		}
	}

	for _, url := range announceURLs(meta) {
		fmt.Fprintf(out, "tracker:      %s\n", url)
	}
}

// announceURLs flattens the announce-list tiers into a single
// ordered list, falling back to the single announce field when a
// torrent names no announce-list at all.
func announceURLs(meta *metainfo.Metainfo) []string {
	if len(meta.AnnounceList) > 0 {
		var urls []string
		for _, tier := range meta.AnnounceList {
			urls = append(urls, tier...)
		}
		return urls
	}
	if meta.Announce != "" {
		return []string{meta.Announce}
	}
	return nil
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
