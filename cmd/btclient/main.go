// Command btclient is a BitTorrent download/seed client: point it at a
// .torrent file and it resumes whatever is already on disk, announces
// to every tracker the file names, and drives the swarm until the
// download completes (or, for seed, indefinitely).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
