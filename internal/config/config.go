// Package config centralizes every numeric default (timeouts, caps)
// so they are loaded once via flags/env instead of being hardcoded
// inline at each call site. Loading goes through spf13/pflag +
// spf13/viper.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Engine holds every tunable timeout and resource cap the download
// engine needs at runtime.
type Engine struct {
	// Timeouts.
	BlockRequestTimeout    time.Duration
	UnchokeWatchdog        time.Duration
	TrackerHTTPTimeout     time.Duration
	TrackerRetryBackoff    time.Duration
	TrackerMinRefresh      time.Duration
	DialTimeout            time.Duration
	InboundHandshakeReadTO time.Duration

	// Caps.
	MaxActivePeers       int
	MaxConcurrentSegs    int
	MaxPendingBlocks     int
	MinPeersPerSegment   int
	MaxPeersPerSegment   int
	StrikeThreshold      int
	OpenFileLRUSize      int
	MaxUDPTrackerRetries int

	// Ambient.
	ListenPort      uint16
	DispatchTick    time.Duration
	SchedulerTick   time.Duration
	PeerSweepTick   time.Duration
	RefreshLoopTick time.Duration
}

// Default returns the configuration used when nothing else is
// supplied.
func Default() Engine {
	return Engine{
		BlockRequestTimeout:    2 * time.Second,
		UnchokeWatchdog:        10 * time.Second,
		TrackerHTTPTimeout:     10 * time.Second,
		TrackerRetryBackoff:    10 * time.Second,
		TrackerMinRefresh:      60 * time.Second,
		DialTimeout:            5 * time.Second,
		InboundHandshakeReadTO: 5 * time.Second,

		MaxActivePeers:       50,
		MaxConcurrentSegs:    5,
		MaxPendingBlocks:     5,
		MinPeersPerSegment:   1,
		MaxPeersPerSegment:   2,
		StrikeThreshold:      5,
		OpenFileLRUSize:      10,
		MaxUDPTrackerRetries: 8,

		ListenPort:      6881,
		DispatchTick:    50 * time.Millisecond,
		SchedulerTick:   200 * time.Millisecond,
		PeerSweepTick:   1 * time.Second,
		RefreshLoopTick: time.Second,
	}
}

// RegisterFlags wires the engine defaults onto a pflag.FlagSet the way
// cmd/btclient's cobra commands expose them, and binds the same names
// into viper so BTCLIENT_* env vars can override them. No config file
// is read.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) *Engine {
	d := Default()

	fs.Duration("block-timeout", d.BlockRequestTimeout, "per-block request deadline before it reverts to missing")
	fs.Duration("unchoke-watchdog", d.UnchokeWatchdog, "time to wait for an unchoke after becoming interested")
	fs.Duration("tracker-http-timeout", d.TrackerHTTPTimeout, "HTTP tracker request timeout")
	fs.Duration("tracker-retry-backoff", d.TrackerRetryBackoff, "UDP tracker retry backoff base")
	fs.Int("max-active-peers", d.MaxActivePeers, "maximum active peer connections per torrent")
	fs.Int("max-concurrent-segments", d.MaxConcurrentSegs, "maximum concurrently in-flight segment downloads")
	fs.Int("max-pending-blocks", d.MaxPendingBlocks, "maximum in-flight blocks per segment download")
	fs.Int("strike-threshold", d.StrikeThreshold, "per-peer strike count before eviction from a segment download")
	fs.Int("open-file-lru", d.OpenFileLRUSize, "open file descriptor cache size")
	fs.Uint16("listen-port", d.ListenPort, "inbound TCP port for incoming peer connections")

	v.BindPFlags(fs)

	return &d
}

// FromViper materializes an Engine config from a bound viper instance,
// falling back to Default() for anything not set.
func FromViper(v *viper.Viper) Engine {
	e := Default()
	if v == nil {
		return e
	}
	if v.IsSet("block-timeout") {
		e.BlockRequestTimeout = v.GetDuration("block-timeout")
	}
	if v.IsSet("unchoke-watchdog") {
		e.UnchokeWatchdog = v.GetDuration("unchoke-watchdog")
	}
	if v.IsSet("tracker-http-timeout") {
		e.TrackerHTTPTimeout = v.GetDuration("tracker-http-timeout")
	}
	if v.IsSet("tracker-retry-backoff") {
		e.TrackerRetryBackoff = v.GetDuration("tracker-retry-backoff")
	}
	if v.IsSet("max-active-peers") {
		e.MaxActivePeers = v.GetInt("max-active-peers")
	}
	if v.IsSet("max-concurrent-segments") {
		e.MaxConcurrentSegs = v.GetInt("max-concurrent-segments")
	}
	if v.IsSet("max-pending-blocks") {
		e.MaxPendingBlocks = v.GetInt("max-pending-blocks")
	}
	if v.IsSet("strike-threshold") {
		e.StrikeThreshold = v.GetInt("strike-threshold")
	}
	if v.IsSet("open-file-lru") {
		e.OpenFileLRUSize = v.GetInt("open-file-lru")
	}
	if v.IsSet("listen-port") {
		e.ListenPort = uint16(v.GetUint32("listen-port"))
	}
	return e
}
