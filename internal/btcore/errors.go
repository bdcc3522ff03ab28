// Package btcore holds the error taxonomy shared across the download
// engine: transient I/O, protocol violations, integrity failures, and
// resource exhaustion. Components wrap these sentinels with
// fmt.Errorf("...: %w", ...) so callers can still errors.Is/errors.As
// across package boundaries.
package btcore

import "errors"

// Transient I/O: the caller should drop the peer/tracker and move on,
// nothing propagates above the torrent downloader.
var ErrTransient = errors.New("transient i/o error")

// Protocol violation: bad handshake magic, bad frame length, or any
// other well-framed-but-invalid message. Closes the connection.
var ErrProtocolViolation = errors.New("peer protocol violation")

// Integrity failure: an assembled segment's SHA-1 did not match the
// metainfo hash. The segment is re-enqueued, no peer is blamed.
var ErrIntegrity = errors.New("segment integrity check failed")

// Resource exhaustion: fatal at startup (no usable trackers, cannot
// preallocate files, out of file descriptors). The engine does not
// attempt recovery; it surfaces this to the caller.
var ErrResourceExhausted = errors.New("resource exhaustion")

// ErrQueueEmpty is returned by piece.RarityQueue.Pop on an empty queue;
// it is a distinguished error, not a sentinel zero value.
var ErrQueueEmpty = errors.New("priority queue is empty")
