package download

import (
	"btclient/internal/bitfield"
	"btclient/internal/peer"
	"btclient/internal/wire"
)

// observerAdapter implements peer.Observer and SegmentObserver by
// translating every callback into an event enqueued on the owning
// TorrentDownloader's actor channel (or, for the two SegmentObserver
// methods, a direct call — those already run on the actor goroutine
// since Finish is only ever invoked from onBlockReceived).
type observerAdapter TorrentDownloader

func (a *observerAdapter) td() *TorrentDownloader { return (*TorrentDownloader)(a) }

func (a *observerAdapter) OnBitfieldReceived(c *peer.Conn, bf bitfield.Bitfield) {
	a.td().events <- event{kind: evBitfieldReceived, conn: c, bf: bf}
}

func (a *observerAdapter) OnHaveObserved(c *peer.Conn, index int) {
	a.td().events <- event{kind: evHaveObserved, conn: c, index: index}
}

func (a *observerAdapter) OnChokeChanged(c *peer.Conn, choked bool) {}

func (a *observerAdapter) OnInterestedChanged(c *peer.Conn, interested bool) {}

func (a *observerAdapter) OnBlockRequested(c *peer.Conn, index int, begin, length int64) {
	a.td().events <- event{kind: evBlockRequested, conn: c, index: index, begin: begin, length: length}
}

func (a *observerAdapter) OnBlockReceived(c *peer.Conn, index int, begin int64, data []byte) {
	a.td().events <- event{kind: evBlockReceived, conn: c, index: index, begin: begin, data: data}
}

func (a *observerAdapter) OnBlockCancelled(c *peer.Conn, index int, begin, length int64) {}

func (a *observerAdapter) OnClosed(c *peer.Conn, err error) {
	a.td().events <- event{kind: evPeerDead, conn: c, err: err}
}

func (a *observerAdapter) OnSegmentSuccess(segmentID int) {
	a.td().onSegmentSuccess(segmentID)
}

func (a *observerAdapter) OnSegmentFailed(segmentID int, err error) {
	a.td().onSegmentFailed(segmentID, err)
}

func pieceMessage(index int, begin int64, data []byte) wire.Message {
	return wire.Message{Kind: wire.Piece, Index: uint32(index), Begin: uint32(begin), Block: data}
}

func haveMessage(index int) wire.Message {
	return wire.Message{Kind: wire.Have, Index: uint32(index)}
}
