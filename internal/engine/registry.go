package engine

import (
	"sync"

	"btclient/internal/inbound"
)

// Registry maps info_hash to the running Engine for that torrent, so a
// single inbound.Listener can serve every torrent this process is
// handling. It satisfies inbound.Registry.
type Registry struct {
	mu     sync.RWMutex
	byHash map[[20]byte]*Engine
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byHash: make(map[[20]byte]*Engine)}
}

// Add registers e under its own info_hash, replacing whatever was
// previously registered there.
func (r *Registry) Add(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash[e.InfoHash()] = e
}

// Remove drops a torrent from dispatch, typically once it has been
// closed.
func (r *Registry) Remove(infoHash [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHash, infoHash)
}

// Lookup satisfies inbound.Registry.
func (r *Registry) Lookup(infoHash [20]byte) (inbound.TorrentHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHash[infoHash]
	return e, ok
}
