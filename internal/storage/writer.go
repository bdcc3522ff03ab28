// Package storage maps a torrent's segment-addressed byte stream onto
// the one or more files its metainfo describes, preallocating them up
// front and keeping only a bounded number of file descriptors open at
// once.
package storage

import (
	"container/list"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"btclient/internal/metainfo"
	"btclient/internal/piece"
)

// fileSpan is one file's placement within the concatenated torrent
// byte stream.
type fileSpan struct {
	path   string
	offset int64 // start offset within the concatenated stream
	length int64
}

// Writer implements download.FileWriter (and the read side needed to
// serve upload requests) over a torrent's on-disk file layout. It is
// safe for concurrent use.
type Writer struct {
	spans  []fileSpan
	layout piece.Layout
	log    *slog.Logger

	mu      sync.Mutex
	handles map[string]*os.File
	lru     *list.List
	lruElem map[string]*list.Element
	lruCap  int

	fileMu map[string]*sync.Mutex
}

// NewWriter preallocates every file named by m under root (creating
// directories as needed) and returns a Writer ready to accept segment
// writes. openFileLRUCap bounds how many file descriptors stay open at
// once; least-recently-used files are closed first.
func NewWriter(root string, m *metainfo.Metainfo, layout piece.Layout, openFileLRUCap int, log *slog.Logger) (*Writer, error) {
	spans, err := buildSpans(root, m)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		spans:   spans,
		layout:  layout,
		log:     log,
		handles: make(map[string]*os.File),
		lru:     list.New(),
		lruElem: make(map[string]*list.Element),
		lruCap:  openFileLRUCap,
		fileMu:  make(map[string]*sync.Mutex),
	}
	for _, s := range spans {
		w.fileMu[s.path] = &sync.Mutex{}
	}

	if err := w.preallocate(); err != nil {
		return nil, err
	}
	return w, nil
}

func buildSpans(root string, m *metainfo.Metainfo) ([]fileSpan, error) {
	if len(m.Info.Files) == 0 {
		return []fileSpan{{path: filepath.Join(root, m.Info.Name), offset: 0, length: m.Info.Length}}, nil
	}

	spans := make([]fileSpan, 0, len(m.Info.Files))
	var offset int64
	for _, f := range m.Info.Files {
		parts := append([]string{root, m.Info.Name}, f.Path...)
		spans = append(spans, fileSpan{path: filepath.Join(parts...), offset: offset, length: f.Length})
		offset += f.Length
	}
	return spans, nil
}

func (w *Writer) preallocate() error {
	for _, s := range w.spans {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("storage: creating directory for %q: %w", s.path, err)
		}
		f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("storage: opening %q: %w", s.path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("storage: stat %q: %w", s.path, err)
		}
		if info.Size() < s.length {
			if err := f.Truncate(s.length); err != nil {
				f.Close()
				return fmt.Errorf("storage: preallocating %q to %d bytes: %w", s.path, s.length, err)
			}
		}
		f.Close()
	}
	return nil
}

// handle returns an open *os.File for path, opening it if necessary
// and evicting the least-recently-used handle if the cache is full.
func (w *Writer) handle(path string) (*os.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f, ok := w.handles[path]; ok {
		w.lru.MoveToFront(w.lruElem[path])
		return f, nil
	}

	if w.lru.Len() >= w.lruCap {
		back := w.lru.Back()
		if back != nil {
			evictPath := back.Value.(string)
			// Evicting path is always different from the one being
			// opened here (an already-open path returns above without
			// reaching eviction), so taking its file mutex cannot
			// deadlock against the caller's own lock on path's mutex.
			// It does serialize the close against any writeAt/readAt
			// on evictPath still in flight, which holds that mutex
			// across its WriteAt/ReadAt call without holding w.mu.
			if evictMu, ok := w.fileMu[evictPath]; ok {
				evictMu.Lock()
				if f, ok := w.handles[evictPath]; ok {
					f.Close()
				}
				evictMu.Unlock()
			} else if f, ok := w.handles[evictPath]; ok {
				f.Close()
			}
			delete(w.handles, evictPath)
			delete(w.lruElem, evictPath)
			w.lru.Remove(back)
			if w.log != nil {
				w.log.Debug("evicted file handle", "path", evictPath)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: reopening %q: %w", path, err)
	}
	w.handles[path] = f
	w.lruElem[path] = w.lru.PushFront(path)
	return f, nil
}

// WriteSegment writes a verified segment's bytes at their global
// offset, splitting the write across file boundaries as needed.
func (w *Writer) WriteSegment(segmentID int, offset int64, data []byte) error {
	return w.writeAt(offset, data)
}

// ReadBlock reads length bytes starting at begin within segmentID,
// used to serve upload requests.
func (w *Writer) ReadBlock(segmentID int, begin int64, length int64) ([]byte, error) {
	global := w.layout.SegmentOffset(segmentID) + begin
	buf := make([]byte, length)
	if err := w.readAt(global, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (w *Writer) writeAt(globalOffset int64, data []byte) error {
	remaining := data
	pos := globalOffset
	for len(remaining) > 0 {
		span, local, ok := w.locate(pos)
		if !ok {
			return fmt.Errorf("storage: offset %d out of range", pos)
		}
		n := int64(len(remaining))
		if maxInSpan := span.length - local; n > maxInSpan {
			n = maxInSpan
		}
		w.fileMu[span.path].Lock()
		f, err := w.handle(span.path)
		if err == nil {
			_, err = f.WriteAt(remaining[:n], local)
		}
		w.fileMu[span.path].Unlock()
		if err != nil {
			return fmt.Errorf("storage: writing to %q at %d: %w", span.path, local, err)
		}
		remaining = remaining[n:]
		pos += n
	}
	return nil
}

func (w *Writer) readAt(globalOffset int64, buf []byte) error {
	remaining := buf
	pos := globalOffset
	for len(remaining) > 0 {
		span, local, ok := w.locate(pos)
		if !ok {
			return fmt.Errorf("storage: offset %d out of range", pos)
		}
		n := int64(len(remaining))
		if maxInSpan := span.length - local; n > maxInSpan {
			n = maxInSpan
		}
		w.fileMu[span.path].Lock()
		f, err := w.handle(span.path)
		if err == nil {
			_, err = f.ReadAt(remaining[:n], local)
		}
		w.fileMu[span.path].Unlock()
		if err != nil {
			return fmt.Errorf("storage: reading from %q at %d: %w", span.path, local, err)
		}
		remaining = remaining[n:]
		pos += n
	}
	return nil
}

func (w *Writer) locate(globalOffset int64) (fileSpan, int64, bool) {
	for _, s := range w.spans {
		if globalOffset >= s.offset && globalOffset < s.offset+s.length {
			return s, globalOffset - s.offset, true
		}
	}
	return fileSpan{}, 0, false
}

// Close releases every open file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for path, f := range w.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.handles, path)
	}
	return firstErr
}

// CheckSegment hashes the bytes already on disk at the given global
// offset/length and reports whether they match expected, used for the
// resume scan.
func (w *Writer) CheckSegment(offset, length int64, expected [20]byte) (bool, error) {
	buf := make([]byte, length)
	if err := w.readAt(offset, buf); err != nil {
		return false, err
	}
	return sha1.Sum(buf) == expected, nil
}
