package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/storage"
)

const spoolSuffix = ".pkt"

// FileSpool is a PacketStore over a flat directory: one zstd-compressed wire
// frame per packet, named by the packet ID in hex. Writes go through a
// temporary file and a rename, so a crash never leaves a half-written frame
// under a final name. The in-memory index is rebuilt from a directory scan
// at open; files that fail to decode are removed then.
type FileSpool[I identity.Peer] struct {
	dir    string
	decode identity.Decoder[I]
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	mu     sync.RWMutex
	index  map[packet.ID]string
	byDest map[string]map[packet.ID]struct{}
}

func OpenSpool[I identity.Peer](dir string, decode identity.Decoder[I]) (*FileSpool[I], error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: creating spool directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("store: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("store: creating zstd decoder: %w", err)
	}

	s := &FileSpool[I]{
		dir:    dir,
		decode: decode,
		enc:    enc,
		dec:    dec,
		index:  make(map[packet.ID]string),
		byDest: make(map[string]map[packet.ID]struct{}),
	}
	if err := s.loadExisting(); err != nil {
		s.Close()
		return nil, err
	}

	debug.Log(debug.DEBUG_INFO, "Opened packet spool", "dir", dir, "packets", len(s.index))
	return s, nil
}

func (s *FileSpool[I]) Close() {
	s.enc.Close()
	s.dec.Close()
}

func (s *FileSpool[I]) loadExisting() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("store: reading spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), spoolSuffix) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		p, err := s.readFrame(path)
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "Removing corrupted spool file", "file", entry.Name(), "error", err)
			_ = os.Remove(path)
			continue
		}
		s.indexPacket(p, entry.Name())
	}
	return nil
}

func (s *FileSpool[I]) readFrame(path string) (*packet.Packet[I], error) {
	raw, err := os.ReadFile(path) // #nosec G304 - reading from controlled directory
	if err != nil {
		return nil, err
	}
	frame, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDeserialization, err)
	}
	decoded, err := packet.UnmarshalFrame(frame, s.decode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDeserialization, err)
	}
	if decoded.Kind != packet.KindPacket || decoded.Packet == nil {
		return nil, fmt.Errorf("%w: spool file is not a packet frame", storage.ErrDeserialization)
	}
	return decoded.Packet, nil
}

// indexPacket must run with the write lock held or before the spool is
// shared.
func (s *FileSpool[I]) indexPacket(p *packet.Packet[I], name string) {
	s.index[p.ID] = name
	key := string(p.Destination.AsBytes())
	ids, ok := s.byDest[key]
	if !ok {
		ids = make(map[packet.ID]struct{})
		s.byDest[key] = ids
	}
	ids[p.ID] = struct{}{}
}

func (s *FileSpool[I]) Store(p *packet.Packet[I]) error {
	frame, err := packet.MarshalPacket(p)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSerialization, err)
	}
	compressed := s.enc.EncodeAll(frame, nil)

	name := idHex(p.ID) + spoolSuffix
	outPath := filepath.Join(s.dir, name+".out")
	finalPath := filepath.Join(s.dir, name)

	if err := os.WriteFile(outPath, compressed, 0600); err != nil {
		return fmt.Errorf("store: writing spool file: %w", err)
	}
	if err := os.Rename(outPath, finalPath); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("store: moving spool file: %w", err)
	}

	s.mu.Lock()
	s.indexPacket(p.Clone(), name)
	s.mu.Unlock()

	debug.Log(debug.DEBUG_TRACE, "Spooled packet", "packet", p.ID.String(), "bytes", len(compressed))
	return nil
}

func (s *FileSpool[I]) Get(id packet.ID) (*packet.Packet[I], error) {
	s.mu.RLock()
	name, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrPacketNotFound
	}
	p, err := s.readFrame(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("store: reading spool file: %w", err)
	}
	return p, nil
}

func (s *FileSpool[I]) Delete(id packet.ID) error {
	s.mu.Lock()
	name, ok := s.index[id]
	if ok {
		delete(s.index, id)
		for key, ids := range s.byDest {
			if _, hit := ids[id]; hit {
				delete(ids, id)
				if len(ids) == 0 {
					delete(s.byDest, key)
				}
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: removing spool file: %w", err)
	}
	return nil
}

func (s *FileSpool[I]) ForDestination(dest I) ([]*packet.Packet[I], error) {
	key := string(dest.AsBytes())

	s.mu.RLock()
	ids := make([]packet.ID, 0, len(s.byDest[key]))
	for id := range s.byDest[key] {
		ids = append(ids, id)
	}
	names := make([]string, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for i, id := range ids {
		names[i] = s.index[id]
	}
	s.mu.RUnlock()

	out := make([]*packet.Packet[I], 0, len(ids))
	for i, id := range ids {
		p, err := s.readFrame(filepath.Join(s.dir, names[i]))
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "Skipping unreadable spool file", "packet", id.String(), "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *FileSpool[I]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

var _ storage.PacketStore[identity.Key] = (*FileSpool[identity.Key])(nil)
