// Package snapshot implements the Snapshot Manager: compact captures of
// materialized state at a given (term, index), installed atomically and
// used to truncate the log prefix and catch up desynced followers.
package snapshot

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/lithair/lithair/internal/eventlog"
	"github.com/lithair/lithair/internal/lerrors"
	"github.com/lithair/lithair/internal/schema"
	"github.com/lithair/lithair/internal/state"
)

// header is the fixed portion of a `.snap` file.
type header struct {
	LastIndex     uint64 `json:"last_index"`
	LastTerm      uint64 `json:"last_term"`
	Size          uint64 `json:"size"`
	CRC32         uint32 `json:"crc32"`
	SchemaVersion uint32 `json:"schema_version"` // highest model version included
}

// payload is the compressed document following the header: full per-model
// state plus enough metadata to validate and rebuild indexes on install.
type payload struct {
	Models         map[string][]*state.Record `json:"models"`
	ModelSpecs     map[string]*schema.Model   `json:"model_specs"`
	ChainChecksums map[string]uint32          `json:"chain_checksums"` // aggregate -> last event crc32 included
}

// Manager produces and installs snapshots for one node's data directory.
type Manager struct {
	dir      string
	log      *logrus.Entry
	engine   *state.Engine
	registry *schema.Registry
}

func New(dataDir string, engine *state.Engine, registry *schema.Registry, log *logrus.Entry) (*Manager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "create snapshot dir", err)
	}
	return &Manager{dir: dir, log: log, engine: engine, registry: registry}, nil
}

// Produce captures the engine's full current state at (lastIndex, lastTerm),
// compresses it with zstd, and installs it atomically (temp file, fsync,
// rename) at snapshots/<lastIndex>.snap.
func (m *Manager) Produce(lastIndex, lastTerm uint64, logs map[string]*eventlog.Log) (string, error) {
	pl := payload{
		Models:         map[string][]*state.Record{},
		ModelSpecs:     map[string]*schema.Model{},
		ChainChecksums: map[string]uint32{},
	}

	var highestVersion uint32
	for _, model := range m.engine.Models() {
		pl.Models[model] = m.engine.Scan(model)
		if spec, ok := m.registry.Stored(model); ok {
			pl.ModelSpecs[model] = spec
			if uint32(spec.Version) > highestVersion {
				highestVersion = uint32(spec.Version)
			}
		}
	}
	for aggregate, l := range logs {
		if last := l.LastSequence(); last >= 0 {
			cur, err := l.Scan(uint64(last))
			if err == nil {
				if e, ok, _ := cur.Next(); ok {
					pl.ChainChecksums[aggregate] = e.CRC
				}
				cur.Close()
			}
		}
	}

	body, err := json.Marshal(pl)
	if err != nil {
		return "", lerrors.Wrap(lerrors.IO, "encode snapshot payload", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", lerrors.Wrap(lerrors.IO, "init zstd encoder", err)
	}
	compressed := enc.EncodeAll(body, nil)
	enc.Close()

	hdr := header{
		LastIndex:     lastIndex,
		LastTerm:      lastTerm,
		Size:          uint64(len(compressed)),
		CRC32:         crc32Of(compressed),
		SchemaVersion: highestVersion,
	}

	path := filepath.Join(m.dir, fmt.Sprintf("%020d.snap", lastIndex))
	if err := writeAtomic(path, hdr, compressed); err != nil {
		return "", err
	}
	return path, nil
}

// Install reads a snapshot file and, model by model, installs each stored
// spec into the registry and replaces that model's engine state in one
// atomic publish. Models absent from the snapshot are left as they are, and
// the install as a whole is not atomic across models. The caller is responsible for
// truncating the log prefix and updating node state afterward.
func (m *Manager) Install(path string) (lastIndex, lastTerm uint64, err error) {
	hdr, compressed, err := readFile(path)
	if err != nil {
		return 0, 0, err
	}
	if crc32Of(compressed) != hdr.CRC32 {
		return 0, 0, lerrors.New(lerrors.Integrity, "snapshot payload checksum mismatch")
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return 0, 0, lerrors.Wrap(lerrors.IO, "init zstd decoder", err)
	}
	defer dec.Close()
	body, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return 0, 0, lerrors.Wrap(lerrors.Integrity, "decompress snapshot", err)
	}

	var pl payload
	if err := json.Unmarshal(body, &pl); err != nil {
		return 0, 0, lerrors.Wrap(lerrors.Integrity, "decode snapshot payload", err)
	}

	for model, spec := range pl.ModelSpecs {
		if err := m.registry.InstallCommittedSpec(spec); err != nil {
			return 0, 0, err
		}
		records := pl.Models[model]
		if err := m.engine.InstallSnapshot(spec, records); err != nil {
			return 0, 0, err
		}
	}

	return hdr.LastIndex, hdr.LastTerm, nil
}

// Latest returns the path of the most recently produced snapshot, if any.
func (m *Manager) Latest() (string, bool) {
	entries, err := os.ReadDir(m.dir)
	if err != nil || len(entries) == 0 {
		return "", false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".snap") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return filepath.Join(m.dir, names[len(names)-1]), true
}

// ShouldProduce reports whether entriesSinceLastSnapshot has crossed
// threshold.
func ShouldProduce(entriesSinceLastSnapshot uint64, threshold uint64) bool {
	return entriesSinceLastSnapshot >= threshold
}

func writeAtomic(path string, hdr header, compressed []byte) error {
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "encode snapshot header", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "create snapshot temp file", err)
	}

	var lenBuf [8]byte
	putUint64(lenBuf[:], uint64(len(hdrBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		f.Close()
		return lerrors.Wrap(lerrors.IO, "write snapshot header length", err)
	}
	if _, err := f.Write(hdrBytes); err != nil {
		f.Close()
		return lerrors.Wrap(lerrors.IO, "write snapshot header", err)
	}
	if _, err := f.Write(compressed); err != nil {
		f.Close()
		return lerrors.Wrap(lerrors.IO, "write snapshot payload", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return lerrors.Wrap(lerrors.IO, "fsync snapshot", err)
	}
	if err := f.Close(); err != nil {
		return lerrors.Wrap(lerrors.IO, "close snapshot temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return lerrors.Wrap(lerrors.IO, "install snapshot", err)
	}
	return nil
}

func readFile(path string) (header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return header{}, nil, lerrors.Wrap(lerrors.IO, "open snapshot", err)
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return header{}, nil, lerrors.Wrap(lerrors.IO, "read snapshot header length", err)
	}
	hdrLen := getUint64(lenBuf[:])
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(f, hdrBytes); err != nil {
		return header{}, nil, lerrors.Wrap(lerrors.IO, "read snapshot header", err)
	}
	var hdr header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return header{}, nil, lerrors.Wrap(lerrors.Integrity, "decode snapshot header", err)
	}
	rest, err := io.ReadAll(f)
	if err != nil {
		return header{}, nil, lerrors.Wrap(lerrors.IO, "read snapshot payload", err)
	}
	return hdr, rest, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// ParseIndexFromName extracts the last-included index from a snapshot
// filename, used by the admin seam's status listing.
func ParseIndexFromName(name string) (uint64, error) {
	base := strings.TrimSuffix(filepath.Base(name), ".snap")
	return strconv.ParseUint(base, 10, 64)
}
