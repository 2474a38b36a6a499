// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifacts writes a run's on-disk evidence bundle: policy,
// scenario, numbered screen snapshots, the raw transcript, an
// observation log, the final run result, and a checksum manifest
// covering every other file. Every multi-write-call file (transcript,
// events log) is an append stream; every single-document file (policy,
// scenario, snapshots, the run result, the checksum manifest itself) is
// written to a temp name in the same directory and renamed into place,
// so a reader never observes a partially written JSON document.
package artifacts

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/runner"
	"github.com/opsconductor/conductor/scenario"
	"github.com/opsconductor/conductor/session"
	"github.com/opsconductor/conductor/terminal"
)

// CompressThreshold is the blob size, in bytes, above which a
// content-addressed blob is stored zstd-compressed rather than raw.
const CompressThreshold = 64 * 1024

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Dir is the run's own artifacts directory.
	Dir string
	// Overwrite permits reusing a pre-existing, non-empty Dir.
	Overwrite bool
	// BlobsDir, when set, is a directory shared across runs where large
	// transcript and snapshot payloads are additionally stored
	// content-addressed by their BLAKE3 hash, deduplicating identical
	// content across runs that share an artifacts root. The per-run
	// bundle layout below is unaffected either way.
	BlobsDir string
	// EncryptionKey, when set, must be exactly BlobKeySize bytes. Blobs
	// written to BlobsDir are then sealed with XChaCha20-Poly1305 under a
	// key derived per blob from this master key, since a transcript or
	// snapshot committed to a shared, cross-run store may capture
	// credentials the terminal echoed. Per-run artifacts (transcript.log,
	// snapshots/*.json, etc.) are unaffected: encryption is only ever
	// applied to the shared, deduplicated copy.
	EncryptionKey []byte

	// Logger for artifact bundle lifecycle events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

// Writer writes one run's artifact bundle.
type Writer struct {
	dir    string
	blob   *blobStore
	logger *slog.Logger

	mu         sync.Mutex
	transcript *os.File
	events     *os.File

	snapshotCount int
	checksums     map[string]string
}

// New creates the artifacts directory (or validates the existing one)
// and opens the transcript and events append streams.
func New(_ identity.RunID, config WriterConfig) (*Writer, *conderr.Error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	entries, statErr := os.ReadDir(config.Dir)
	exists := statErr == nil
	if exists && len(entries) > 0 && !config.Overwrite {
		return nil, conderr.New(conderr.CodeIO, "artifacts directory exists and overwrite is disabled").
			WithContext("reason", "artifacts_exists").
			WithContext("dir", config.Dir)
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, conderr.New(conderr.CodeIO, "failed to create artifacts directory").WithCause(err)
	}

	transcript, err := os.Create(filepath.Join(config.Dir, "transcript.log"))
	if err != nil {
		return nil, conderr.New(conderr.CodeIO, "failed to create transcript file").WithCause(err)
	}
	events, err := os.Create(filepath.Join(config.Dir, "events.jsonl"))
	if err != nil {
		transcript.Close()
		return nil, conderr.New(conderr.CodeIO, "failed to create events log").WithCause(err)
	}

	var blob *blobStore
	if config.BlobsDir != "" {
		if len(config.EncryptionKey) != 0 && len(config.EncryptionKey) != BlobKeySize {
			transcript.Close()
			events.Close()
			return nil, conderr.New(conderr.CodeProtocol, "artifacts encryption key has the wrong size").
				WithContext("reason", "invalid_key_size").
				WithContext("got_bytes", len(config.EncryptionKey)).
				WithContext("want_bytes", BlobKeySize)
		}
		blob = &blobStore{dir: config.BlobsDir, key: config.EncryptionKey, logger: logger}
	}

	logger.Debug("opened artifacts bundle", "dir", config.Dir, "blobs_dir", config.BlobsDir)

	return &Writer{
		dir:        config.Dir,
		blob:       blob,
		logger:     logger,
		transcript: transcript,
		events:     events,
		checksums:  make(map[string]string),
	}, nil
}

// WritePolicy writes policy.json.
func (w *Writer) WritePolicy(p policy.Policy) error { return w.writeJSON("policy.json", p) }

// WriteScenario writes scenario.json.
func (w *Writer) WriteScenario(s *scenario.Scenario) error { return w.writeJSON("scenario.json", s) }

// WriteRunResult writes run.json.
func (w *Writer) WriteRunResult(result *runner.RunResult) error {
	return w.writeJSON("run.json", result)
}

// NormalizationSource names where a run's replay normalization settings
// came from, recorded alongside the filters and rules actually applied.
type NormalizationSource string

const (
	NormalizationSourceNone   NormalizationSource = "none"
	NormalizationSourceDefault NormalizationSource = "default"
	NormalizationSourcePolicy NormalizationSource = "policy"
	NormalizationSourceCLI    NormalizationSource = "cli"
)

// NormalizationRecord captures which normalization filters and rules
// were in effect for a run, for later inspection alongside a replay.
type NormalizationRecord struct {
	NormalizationVersion uint32                        `json:"normalization_version"`
	Filters              []policy.NormalizationFilter  `json:"filters"`
	Rules                []policy.NormalizationRule    `json:"rules"`
	Strict               bool                          `json:"strict"`
	Source               NormalizationSource           `json:"source"`
}

// WriteNormalization writes normalization.json.
func (w *Writer) WriteNormalization(record *NormalizationRecord) error {
	return w.writeJSON("normalization.json", record)
}

// WriteSnapshot writes the next numbered snapshot file in capture order.
// When the Writer has a configured blob store, the snapshot's encoded
// bytes are additionally stored content-addressed for cross-run dedup.
func (w *Writer) WriteSnapshot(snapshot terminal.ScreenSnapshot) error {
	w.mu.Lock()
	w.snapshotCount++
	name := fmt.Sprintf("snapshots/%04d.json", w.snapshotCount)
	w.mu.Unlock()

	if w.blob != nil {
		if data, err := json.Marshal(snapshot); err == nil {
			_, _ = w.blob.put(data)
		}
	}
	return w.writeJSON(name, snapshot)
}

// WriteTranscript appends one observed byte delta to transcript.log.
func (w *Writer) WriteTranscript(delta string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.blob != nil && len(delta) > CompressThreshold {
		_, _ = w.blob.put([]byte(delta))
	}

	if _, err := w.transcript.WriteString(delta); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := w.transcript.Sync(); err != nil {
		return fmt.Errorf("flushing transcript: %w", err)
	}
	return w.recordChecksum("transcript.log")
}

// WriteObservation appends one observation as a JSON line to events.jsonl.
func (w *Writer) WriteObservation(observation *session.Observation) error {
	data, err := json.Marshal(observation)
	if err != nil {
		return fmt.Errorf("serializing observation: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.events.Write(data); err != nil {
		return fmt.Errorf("writing events log: %w", err)
	}
	if _, err := w.events.Write([]byte("\n")); err != nil {
		return fmt.Errorf("writing events log: %w", err)
	}
	if err := w.events.Sync(); err != nil {
		return fmt.Errorf("flushing events log: %w", err)
	}
	return w.recordChecksum("events.jsonl")
}

// WriteJSONLine appends value as one JSON line to a side-channel file
// under name, opening it append-only on first use. Used for artifacts
// the base bundle layout does not name directly, such as the driver
// loop's per-request action log.
func (w *Writer) WriteJSONLine(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serializing %s line: %w", name, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if _, err := file.Write([]byte("\n")); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("flushing %s: %w", name, err)
	}
	return w.recordChecksum(name)
}

// FlushChecksums writes checksums.json, the manifest covering every
// other artifact file written so far. Call this last.
func (w *Writer) FlushChecksums() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeChecksumsLocked(); err != nil {
		return err
	}
	w.logger.Debug("flushed artifact checksums", "dir", w.dir, "files", len(w.checksums))
	return nil
}

func (w *Writer) writeJSON(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", name, err)
	}

	path := filepath.Join(w.dir, name)
	if parent := filepath.Dir(path); parent != w.dir {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("creating artifacts subdirectory: %w", err)
		}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recordChecksum(name)
}

// recordChecksum hashes the named artifact file with FNV-1a and updates
// the in-memory manifest. Must be called with w.mu held.
func (w *Writer) recordChecksum(name string) error {
	if name == "checksums.json" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(w.dir, name))
	if err != nil {
		return fmt.Errorf("reading %s for checksum: %w", name, err)
	}
	w.checksums[name] = fnv1aHex(data)
	return w.writeChecksumsLocked()
}

// writeChecksumsLocked writes checksums.json. Must be called with w.mu held.
func (w *Writer) writeChecksumsLocked() error {
	data, err := json.MarshalIndent(w.checksums, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing checksums: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.dir, "checksums.json"), data)
}

// writeFileAtomic writes data to a temp file in path's directory, then
// renames it into place, so a concurrent reader never observes a
// partially written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// VerifyChecksums re-hashes every file listed in dir's checksums.json and
// reports a mismatch as a *conderr.Error. Used by package replay before
// trusting a baseline bundle as a comparison target.
func VerifyChecksums(dir string) *conderr.Error {
	data, err := os.ReadFile(filepath.Join(dir, "checksums.json"))
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to read checksums manifest").WithCause(err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(data, &manifest); err != nil {
		return conderr.New(conderr.CodeProtocol, "failed to parse checksums manifest").WithCause(err)
	}
	for name, want := range manifest {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return conderr.New(conderr.CodeIO, "artifact named in checksums manifest is missing").
				WithContext("file", name).WithCause(err)
		}
		if got := fnv1aHex(content); got != want {
			return conderr.New(conderr.CodeIO, "artifact checksum mismatch").
				WithContext("file", name).
				WithContext("expected", want).
				WithContext("actual", got)
		}
	}
	return nil
}

// fnv1aHex computes the 64-bit FNV-1a hash of data, formatted as 16
// lowercase hex digits, matching the reference implementation's own
// checksum manifest construction exactly (offset basis
// 0xcbf29ce484222325, prime 0x100000001b3).
func fnv1aHex(data []byte) string {
	const offsetBasis uint64 = 0xcbf29ce484222325
	const prime uint64 = 0x100000001b3

	hash := offsetBasis
	for _, b := range data {
		hash ^= uint64(b)
		hash *= prime
	}
	return fmt.Sprintf("%016x", hash)
}

// blobStore is a content-addressed store keyed by BLAKE3 hash, shared
// across runs that point their WriterConfig.BlobsDir at the same
// directory. It exists purely for transcript/snapshot deduplication
// across runs; it is never read from by Writer itself, only written to.
type blobStore struct {
	dir    string
	key    []byte
	logger *slog.Logger
	mu     sync.Mutex
}

// put stores data under its BLAKE3 hash, compressing it with zstd first
// when it exceeds CompressThreshold and encrypting it when the store
// carries a key. A blob that already exists on disk is left untouched:
// put is idempotent and the common case when the same transcript or
// snapshot recurs across runs.
func (b *blobStore) put(data []byte) (string, error) {
	sum := blake3.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	b.mu.Lock()
	defer b.mu.Unlock()

	subdir := filepath.Join(b.dir, hash[:2])
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return "", fmt.Errorf("creating blob subdirectory: %w", err)
	}

	payload := data
	name := hash
	if len(data) > CompressThreshold {
		if compressed, err := compressZstd(data); err == nil {
			payload = compressed
			name = hash + ".zst"
		}
		// On compression failure, fall through and store the raw bytes
		// under the uncompressed name instead of losing the blob.
	}

	if len(b.key) == BlobKeySize {
		var contentHash [32]byte
		copy(contentHash[:], sum[:])
		sealed, err := encryptBlob(payload, b.key, contentHash)
		if err != nil {
			return "", fmt.Errorf("encrypting blob: %w", err)
		}
		payload = sealed
		name += ".enc"
	}

	path := filepath.Join(subdir, name)
	if _, err := os.Stat(path); err == nil {
		b.logger.Debug("blob already present", "hash", hash)
		return hash, nil // already present; nothing to do.
	}
	if err := writeFileAtomic(path, payload); err != nil {
		return "", err
	}
	b.logger.Debug("stored blob", "hash", hash, "bytes", len(payload), "encrypted", len(b.key) == BlobKeySize)
	return hash, nil
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}
