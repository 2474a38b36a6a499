// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/scenario"
	"github.com/opsconductor/conductor/terminal"
)

func fakeSnapshot() terminal.ScreenSnapshot {
	return terminal.ScreenSnapshot{Rows: 24, Cols: 80, Lines: []string{"$ "}}
}

func TestNewCreatesDirectoryAndStreams(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundle")
	w, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir})
	if cerr != nil {
		t.Fatalf("New: %v", cerr)
	}
	defer w.transcript.Close()
	defer w.events.Close()

	for _, name := range []string{"transcript.log", "events.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}

func TestNewRefusesNonEmptyDirWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stale.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed dir: %v", err)
	}

	if _, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir}); cerr == nil {
		t.Fatal("expected New to refuse a non-empty directory")
	}

	if _, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir, Overwrite: true}); cerr != nil {
		t.Fatalf("expected New to accept the same directory with Overwrite: %v", cerr)
	}
}

func TestWritePolicyScenarioAndRunResultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir})
	if cerr != nil {
		t.Fatalf("New: %v", cerr)
	}

	p := policy.Default()
	if err := w.WritePolicy(p); err != nil {
		t.Fatalf("WritePolicy: %v", err)
	}

	s := &scenario.Scenario{ScenarioVersion: scenario.ScenarioVersion, Metadata: scenario.Metadata{Name: "smoke"}}
	if err := w.WriteScenario(s); err != nil {
		t.Fatalf("WriteScenario: %v", err)
	}

	var readBack policy.Policy
	data, err := os.ReadFile(filepath.Join(dir, "policy.json"))
	if err != nil {
		t.Fatalf("read policy.json: %v", err)
	}
	if err := json.Unmarshal(data, &readBack); err != nil {
		t.Fatalf("unmarshal policy.json: %v", err)
	}
	if readBack.Sandbox != p.Sandbox {
		t.Errorf("Sandbox = %q, want %q", readBack.Sandbox, p.Sandbox)
	}
}

func TestWriteSnapshotNumbersSequentially(t *testing.T) {
	dir := t.TempDir()
	w, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir})
	if cerr != nil {
		t.Fatalf("New: %v", cerr)
	}

	for i := 0; i < 3; i++ {
		if err := w.WriteSnapshot(fakeSnapshot()); err != nil {
			t.Fatalf("WriteSnapshot #%d: %v", i, err)
		}
	}

	for _, name := range []string{"0001.json", "0002.json", "0003.json"} {
		if _, err := os.Stat(filepath.Join(dir, "snapshots", name)); err != nil {
			t.Errorf("expected snapshots/%s to exist: %v", name, err)
		}
	}
}

func TestFlushChecksumsCoversWrittenFiles(t *testing.T) {
	dir := t.TempDir()
	w, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir})
	if cerr != nil {
		t.Fatalf("New: %v", cerr)
	}

	if err := w.WritePolicy(policy.Default()); err != nil {
		t.Fatalf("WritePolicy: %v", err)
	}
	if err := w.WriteTranscript("hello\r\n"); err != nil {
		t.Fatalf("WriteTranscript: %v", err)
	}
	if err := w.FlushChecksums(); err != nil {
		t.Fatalf("FlushChecksums: %v", err)
	}

	if cerr := VerifyChecksums(dir); cerr != nil {
		t.Fatalf("VerifyChecksums: %v", cerr)
	}
}

func TestVerifyChecksumsDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	w, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir})
	if cerr != nil {
		t.Fatalf("New: %v", cerr)
	}
	if err := w.WriteTranscript("original\r\n"); err != nil {
		t.Fatalf("WriteTranscript: %v", err)
	}
	if err := w.FlushChecksums(); err != nil {
		t.Fatalf("FlushChecksums: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "transcript.log"), []byte("tampered\r\n"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if cerr := VerifyChecksums(dir); cerr == nil {
		t.Fatal("expected VerifyChecksums to detect the modified transcript")
	}
}

func TestWriteJSONLineAppendsAndTracksChecksum(t *testing.T) {
	dir := t.TempDir()
	w, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir})
	if cerr != nil {
		t.Fatalf("New: %v", cerr)
	}

	if err := w.WriteJSONLine("driver-actions.jsonl", map[string]any{"sequence": 1}); err != nil {
		t.Fatalf("WriteJSONLine: %v", err)
	}
	if err := w.WriteJSONLine("driver-actions.jsonl", map[string]any{"sequence": 2}); err != nil {
		t.Fatalf("WriteJSONLine: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "driver-actions.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := splitLines(string(data))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
}

func TestNewRejectsWrongSizedEncryptionKey(t *testing.T) {
	dir := t.TempDir()
	blobsDir := t.TempDir()
	if _, cerr := New(identity.NewRunID(), WriterConfig{
		Dir:           dir,
		BlobsDir:      blobsDir,
		EncryptionKey: []byte("too-short"),
	}); cerr == nil {
		t.Fatal("expected New to reject a malformed encryption key")
	}
}

func TestWriteTranscriptEncryptsSharedBlobs(t *testing.T) {
	dir := t.TempDir()
	blobsDir := t.TempDir()

	key := make([]byte, BlobKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	w, cerr := New(identity.NewRunID(), WriterConfig{Dir: dir, BlobsDir: blobsDir, EncryptionKey: key})
	if cerr != nil {
		t.Fatalf("New: %v", cerr)
	}

	plaintext := strings.Repeat("secret output\r\n", 8000) // exceed CompressThreshold
	if err := w.WriteTranscript(plaintext); err != nil {
		t.Fatalf("WriteTranscript: %v", err)
	}

	var encPath string
	err := filepath.Walk(blobsDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr == nil && strings.HasSuffix(path, ".enc") {
			encPath = path
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk blobs dir: %v", err)
	}
	if encPath == "" {
		t.Fatal("expected an encrypted blob file under the shared blobs dir")
	}

	sealed, err := os.ReadFile(encPath)
	if err != nil {
		t.Fatalf("read sealed blob: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret output")) {
		t.Fatal("blob on disk contains plaintext; encryption did not apply")
	}
}

func TestEncryptDecryptBlobRoundTrip(t *testing.T) {
	key := make([]byte, BlobKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var hash [32]byte
	copy(hash[:], []byte("0123456789abcdef0123456789abcdef"))

	plaintext := []byte("a terminal transcript containing a password=hunter2")
	sealed, err := encryptBlob(plaintext, key, hash)
	if err != nil {
		t.Fatalf("encryptBlob: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed blob contains the plaintext verbatim")
	}

	opened, err := decryptBlob(sealed, key, hash)
	if err != nil {
		t.Fatalf("decryptBlob: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestDecryptBlobRejectsWrongContentHash(t *testing.T) {
	key := make([]byte, BlobKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var hash, wrongHash [32]byte
	copy(hash[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(wrongHash[:], []byte("fedcba9876543210fedcba9876543210"))

	sealed, err := encryptBlob([]byte("payload"), key, hash)
	if err != nil {
		t.Fatalf("encryptBlob: %v", err)
	}
	if _, err := decryptBlob(sealed, key, wrongHash); err == nil {
		t.Fatal("expected decryption to fail when the content hash used as AAD does not match")
	}
}

func TestLoadOrCreateBlobKeyFileGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.key")

	key1, err := LoadOrCreateBlobKeyFile(path)
	if err != nil {
		t.Fatalf("LoadOrCreateBlobKeyFile: %v", err)
	}
	if len(key1) != BlobKeySize {
		t.Fatalf("expected a %d-byte key, got %d", BlobKeySize, len(key1))
	}

	key2, err := LoadOrCreateBlobKeyFile(path)
	if err != nil {
		t.Fatalf("LoadOrCreateBlobKeyFile (reload): %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("expected the same key to be loaded back from disk")
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
