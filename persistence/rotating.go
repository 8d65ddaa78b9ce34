package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RotatingBackend is an NDJSON backend that rotates its active file once it
// exceeds MaxBytes: the active file becomes "<path>.1", previous ".N"
// files shift to ".N+1", and anything beyond MaxFiles is deleted. Reads
// (List*/Scan) see the active file plus every rotated file, oldest first.
type RotatingBackend struct {
	path      string
	maxBytes  int64
	maxFiles  int
	retention *RetentionPolicy
	clockNow  func() float64

	mu      sync.Mutex
	closed  bool
	metrics metricsCounter
}

// NewRotatingBackend constructs a size-rotated NDJSON backend. A
// non-positive maxBytes falls back to 50,000,000 and a non-positive
// maxFiles to 5.
func NewRotatingBackend(path string, maxBytes int64, maxFiles int, retention *RetentionPolicy, clockNow func() float64) *RotatingBackend {
	if maxBytes <= 0 {
		maxBytes = 50_000_000
	}
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &RotatingBackend{path: path, maxBytes: maxBytes, maxFiles: maxFiles, retention: retention, clockNow: clockNow}
}

func (b *RotatingBackend) rotatedPath(n int) string { return fmt.Sprintf("%s.%d", b.path, n) }

// rotateLocked performs the shift-and-delete dance. Callers must hold b.mu.
func (b *RotatingBackend) rotateLocked() error {
	if b.maxFiles == 1 {
		// No rotated slots: truncate the active file in place.
		if err := os.Truncate(b.path, 0); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	oldest := b.rotatedPath(b.maxFiles - 1)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}
	for n := b.maxFiles - 2; n >= 1; n-- {
		from := b.rotatedPath(n)
		to := b.rotatedPath(n + 1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}
	if _, err := os.Stat(b.path); err == nil {
		if err := os.Rename(b.path, b.rotatedPath(1)); err != nil {
			return err
		}
	}
	return nil
}

func (b *RotatingBackend) append(kind string, payload any) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return 0, err
	}
	merged := map[string]json.RawMessage{"kind": json.RawMessage(`"` + kind + `"`)}
	for k, v := range fields {
		merged[k] = v
	}
	line, err := json.Marshal(merged)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return 0, err
	}
	if fileSize(b.path)+int64(len(line)) > b.maxBytes {
		if err := b.rotateLocked(); err != nil {
			return 0, err
		}
	}

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.Write(line)
	return int64(n), err
}

func (b *RotatingBackend) RecordEvent(_ context.Context, event PersistedEvent) {
	n, err := b.append("event", event)
	b.metrics.recordWrite(n, err)
}

func (b *RotatingBackend) RecordAudit(_ context.Context, audit PersistedAudit) {
	n, err := b.append("audit", audit)
	b.metrics.recordWrite(n, err)
}

func (b *RotatingBackend) RecordDeadLetter(_ context.Context, dl PersistedDeadLetter) {
	n, err := b.append("dead_letter", dl)
	b.metrics.recordWrite(n, err)
}

// filesOldestFirst lists every rotated file (oldest first) followed by the
// active file, i.e. chronological order.
func (b *RotatingBackend) filesOldestFirst() []string {
	var files []string
	for n := b.maxFiles - 1; n >= 1; n-- {
		p := b.rotatedPath(n)
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	if _, err := os.Stat(b.path); err == nil {
		files = append(files, b.path)
	}
	return files
}

// orphanFiles lists files in b.path's directory that share its base name
// but whose suffix isn't one of the expected "<path>" / "<path>.1..N-1"
// rotation slots, excluding the backend's own housekeeping byproducts
// (quarantine files, in-flight compaction temp files).
func (b *RotatingBackend) orphanFiles() []string {
	dir := filepath.Dir(b.path)
	base := filepath.Base(b.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	expected := map[string]bool{base: true}
	for n := 1; n <= b.maxFiles-1; n++ {
		expected[fmt.Sprintf("%s.%d", base, n)] = true
	}
	prefix := base + "."

	var orphans []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == base || expected[name] {
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.HasSuffix(name, ".quarantine") || strings.HasSuffix(name, ".compact.tmp") {
			continue
		}
		orphans = append(orphans, filepath.Join(dir, name))
	}
	return orphans
}

// readLinesRaw reads path's lines as text (without JSON-decoding them) plus
// whether the file's final byte is a newline, so Scan can flag a final
// line missing its terminator as AnomalyTruncatedLine distinct from a
// line that is simply malformed JSON.
func readLinesRaw(path string) (lines []string, terminated bool, err error) {
	f, openErr := os.Open(path)
	if os.IsNotExist(openErr) {
		return nil, true, nil
	}
	if openErr != nil {
		return nil, true, openErr
	}
	defer f.Close()

	terminated, err = fileEndsWithNewline(f)
	if err != nil {
		return nil, true, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, terminated, nil
}

func readLines(path string) ([]map[string]json.RawMessage, []string) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	var rows []map[string]json.RawMessage
	var raw []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var row map[string]json.RawMessage
		if json.Unmarshal([]byte(line), &row) == nil {
			rows = append(rows, row)
		} else {
			rows = append(rows, nil)
		}
		raw = append(raw, line)
	}
	return rows, raw
}

func (b *RotatingBackend) readAll() []map[string]json.RawMessage {
	var all []map[string]json.RawMessage
	for _, p := range b.filesOldestFirst() {
		rows, _ := readLines(p)
		for _, row := range rows {
			if row != nil {
				all = append(all, row)
			}
		}
	}
	return all
}

func (b *RotatingBackend) ListEvents(_ context.Context, limit int, since float64) ([]PersistedEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PersistedEvent
	for _, row := range b.readAll() {
		var kind string
		if !decodeField(row, "kind", &kind) || kind != "event" {
			continue
		}
		var ev PersistedEvent
		if json.Unmarshal(mustRemarshal(row), &ev) == nil {
			out = append(out, ev)
		}
	}
	out = ApplyRetention(out, b.retention, b.now(), func(e PersistedEvent) float64 { return e.Timestamp }, eventSize)
	return applyLimitSince(out, limit, since, func(e PersistedEvent) float64 { return e.Timestamp }), nil
}

func (b *RotatingBackend) ListAudits(_ context.Context, limit int, since float64) ([]PersistedAudit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PersistedAudit
	for _, row := range b.readAll() {
		var kind string
		if !decodeField(row, "kind", &kind) || kind != "audit" {
			continue
		}
		var au PersistedAudit
		if json.Unmarshal(mustRemarshal(row), &au) == nil {
			out = append(out, au)
		}
	}
	out = ApplyRetention(out, b.retention, b.now(), func(a PersistedAudit) float64 { return a.Timestamp }, auditSize)
	return applyLimitSince(out, limit, since, func(a PersistedAudit) float64 { return a.Timestamp }), nil
}

func (b *RotatingBackend) ListDeadLetters(_ context.Context, limit int, since float64) ([]PersistedDeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PersistedDeadLetter
	for _, row := range b.readAll() {
		var kind string
		if !decodeField(row, "kind", &kind) || kind != "dead_letter" {
			continue
		}
		var dl PersistedDeadLetter
		if json.Unmarshal(mustRemarshal(row), &dl) == nil {
			out = append(out, dl)
		}
	}
	out = ApplyRetention(out, b.retention, b.now(), func(d PersistedDeadLetter) float64 { return d.Timestamp }, deadLetterSize)
	return applyLimitSince(out, limit, since, func(d PersistedDeadLetter) float64 { return d.Timestamp }), nil
}

func (b *RotatingBackend) Scan(_ context.Context) (ScanReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var anomalies []Anomaly
	for _, p := range b.filesOldestFirst() {
		lines, terminated, err := readLinesRaw(p)
		if err != nil {
			continue
		}
		for i, line := range lines {
			if i == len(lines)-1 && !terminated {
				anomalies = append(anomalies, Anomaly{Type: AnomalyTruncatedLine, Path: p, Detail: "final line missing trailing newline"})
				continue
			}
			var row map[string]json.RawMessage
			if json.Unmarshal([]byte(line), &row) != nil {
				anomalies = append(anomalies, Anomaly{Type: AnomalyCorruptedLine, Path: p, Detail: fmt.Sprintf("invalid JSON at line %d", i+1)})
				continue
			}
			var kind string
			if !decodeField(row, "kind", &kind) || (kind != "event" && kind != "audit" && kind != "dead_letter") {
				anomalies = append(anomalies, Anomaly{Type: AnomalyUnknownKind, Path: p, Detail: "missing or unrecognized kind"})
			}
		}
	}

	for _, orphan := range b.orphanFiles() {
		anomalies = append(anomalies, Anomaly{Type: AnomalyOrphanFile, Path: orphan, Detail: "file suffix outside expected rotation pattern"})
	}

	b.metrics.recordScan(len(anomalies), nil)
	return ScanReport{Backend: "rotating", Anomalies: anomalies}, nil
}

func (b *RotatingBackend) Recover(_ context.Context, cfg RecoveryConfig) (RecoveryReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handled := 0
	quarantined := 0
	for _, p := range b.filesOldestFirst() {
		rows, _ := readLines(p)
		var clean []map[string]json.RawMessage
		var bad []map[string]json.RawMessage
		for _, row := range rows {
			var kind string
			if row != nil && decodeField(row, "kind", &kind) && (kind == "event" || kind == "audit" || kind == "dead_letter") {
				clean = append(clean, row)
				continue
			}
			handled++
			if cfg.Mode == RecoveryQuarantine && row != nil {
				bad = append(bad, row)
				quarantined++
			}
		}
		if err := rewriteFile(p, clean); err != nil {
			b.metrics.recordRecovery(err)
			return RecoveryReport{}, err
		}
		if len(bad) > 0 {
			if err := appendRows(p+".quarantine", bad); err != nil {
				b.metrics.recordRecovery(err)
				return RecoveryReport{}, err
			}
		}
	}

	// Orphan suffixes are never rewritten in place: REPAIR leaves them
	// untouched (only the active/rotated files above are rewritten);
	// QUARANTINE moves them out to a sibling quarantine directory.
	if cfg.Mode == RecoveryQuarantine {
		orphans := b.orphanFiles()
		if len(orphans) > 0 {
			qdir := filepath.Join(filepath.Dir(b.path), "quarantine")
			if err := os.MkdirAll(qdir, 0o755); err != nil {
				b.metrics.recordRecovery(err)
				return RecoveryReport{}, err
			}
			for _, orphan := range orphans {
				dest := filepath.Join(qdir, filepath.Base(orphan))
				if err := os.Rename(orphan, dest); err != nil {
					b.metrics.recordRecovery(err)
					return RecoveryReport{}, err
				}
				handled++
				quarantined++
			}
		}
	}

	report := RecoveryReport{Backend: "rotating", Mode: cfg.Mode, AnomaliesHandled: handled, QuarantinedCount: quarantined}
	b.metrics.recordRecovery(nil)
	return report, nil
}

func (b *RotatingBackend) Compact(_ context.Context) (CompactionReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var beforeBytes int64
	before := 0
	for _, p := range b.filesOldestFirst() {
		beforeBytes += fileSize(p)
		rows, _ := readLines(p)
		before += len(rows)
	}

	all := b.readAll()
	if b.retention != nil {
		all = applyRowRetentionNDJSON(all, b.retention, b.now())
	}

	for _, p := range b.filesOldestFirst() {
		if p != b.path {
			os.Remove(p)
		}
	}
	if err := rewriteFile(b.path, all); err != nil {
		b.metrics.recordCompaction(err)
		return CompactionReport{}, err
	}

	report := CompactionReport{
		Backend:       "rotating",
		BeforeRecords: before,
		AfterRecords:  len(all),
		BeforeBytes:   beforeBytes,
		AfterBytes:    fileSize(b.path),
	}
	b.metrics.recordCompaction(nil)
	return report, nil
}

func (b *RotatingBackend) Metrics() Metrics { return b.metrics.snapshot() }

func (b *RotatingBackend) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *RotatingBackend) now() float64 {
	if b.clockNow == nil {
		return 0
	}
	return b.clockNow()
}

func rewriteFile(path string, rows []map[string]json.RawMessage) error {
	tmp := path + ".compact.tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func appendRows(path string, rows []map[string]json.RawMessage) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	return w.Flush()
}
