package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type RuntimeStatus struct {
	Mode        string     `json:"mode"`
	InstanceID  string     `json:"instance_id"`
	PID         int        `json:"pid"`
	State       string     `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastRunID   string     `json:"last_run_id,omitempty"`
	LastCycleAt *time.Time `json:"last_cycle_at,omitempty"`
	Cycles      int        `json:"cycles"`
	FailedSyms  []string   `json:"failed_symbols,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// FillRecord is one authoritative leg fill, appended to the daily fill journal.
type FillRecord struct {
	BandID      int64           `json:"band_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	OrderID     string          `json:"order_id"`
	Market      bool            `json:"market,omitempty"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	Cost        decimal.Decimal `json:"cost"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	FeeCurrency string          `json:"fee_currency,omitempty"`
	Time        time.Time       `json:"time"`
}

// OrphanRecord describes a band row deleted while its remote order may
// still be live.
type OrphanRecord struct {
	BandID      int64           `json:"band_id"`
	Symbol      string          `json:"symbol"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	Qty         decimal.Decimal `json:"qty"`
	BuyOrderID  string          `json:"buy_order_id"`
	Reason      string          `json:"reason"`
	CancelError string          `json:"cancel_error"`
	RunID       string          `json:"run_id,omitempty"`
	Time        time.Time       `json:"time"`
}

// Journal records what the band table alone cannot: fills as they are
// observed and bands dropped while their orders might still be live.
type Journal interface {
	AppendFill(rec FillRecord) error
	AppendOrphan(rec OrphanRecord) error
}

// Store owns the state directory: runtime status and the append-only journals.
type Store struct {
	root string
	log  logrus.FieldLogger
	mu   sync.Mutex
}

func New(root string, logger logrus.FieldLogger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Store{root: root, log: logger}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status, s.log)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) AppendFill(rec FillRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, "fills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return appendJSONLine(filepath.Join(dir, rec.Time.UTC().Format("2006-01-02")+".jsonl"), rec)
}

func (s *Store) AppendOrphan(rec OrphanRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendJSONLine(s.orphansPath(), rec)
}

func (s *Store) LoadOrphans() ([]OrphanRecord, error) {
	f, err := os.Open(s.orphansPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []OrphanRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec OrphanRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.WithField("event", "orphan_journal_line_skipped").WithError(err).Warn("unreadable orphan journal line")
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) orphansPath() string {
	return filepath.Join(s.root, "orphans.jsonl")
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func writeJSONAtomic(path string, v any, log logrus.FieldLogger) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(dir, path, log)
	return nil
}

func fsyncDirBestEffort(dir, path string, log logrus.FieldLogger) {
	d, err := os.Open(dir)
	if err != nil {
		log.WithFields(logrus.Fields{"event": "store_dir_fsync_skipped", "dir": dir, "target": path}).WithError(err).Warn("directory fsync skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.WithFields(logrus.Fields{"event": "store_dir_fsync_failed", "dir": dir, "target": path}).WithError(err).Warn("directory fsync failed")
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
