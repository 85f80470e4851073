package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/core"
)

type bandsFile struct {
	NextID int64        `json:"next_id"`
	Bands  []bandRecord `json:"bands"`
}

// FileBandStore keeps all bands in one JSON document rewritten atomically
// on every mutation.
type FileBandStore struct {
	path   string
	log    logrus.FieldLogger
	mu     sync.Mutex
	nextID int64
	bands  map[int64]bandRecord
	now    func() time.Time
}

func OpenFileBandStore(dir string, logger logrus.FieldLogger) (*FileBandStore, error) {
	if dir == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	s := &FileBandStore{
		path:   filepath.Join(dir, "bands.json"),
		log:    logger,
		nextID: 1,
		bands:  make(map[int64]bandRecord),
		now:    time.Now,
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var doc bandsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	for _, rec := range doc.Bands {
		s.bands[rec.ID] = rec
		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
	}
	if doc.NextID > s.nextID {
		s.nextID = doc.NextID
	}
	return s, nil
}

func (s *FileBandStore) Insert(ctx context.Context, band core.Band) (int64, error) {
	if err := validateBand(band); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	band.ID = s.nextID
	if band.CreatedAt.IsZero() {
		band.CreatedAt = s.now().UTC()
	}
	s.bands[band.ID] = toRecord(band)
	s.nextID++
	if err := s.persistLocked(); err != nil {
		delete(s.bands, band.ID)
		s.nextID--
		return 0, err
	}
	return band.ID, nil
}

func (s *FileBandStore) Update(ctx context.Context, band core.Band) error {
	if err := validateBand(band); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.bands[band.ID]
	if !ok {
		return fmt.Errorf("update band %d: %w", band.ID, ErrBandNotFound)
	}
	if core.BandStatus(prev.Status) == core.BandCompleted {
		return fmt.Errorf("update band %d: %w", band.ID, ErrBandImmutable)
	}
	band.CreatedAt = prev.CreatedAt
	s.bands[band.ID] = toRecord(band)
	if err := s.persistLocked(); err != nil {
		s.bands[band.ID] = prev
		return err
	}
	return nil
}

func (s *FileBandStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.bands[id]
	if !ok {
		return fmt.Errorf("delete band %d: %w", id, ErrBandNotFound)
	}
	if core.BandStatus(prev.Status) == core.BandCompleted {
		return fmt.Errorf("delete band %d: %w", id, ErrBandImmutable)
	}
	delete(s.bands, id)
	if err := s.persistLocked(); err != nil {
		s.bands[id] = prev
		return err
	}
	return nil
}

func (s *FileBandStore) ListByStatus(ctx context.Context, symbol string, statuses ...core.BandStatus) ([]core.Band, error) {
	want := statusSet(statuses)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Band, 0)
	for _, rec := range s.bands {
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		if want != nil && !want[core.BandStatus(rec.Status)] {
			continue
		}
		out = append(out, rec.band())
	}
	sortBands(out)
	return out, nil
}

func (s *FileBandStore) FindByBuyPrice(ctx context.Context, symbol string, buyPrice decimal.Decimal, statuses ...core.BandStatus) ([]core.Band, error) {
	bands, err := s.ListByStatus(ctx, symbol, statuses...)
	if err != nil {
		return nil, err
	}
	out := bands[:0]
	for _, b := range bands {
		if b.BuyPrice.Equal(buyPrice) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *FileBandStore) Close() error { return nil }

func (s *FileBandStore) persistLocked() error {
	doc := bandsFile{NextID: s.nextID, Bands: make([]bandRecord, 0, len(s.bands))}
	for _, rec := range s.bands {
		doc.Bands = append(doc.Bands, rec)
	}
	sort.Slice(doc.Bands, func(i, j int) bool { return doc.Bands[i].ID < doc.Bands[j].ID })
	return writeJSONAtomic(s.path, doc, s.log)
}
