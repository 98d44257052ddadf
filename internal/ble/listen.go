package ble

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// Observation is one advertisement that passed the scanner filter. Data is
// the manufacturer payload without the company id.
type Observation struct {
	Address   string
	RSSI      int16
	LocalName string
	CompanyID uint16
	Data      []byte
	SeenAt    time.Time
}

type Filter struct {
	LocalName            string
	CompanyID            uint16
	ManufacturerDataPref []byte
}

// match returns the first manufacturer element accepted by the filter.
func (f Filter) match(localName string, elements []bluetooth.ManufacturerDataElement) (bluetooth.ManufacturerDataElement, bool) {
	if f.LocalName != "" && localName != f.LocalName {
		return bluetooth.ManufacturerDataElement{}, false
	}
	for _, md := range elements {
		if f.CompanyID != 0 && md.CompanyID != f.CompanyID {
			continue
		}
		if !bytes.HasPrefix(md.Data, f.ManufacturerDataPref) {
			continue
		}
		return md, true
	}
	return bluetooth.ManufacturerDataElement{}, false
}

type Options struct {
	Adapter string // "hci0" by default
	Filter  Filter
}

// Scanner wraps BlueZ scanning with context cancellation and remembers the
// addresses it has seen so they can be connected to later.
type Scanner struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	addrs map[string]bluetooth.Address
}

// NewScanner defaults the filter to Ruuvi manufacturer data.
func NewScanner(opts Options, logger *slog.Logger) *Scanner {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.Filter.CompanyID == 0 {
		opts.Filter.CompanyID = RuuviCompanyID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		adapter: bluetooth.NewAdapter(opts.Adapter),
		opts:    opts,
		logger:  logger.With("component", "ble", "adapter", opts.Adapter),
		addrs:   make(map[string]bluetooth.Address),
	}
}

func (s *Scanner) enable() error {
	s.enableOnce.Do(func() {
		s.logger.Info("ble: enabling adapter")
		if err := s.adapter.Enable(); err != nil {
			s.enableErr = fmt.Errorf("ble enable (%s): %w", s.opts.Adapter, err)
		}
	})
	return s.enableErr
}

// Run scans until ctx is done, calling onObservation for every matching
// advertisement. Cancellation is a clean shutdown.
func (s *Scanner) Run(ctx context.Context, onObservation func(Observation)) error {
	if err := s.enable(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = s.adapter.StopScan() })
	defer stop()

	s.logger.Info("ble: scanning started",
		"filter_name", s.opts.Filter.LocalName,
		"filter_company", fmt.Sprintf("0x%04X", s.opts.Filter.CompanyID),
		"filter_prefix", fmt.Sprintf("% X", s.opts.Filter.ManufacturerDataPref),
	)

	// adapter.Scan blocks until StopScan() or error.
	err := s.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		md, ok := s.opts.Filter.match(r.LocalName(), r.ManufacturerData())
		if !ok {
			return
		}
		addr := NormalizeAddress(r.Address.String())
		s.mu.Lock()
		s.addrs[addr] = r.Address
		s.mu.Unlock()

		if onObservation != nil {
			onObservation(Observation{
				Address:   addr,
				RSSI:      r.RSSI,
				LocalName: r.LocalName(),
				CompanyID: md.CompanyID,
				Data:      append([]byte(nil), md.Data...),
				SeenAt:    time.Now(),
			})
		}
	})

	if ctx.Err() != nil {
		s.logger.Info("ble: scanning stopped (context canceled)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ble scan: %w", err)
	}
	s.logger.Info("ble: scanning stopped")
	return nil
}

func (s *Scanner) lookup(address string) (bluetooth.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addrs[strings.ToUpper(address)]
	return a, ok
}
