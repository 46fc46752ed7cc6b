package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"holdingsync/internal/models"
)

// FeeSchedule maps a broker name (case-insensitive) to its charge structure.
type FeeSchedule struct {
	brokers map[string]models.FeeStructure
}

type feeFile struct {
	Brokers map[string]feeEntry `yaml:"brokers"`
}

type feeEntry struct {
	Brokerage       string `yaml:"brokerage_percentage"`
	GST             string `yaml:"gst_percentage"`
	STT             string `yaml:"stt_percentage"`
	StampDuty       string `yaml:"stamp_duty_percentage"`
	ExchangeCharges string `yaml:"exchange_charges_percentage"`
	SEBICharges     string `yaml:"sebi_charges_percentage"`
}

func NewFeeSchedule(structures ...models.FeeStructure) *FeeSchedule {
	fs := &FeeSchedule{brokers: make(map[string]models.FeeStructure, len(structures))}
	for _, s := range structures {
		fs.brokers[brokerKey(s.Broker)] = s
	}
	return fs
}

// LoadFeeSchedule reads a yaml fee schedule. A missing file yields an empty
// schedule, so every import falls back to zero charges.
func LoadFeeSchedule(path string) (*FeeSchedule, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewFeeSchedule(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseFeeSchedule(f)
}

func ParseFeeSchedule(r io.Reader) (*FeeSchedule, error) {
	var ff feeFile
	if err := yaml.NewDecoder(r).Decode(&ff); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode fee schedule: %w", err)
	}
	fs := NewFeeSchedule()
	for name, e := range ff.Brokers {
		s := models.FeeStructure{Broker: name}
		fields := []struct {
			dst *decimal.Decimal
			raw string
			key string
		}{
			{&s.Brokerage, e.Brokerage, "brokerage_percentage"},
			{&s.GST, e.GST, "gst_percentage"},
			{&s.STT, e.STT, "stt_percentage"},
			{&s.StampDuty, e.StampDuty, "stamp_duty_percentage"},
			{&s.ExchangeCharges, e.ExchangeCharges, "exchange_charges_percentage"},
			{&s.SEBICharges, e.SEBICharges, "sebi_charges_percentage"},
		}
		for _, fld := range fields {
			if strings.TrimSpace(fld.raw) == "" {
				continue
			}
			d, err := decimal.NewFromString(strings.TrimSpace(fld.raw))
			if err != nil {
				return nil, fmt.Errorf("broker %s: %s: %w", name, fld.key, err)
			}
			*fld.dst = d
		}
		fs.brokers[brokerKey(name)] = s
	}
	return fs, nil
}

func (fs *FeeSchedule) Lookup(broker string) (models.FeeStructure, bool) {
	if fs == nil || broker == "" {
		return models.FeeStructure{}, false
	}
	s, ok := fs.brokers[brokerKey(broker)]
	return s, ok
}

func brokerKey(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
