package market

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSampleValidate(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := NewSample(" btcusdt", decimal.NewFromInt(100), decimal.NewFromInt(1), ts, "Binance ")
	if valid.Asset != "BTCUSDT" || valid.Source != "binance" {
		t.Fatalf("normalisation failed: %+v", valid)
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid sample rejected: %v", err)
	}

	cases := map[string]Sample{
		"asset":  {Price: decimal.NewFromInt(1), Timestamp: ts, Source: "x"},
		"source": {Asset: "BTC", Price: decimal.NewFromInt(1), Timestamp: ts},
		"price":  {Asset: "BTC", Price: decimal.Zero, Timestamp: ts, Source: "x"},
		"volume": {Asset: "BTC", Price: decimal.NewFromInt(1), Volume: decimal.NewFromInt(-1), Timestamp: ts, Source: "x"},
		"time":   {Asset: "BTC", Price: decimal.NewFromInt(1), Source: "x"},
	}
	for name, s := range cases {
		if err := s.Validate(); !errors.Is(err, ErrInvalidSample) {
			t.Fatalf("%s: expected ErrInvalidSample, got %v", name, err)
		}
	}
}

func TestFormatWindow(t *testing.T) {
	cases := map[time.Duration]string{
		5 * time.Minute:  "5m",
		time.Hour:        "1h",
		4 * time.Hour:    "4h",
		90 * time.Second: "1m30s",
	}
	for d, want := range cases {
		if got := FormatWindow(d); got != want {
			t.Fatalf("FormatWindow(%s) = %s, want %s", d, got, want)
		}
	}
}
