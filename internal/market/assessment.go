package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecoveryAssessment is recomputed on every cycle while trading is halted. Only the
// transition it allows is persisted, inside the TriggerEvent.
type RecoveryAssessment struct {
	Asset                string           `json:"asset,omitempty"`
	Since                time.Time        `json:"since"`
	StabilizationElapsed time.Duration    `json:"stabilization_elapsed"`
	RecoveryPct          decimal.Decimal  `json:"recovery_pct"`
	High                 decimal.Decimal  `json:"high"`
	Trough               decimal.Decimal  `json:"trough"`
	Price                decimal.Decimal  `json:"price"`
	LiquidationRate      *decimal.Decimal `json:"liquidation_rate,omitempty"`
	VolumeRecoveryPct    decimal.Decimal  `json:"volume_recovery_pct"`
	SignalsCalm          bool             `json:"signals_calm"`
	DataFresh            bool             `json:"data_fresh"`
	Stabilized           bool             `json:"stabilized"`
	PriceRecovered       bool             `json:"price_recovered"`
}

// Satisfied reports whether every recovery condition holds.
func (a RecoveryAssessment) Satisfied() bool {
	return a.Stabilized && a.SignalsCalm && a.PriceRecovered && a.DataFresh
}
