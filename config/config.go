// Package config reads the single environment knob this system recognizes.
// A full config framework (viper, envconfig) would be overkill for one
// scalar with a default and a floor; see DESIGN.md.
package config

import (
	"os"
	"strconv"
)

const (
	agreementStoreDaysEnv     = "YAGNA_MARKET_AGREEMENT_STORE_DAYS"
	agreementStoreDaysDefault = 90
	agreementStoreDaysMin     = 30
)

// AgreementStoreDays returns the configured agreement retention window,
// clamped to a floor of 30 days (spec.md §6).
func AgreementStoreDays() uint64 {
	raw, ok := os.LookupEnv(agreementStoreDaysEnv)
	if !ok {
		return agreementStoreDaysDefault
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return agreementStoreDaysDefault
	}
	if v < agreementStoreDaysMin {
		return agreementStoreDaysMin
	}
	return v
}
