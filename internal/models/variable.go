package models

import "gorm.io/gorm"

// Variable is a named runtime override, e.g. max_trade_usd, settable without a redeploy.
type Variable struct {
	gorm.Model
	Name  string `gorm:"uniqueIndex;not null"`
	Value string `gorm:"not null"`
}
