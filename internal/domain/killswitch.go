package domain

import "time"

// KillSwitchStatus is the stored interlock value. Only the literal OFF
// permits trading.
type KillSwitchStatus string

const (
	KillSwitchOn  KillSwitchStatus = "ON"
	KillSwitchOff KillSwitchStatus = "OFF"
)

// KillSwitch is the singleton trading-enabled record.
type KillSwitch struct {
	Status      KillSwitchStatus `json:"status"`
	LastUpdated time.Time        `json:"last_updated"`
	Reason      string           `json:"reason"`
	UpdatedBy   string           `json:"updated_by"`
}
