package dca

import (
	"errors"
	"fmt"
	"math"
	"time"

	"swapdesk/pkg/amount"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrNoVault          = errors.New("dca vault not configured")
	ErrNoAccount        = errors.New("no account connected")
)

// Interval is the time between two orders of a schedule
type Interval string

const (
	Hourly Interval = "hour"
	Daily  Interval = "day"
	Weekly Interval = "week"
)

// Duration returns the wall-clock length of the interval
func (i Interval) Duration() (time.Duration, error) {
	switch i {
	case Hourly:
		return time.Hour, nil
	case Daily:
		return 24 * time.Hour, nil
	case Weekly:
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("interval must be 'hour', 'day' or 'week', got '%s'", i)
	}
}

// PeriodBlocks converts an interval into a number of blocks of blockTime
func PeriodBlocks(i Interval, blockTime time.Duration) (int, error) {
	d, err := i.Duration()
	if err != nil {
		return 0, err
	}
	if blockTime <= 0 {
		return 0, fmt.Errorf("block time must be positive")
	}
	blocks := int(math.Ceil(float64(d) / float64(blockTime)))
	if blocks < 1 {
		blocks = 1
	}
	return blocks, nil
}

// PositionStatus is the lifecycle of a scheduled position
type PositionStatus string

const (
	StatusPending     PositionStatus = "pending"     // submitted, not indexed yet
	StatusActive      PositionStatus = "active"      // indexed and executing
	StatusTerminating PositionStatus = "terminating" // terminate submitted
	StatusTerminated  PositionStatus = "terminated"
	StatusCompleted   PositionStatus = "completed"
)

// Position is one DCA schedule of an account
type Position struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Chain    string `json:"chain"`
	AssetIn  string `json:"asset_in"`
	AssetOut string `json:"asset_out"`
	// Amounts are human-readable in units of AssetIn.
	AmountPerTrade string         `json:"amount_per_trade"`
	Budget         string         `json:"budget"`
	Remaining      string         `json:"remaining"`
	Period         int            `json:"period"`
	Interval       Interval       `json:"interval,omitempty"`
	Status         PositionStatus `json:"status"`
	Executions     int            `json:"executions"`
	Created        time.Time      `json:"created"`
	LastUpdated    time.Time      `json:"last_updated"`
}

// Validate checks the position parameters
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position id is required")
	}
	if p.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if p.AssetIn == "" || p.AssetOut == "" {
		return fmt.Errorf("both assets are required")
	}
	if p.AssetIn == p.AssetOut {
		return fmt.Errorf("assets must differ")
	}
	if amount.IsEmpty(p.AmountPerTrade) {
		return fmt.Errorf("amount per trade must be greater than 0")
	}
	if amount.IsEmpty(p.Budget) {
		return fmt.Errorf("budget must be greater than 0")
	}
	if p.Period <= 0 {
		return fmt.Errorf("period must be greater than 0")
	}
	return nil
}

// IsOpen reports whether the position can still execute or be terminated
func (p *Position) IsOpen() bool {
	return p.Status == StatusPending || p.Status == StatusActive
}
