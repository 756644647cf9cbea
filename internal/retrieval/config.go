package retrieval

import (
	"fmt"
	"strings"
	"time"
)

// Config captures every knob that influences a retrieval run.
type Config struct {
	JobID string
	// PageSize is the number of items requested per page.
	PageSize int
	// PageDelay is the pause between pages.
	PageDelay time.Duration
	// MaxRetries is the number of attempts allowed after the first one.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MaxFailures is the consecutive failure count that opens the breaker.
	MaxFailures  int
	ResetTimeout time.Duration
	StallTimeout time.Duration
	// ExpectedItems is an optional size estimate used for percentages.
	ExpectedItems int
	Range         DateRange
	// Topic receives page notifications when a Publisher is wired.
	Topic string
}

// DefaultConfig returns the stock settings for jobID.
func DefaultConfig(jobID string) Config {
	return Config{
		JobID:          jobID,
		PageSize:       100,
		PageDelay:      time.Second,
		MaxRetries:     5,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		MaxFailures:    5,
		ResetTimeout:   time.Minute,
		StallTimeout:   5 * time.Minute,
	}
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JobID) == "" {
		return fmt.Errorf("job id must be set")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be > 0")
	}
	if c.PageDelay < 0 {
		return fmt.Errorf("page delay must be >= 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0")
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("retry base delay must be >= 0")
	}
	if c.MaxFailures <= 0 {
		return fmt.Errorf("max failures must be > 0")
	}
	if c.ResetTimeout < 0 {
		return fmt.Errorf("reset timeout must be >= 0")
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("stall timeout must be > 0")
	}
	// The pause between pages counts against the stall timer.
	if c.StallTimeout <= c.PageDelay {
		return fmt.Errorf("stall timeout (%s) must exceed page delay (%s)", c.StallTimeout, c.PageDelay)
	}
	if c.Range.Start != nil && c.Range.End != nil && c.Range.End.Before(*c.Range.Start) {
		return fmt.Errorf("end date must not be before start date")
	}
	return nil
}
