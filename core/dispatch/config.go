package dispatch

import (
	"fmt"
	"time"

	"github.com/openhail/dispatch/core/ranking"
)

// Config defines dispatch session settings.
type Config struct {
	// BatchSize caps how many agents one attempt contacts.
	BatchSize int
	// BatchTimeout is the response window of one attempt.
	BatchTimeout time.Duration
	// MaxRadiusKm bounds the candidate search around the pickup point.
	MaxRadiusKm float64
	// OverallDeadline caps a request's total search time. Zero leaves the
	// search bounded only by candidate exhaustion.
	OverallDeadline time.Duration
	// SendTimeout bounds a single delivery to an agent or customer.
	SendTimeout time.Duration
	// ETATimeout bounds the routing lookups performed per batch.
	ETATimeout time.Duration
	// Weights tune candidate scoring.
	Weights ranking.Weights
	// MaxWait is the ETA at which the ranker's wait component bottoms
	// out. Zero keeps the ranker default.
	MaxWait time.Duration
	// ExperienceCap is the trip count at which the ranker's experience
	// component saturates. Zero keeps the ranker default.
	ExperienceCap int
	// RetainFinished is how long failed and canceled sessions stay
	// queryable before the coordinator forgets them.
	RetainFinished time.Duration
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 5
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.MaxRadiusKm == 0 {
		c.MaxRadiusKm = 15
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.ETATimeout == 0 {
		c.ETATimeout = 2 * time.Second
	}
	if (c.Weights == ranking.Weights{}) {
		c.Weights = ranking.DefaultWeights()
	}
	if c.RetainFinished == 0 {
		c.RetainFinished = 10 * time.Minute
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch timeout must be positive")
	}
	if c.MaxRadiusKm <= 0 {
		return fmt.Errorf("max radius must be positive")
	}
	if c.OverallDeadline < 0 {
		return fmt.Errorf("overall deadline must not be negative")
	}
	if c.RetainFinished <= 0 {
		return fmt.Errorf("finished retention must be positive")
	}
	return c.Weights.Validate()
}
