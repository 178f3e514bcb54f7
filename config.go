package folio

import "time"

// Config holds engine-wide defaults for job execution.
type Config struct {
	// MaxRetries is the maximum number of retry attempts per chapter unit.
	MaxRetries int

	// RetryBaseDelay is the base delay fed into retry backoff computation.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps exponential backoff growth.
	RetryMaxDelay time.Duration

	// GenerationTimeout bounds a single call to the external generator.
	// Exceeding it is classified as a timeout failure.
	GenerationTimeout time.Duration

	// QualityGatesEnabled controls whether generated content is assessed
	// and revised. When false, every generated unit is accepted as-is.
	QualityGatesEnabled bool

	// MinQualityScore is the overall score below which a unit is
	// classified as insufficient quality.
	MinQualityScore float64

	// ShutdownTimeout is the maximum time to wait for running jobs during
	// graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryBaseDelay:      2 * time.Second,
		RetryMaxDelay:       1 * time.Minute,
		GenerationTimeout:   5 * time.Minute,
		QualityGatesEnabled: true,
		MinQualityScore:     7.0,
		ShutdownTimeout:     30 * time.Second,
	}
}
