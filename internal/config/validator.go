package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "job.poll_min_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidRunners returns the list of valid job runner backends
func ValidRunners() []string {
	return []string{"local", "slurm"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLoop()...)
	errors = append(errors, c.validateJob()...)
	errors = append(errors, c.validateStructure()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateLoop() []ValidationError {
	var errors []ValidationError

	if c.Loop.MaxInvocations <= 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.max_invocations",
			Value:   c.Loop.MaxInvocations,
			Message: "must be positive",
		})
	}
	if c.Loop.RecallLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.recall_limit",
			Value:   c.Loop.RecallLimit,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateJob() []ValidationError {
	var errors []ValidationError

	if c.Job.Runner != "" && !slices.Contains(ValidRunners(), c.Job.Runner) {
		errors = append(errors, ValidationError{
			Field:   "job.runner",
			Value:   c.Job.Runner,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidRunners(), ", ")),
		})
	}
	if c.Job.PollMinSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "job.poll_min_seconds",
			Value:   c.Job.PollMinSeconds,
			Message: "must be positive",
		})
	}
	if c.Job.PollMaxSeconds < c.Job.PollMinSeconds {
		errors = append(errors, ValidationError{
			Field:   "job.poll_max_seconds",
			Value:   c.Job.PollMaxSeconds,
			Message: fmt.Sprintf("must be >= poll_min_seconds (%d)", c.Job.PollMinSeconds),
		})
	}
	if c.Job.MaxWallClockMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "job.max_wall_clock_minutes",
			Value:   c.Job.MaxWallClockMinutes,
			Message: "must be positive",
		})
	}
	if c.Job.MaxAttempts <= 0 {
		errors = append(errors, ValidationError{
			Field:   "job.max_attempts",
			Value:   c.Job.MaxAttempts,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateStructure() []ValidationError {
	var errors []ValidationError

	if c.Structure.DownloadURL != "" &&
		!strings.HasPrefix(c.Structure.DownloadURL, "http://") &&
		!strings.HasPrefix(c.Structure.DownloadURL, "https://") {
		errors = append(errors, ValidationError{
			Field:   "structure.download_url",
			Value:   c.Structure.DownloadURL,
			Message: "must be an http or https URL",
		})
	}
	if c.Structure.TimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "structure.timeout_seconds",
			Value:   c.Structure.TimeoutSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
