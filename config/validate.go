package config

import "fmt"

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for errors and returns all problems found.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if len(cfg.Servers) == 0 {
		errs = append(errs, ValidationError{
			Field:   "servers",
			Message: "at least one server is required",
		})
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)

		if s.Name == "" {
			errs = append(errs, ValidationError{
				Field:   prefix + ".name",
				Message: "name is required",
			})
		} else if seen[s.Name] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate server name %q", s.Name),
			})
		}
		seen[s.Name] = true

		if s.Command == "" {
			errs = append(errs, ValidationError{
				Field:   prefix + ".command",
				Message: "command is required",
			})
		}
	}

	if cfg.HandshakeTimeout.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "handshake_timeout",
			Message: "must not be negative",
		})
	}
	if cfg.CallTimeout.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "call_timeout",
			Message: "must not be negative",
		})
	}
	if cfg.ProbeAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "probe_attempts",
			Message: "must not be negative",
		})
	}
	if cfg.ProbeInterval.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "probe_interval",
			Message: "must not be negative",
		})
	}
	if cfg.ReadyPollInterval.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "ready_poll_interval",
			Message: "must not be negative",
		})
	}
	if cfg.TerminationGrace.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "termination_grace",
			Message: "must not be negative",
		})
	}

	return errs
}
