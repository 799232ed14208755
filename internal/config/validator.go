package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/logging"
)

// ValidationError is one invalid config value.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

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

const maxPreviewSampleSize = 100

// Validate checks the Config and returns every problem found.
func (cfg *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, cfg.validatePaths()...)
	errors = append(errors, cfg.validateSession()...)
	errors = append(errors, cfg.validateLog()...)
	errors = append(errors, cfg.validateMetrics()...)

	return errors
}

func (cfg *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	required := []struct {
		field string
		value string
	}{
		{"state_dir", cfg.StateDir},
		{"state.db_file", cfg.State.DBFile},
		{"state.entities_dir", cfg.State.EntitiesDir},
		{"session.sessions_dir", cfg.Session.SessionsDir},
		{"session.archive_dir", cfg.Session.ArchiveDir},
	}
	for _, item := range required {
		if strings.TrimSpace(item.value) == "" {
			errors = append(errors, ValidationError{
				Field:   item.field,
				Value:   item.value,
				Message: "must not be empty",
			})
		}
	}
	if len(errors) > 0 {
		return errors
	}

	// Sessions and archives must not overlap: committing removes the session
	// directory while the archive keeps deleted files.
	sessions := filepath.Clean(cfg.SessionsPath())
	archive := filepath.Clean(cfg.ArchivePath())
	if sessions == archive || strings.HasPrefix(archive, sessions+string(filepath.Separator)) || strings.HasPrefix(sessions, archive+string(filepath.Separator)) {
		errors = append(errors, ValidationError{
			Field:   "session.archive_dir",
			Value:   cfg.Session.ArchiveDir,
			Message: "must not overlap session.sessions_dir",
		})
	}
	return errors
}

func (cfg *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if cfg.Session.PreviewSampleSize <= 0 || cfg.Session.PreviewSampleSize > maxPreviewSampleSize {
		errors = append(errors, ValidationError{
			Field:   "session.preview_sample_size",
			Value:   cfg.Session.PreviewSampleSize,
			Message: fmt.Sprintf("must be between 1 and %d", maxPreviewSampleSize),
		})
	}
	return errors
}

func (cfg *Config) validateLog() []ValidationError {
	var errors []ValidationError

	if !logging.ValidLevel(cfg.Log.Level) {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Value:   cfg.Log.Level,
			Message: "must be one of: DEBUG, INFO, WARN, ERROR",
		})
	}
	return errors
}

func (cfg *Config) validateMetrics() []ValidationError {
	var errors []ValidationError

	if cfg.Metrics.Addr == "" {
		return errors
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "metrics.addr",
			Value:   cfg.Metrics.Addr,
			Message: "must be host:port",
		})
	}
	return errors
}
