package service

import (
	"fmt"
	"regexp"

	"github.com/pinchwork/pinchwork/internal/domain"
)

// Input bound limits.
const (
	maxNeedLen         = 50_000
	maxContextLen      = 100_000
	maxResultLen       = 500_000
	maxReasonLen       = 5_000
	maxNameLen         = 200
	maxCapabilitiesLen = 2_000
	maxTagsPerTask     = 10
	maxTagLen          = 50
	maxTaskCredits     = 100_000
)

var tagPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

func checkLen(field, value string, max int) error {
	if len(value) > max {
		return fmt.Errorf("%s exceeds %d chars: %w", field, max, domain.ErrInvalidInput)
	}
	return nil
}

func checkRequired(field, value string, max int) error {
	if value == "" {
		return fmt.Errorf("%s is required: %w", field, domain.ErrInvalidInput)
	}
	return checkLen(field, value, max)
}

func checkTags(tags []string) error {
	if len(tags) > maxTagsPerTask {
		return fmt.Errorf("at most %d tags: %w", maxTagsPerTask, domain.ErrInvalidInput)
	}
	for _, t := range tags {
		if t == "" || len(t) > maxTagLen || !tagPattern.MatchString(t) {
			return fmt.Errorf("bad tag %q: %w", t, domain.ErrInvalidInput)
		}
	}
	return nil
}

func checkCredits(maxCredits int64) error {
	if maxCredits < 1 || maxCredits > maxTaskCredits {
		return fmt.Errorf("max_credits must be in [1, %d]: %w", maxTaskCredits, domain.ErrInvalidInput)
	}
	return nil
}
