package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/timmy/sermontube/internal/domain"
)

// transientReasons are googleapi error reasons worth retrying later.
var transientReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"backendError":          true,
	"internalError":         true,
}

// Classify maps a YouTube API or token error onto the domain error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if classified(err) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if transientReasons[item.Reason] {
				return domain.Transient(err)
			}
		}
		switch {
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return domain.Transient(err)
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		case gerr.Code == http.StatusBadRequest:
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		default:
			return fmt.Errorf("%w: %w", domain.ErrPermanentFailure, err)
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return domain.Transient(err)
		}
		return fmt.Errorf("%w: token refresh: %w", domain.ErrPermanentFailure, err)
	}

	// network level failures
	return domain.Transient(err)
}

// classified reports whether err already carries a taxonomy error.
func classified(err error) bool {
	return errors.Is(err, domain.ErrTransientExternal) ||
		errors.Is(err, domain.ErrPermanentFailure) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidState)
}

// retryable is the in-call classifier used with retry.Do.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrTransientExternal) || errors.Is(err, context.DeadlineExceeded)
}
