// Package review creates and tracks the prompts asking both participants of
// a completed request to review each other.
package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"neighborly/api/internal/logging"
	"neighborly/api/internal/metrics"
	"neighborly/api/internal/model"
	"neighborly/api/internal/store"
	"neighborly/api/internal/util"
)

var (
	ErrNotFound  = errors.New("review prompt not found")
	ErrForbidden = errors.New("review prompt belongs to another user")
)

type Coordinator struct {
	store store.ReviewPromptStore
	log   *logrus.Entry
	newID func() string
}

func NewCoordinator(prompts store.ReviewPromptStore, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logging.Discard()
	}
	return &Coordinator{
		store: prompts,
		log:   log,
		newID: func() string { return util.NewID("rp") },
	}
}

// CreatePromptsForBoth writes one prompt for each participant. The two writes
// are independent: the second is attempted even when the first fails, and
// nothing is rolled back. A prompt that already exists counts as success, so
// calling this again fills in whichever half is missing.
func (c *Coordinator) CreatePromptsForBoth(ctx context.Context, requestID, requesterID, helperID, requestTitle string) error {
	_, err := c.CreatePair(ctx, requestID, requesterID, helperID, requestTitle)
	return err
}

// CreatePair is CreatePromptsForBoth returning the prompts that are now
// stored, whether this call created them or found them.
func (c *Coordinator) CreatePair(ctx context.Context, requestID, requesterID, helperID, requestTitle string) ([]model.ReviewPrompt, error) {
	pairs := []struct{ user, reviewee string }{
		{requesterID, helperID},
		{helperID, requesterID},
	}

	prompts := make([]model.ReviewPrompt, 0, len(pairs))
	var errs []error
	for _, pair := range pairs {
		prompt, created, err := c.store.InsertReviewPrompt(ctx, model.ReviewPrompt{
			ID:           c.newID(),
			UserID:       pair.user,
			RequestID:    requestID,
			RequestTitle: requestTitle,
			RevieweeID:   pair.reviewee,
		})
		fields := logrus.Fields{"request_id": requestID, "user_id": pair.user, "reviewee_id": pair.reviewee}
		if err != nil {
			metrics.RecordReviewPromptFailure()
			c.log.WithError(err).WithFields(fields).Error("review prompt write failed")
			errs = append(errs, fmt.Errorf("prompt for %s: %w", pair.user, err))
			continue
		}
		if created {
			c.log.WithFields(fields).WithField("prompt_id", prompt.ID).Info("review prompt created")
		}
		prompts = append(prompts, prompt)
	}
	return prompts, errors.Join(errs...)
}

// ListActive returns the unconsumed prompts of userID, newest first.
func (c *Coordinator) ListActive(ctx context.Context, userID string) ([]model.ReviewPrompt, error) {
	items, err := c.store.ListReviewPrompts(ctx, userID, false)
	if err != nil {
		return nil, fmt.Errorf("list review prompts: %w", err)
	}
	return items, nil
}

// Consume flags a prompt as handled. Consuming it again is a no-op.
func (c *Coordinator) Consume(ctx context.Context, promptID, actorID string) (model.ReviewPrompt, error) {
	prompt, err := c.store.GetReviewPrompt(ctx, promptID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ReviewPrompt{}, ErrNotFound
	}
	if err != nil {
		return model.ReviewPrompt{}, fmt.Errorf("load review prompt: %w", err)
	}
	if prompt.UserID != actorID {
		return model.ReviewPrompt{}, ErrForbidden
	}
	if prompt.Consumed {
		return prompt, nil
	}
	prompt, err = c.store.MarkReviewPromptConsumed(ctx, promptID)
	if err != nil {
		return model.ReviewPrompt{}, fmt.Errorf("consume review prompt: %w", err)
	}
	return prompt, nil
}
