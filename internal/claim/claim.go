// Package claim arbitrates the lifecycle transitions of a help request:
// claiming, completing and deleting. Every decision is taken inside one
// store transaction so concurrent callers see a single winner.
package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"neighborly/api/internal/logging"
	"neighborly/api/internal/metrics"
	"neighborly/api/internal/model"
	"neighborly/api/internal/store"
)

type Outcome string

const (
	OK        Outcome = "ok"
	Conflict  Outcome = "conflict"
	Forbidden Outcome = "forbidden"
	NotFound  Outcome = "not_found"
	Invalid   Outcome = "invalid"
)

const (
	ReasonAlreadyClaimed = "already claimed by someone else"
	ReasonAlreadyDone    = "request is already completed"
	ReasonNotClaimed     = "request has not been accepted yet"
	ReasonNotDeletable   = "only unclaimed open requests can be deleted"
	ReasonOwnRequest     = "you cannot accept your own request"
	ReasonNotRequester   = "only the requester can do this"
	ReasonBusy           = "request is being changed by someone else, try again"
)

// Result is the outcome of one arbitration. Request is only meaningful when
// Outcome is OK.
type Result struct {
	Outcome Outcome
	Request model.Request
	Reason  string
}

func (r Result) OK() bool {
	return r.Outcome == OK
}

// PromptCreator is told about every completed request that had a helper.
type PromptCreator interface {
	CreatePromptsForBoth(ctx context.Context, requestID, requesterID, helperID, requestTitle string) error
}

// rejection aborts a store transaction with a domain outcome.
type rejection struct {
	outcome Outcome
	reason  string
}

func (r *rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.outcome, r.reason)
}

func reject(outcome Outcome, reason string) error {
	return &rejection{outcome: outcome, reason: reason}
}

type Arbitrator struct {
	store   store.RequestStore
	prompts PromptCreator
	log     *logrus.Entry
}

func New(requests store.RequestStore, prompts PromptCreator, log *logrus.Entry) *Arbitrator {
	if log == nil {
		log = logging.Discard()
	}
	return &Arbitrator{store: requests, prompts: prompts, log: log}
}

// Accept claims an open request for helperID and moves it to next, which
// must be accepted or in_progress. The first claim to commit wins; later
// ones get Conflict and are not retried.
func (a *Arbitrator) Accept(ctx context.Context, requestID, helperID string, next model.Status) (Result, error) {
	if !next.Claimed() {
		return a.finish("accept", Result{Outcome: Invalid, Reason: "nextStatus must be accepted or in_progress"}, nil)
	}
	if helperID == "" {
		return a.finish("accept", Result{Outcome: Invalid, Reason: "helper is required"}, nil)
	}

	item, err := a.store.UpdateRequest(ctx, requestID, func(current model.Request) (model.Request, error) {
		switch current.Status {
		case model.StatusOpen:
		case model.StatusDone:
			return current, reject(Conflict, ReasonAlreadyDone)
		default:
			return current, reject(Conflict, ReasonAlreadyClaimed)
		}
		if current.RequesterID == helperID {
			return current, reject(Forbidden, ReasonOwnRequest)
		}
		current.HelperID = model.StringPtr(helperID)
		current.Status = next
		return current, nil
	})
	res, err := a.result(item, err)
	return a.finish("accept", res, err)
}

// Complete marks a claimed request done. Only the requester or an admin may
// do so. Review prompts for both participants are requested after the
// transaction commits; failures there are logged and do not change the
// result.
func (a *Arbitrator) Complete(ctx context.Context, requestID, actorID string, isAdmin bool) (Result, error) {
	item, err := a.store.UpdateRequest(ctx, requestID, func(current model.Request) (model.Request, error) {
		if !isAdmin && current.RequesterID != actorID {
			return current, reject(Forbidden, ReasonNotRequester)
		}
		switch current.Status {
		case model.StatusDone:
			return current, reject(Conflict, ReasonAlreadyDone)
		case model.StatusOpen:
			return current, reject(Conflict, ReasonNotClaimed)
		}
		current.Status = model.StatusDone
		return current, nil
	})
	res, err := a.result(item, err)
	if err == nil && res.OK() {
		a.requestPrompts(ctx, res.Request)
	}
	return a.finish("complete", res, err)
}

func (a *Arbitrator) requestPrompts(ctx context.Context, r model.Request) {
	helper := r.Helper()
	if a.prompts == nil || helper == "" {
		return
	}
	if err := a.prompts.CreatePromptsForBoth(ctx, r.ID, r.RequesterID, helper, r.Title); err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{
			"request_id":   r.ID,
			"requester_id": r.RequesterID,
			"helper_id":    helper,
		}).Error("review prompt creation failed after completion")
	}
}

// DeleteOpen removes a request. Admins may remove any request; anyone else
// only their own request while it is open and unclaimed.
func (a *Arbitrator) DeleteOpen(ctx context.Context, requestID, actorID string, isAdmin bool) (Result, error) {
	var check store.CheckFunc
	if !isAdmin {
		check = func(current model.Request) error {
			if !current.Deletable() {
				return reject(Conflict, ReasonNotDeletable)
			}
			if current.RequesterID != actorID {
				return reject(Forbidden, ReasonNotRequester)
			}
			return nil
		}
	}
	item, err := a.store.DeleteRequest(ctx, requestID, check)
	res, err := a.result(item, err)
	return a.finish("delete", res, err)
}

func (a *Arbitrator) result(item model.Request, err error) (Result, error) {
	if err == nil {
		return Result{Outcome: OK, Request: item}, nil
	}
	var rej *rejection
	switch {
	case errors.As(err, &rej):
		return Result{Outcome: rej.outcome, Reason: rej.reason}, nil
	case errors.Is(err, store.ErrNotFound):
		return Result{Outcome: NotFound, Reason: "request not found"}, nil
	case errors.Is(err, store.ErrContention):
		return Result{Outcome: Conflict, Reason: ReasonBusy}, nil
	default:
		return Result{}, err
	}
}

func (a *Arbitrator) finish(op string, res Result, err error) (Result, error) {
	if err != nil {
		metrics.RecordClaim(op, "error")
		return Result{}, fmt.Errorf("%s request: %w", op, err)
	}
	metrics.RecordClaim(op, string(res.Outcome))
	if res.Outcome != OK {
		a.log.WithFields(logrus.Fields{"op": op, "outcome": res.Outcome}).Debug(res.Reason)
	}
	return res, nil
}
