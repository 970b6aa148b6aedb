package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flowpilot/internal/config"
	"flowpilot/internal/metrics"
	"flowpilot/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dispatch outcomes. Skipped and deduplicated are ordinary results, not
// errors; failed carries a classified reason code.
const (
	OutcomeExecuted     = "executed"
	OutcomeSkipped      = "skipped"
	OutcomeDeduplicated = "deduplicated"
	OutcomeFailed       = "failed"
)

// DispatchOutcome is the terminal result of one Dispatch call.
type DispatchOutcome struct {
	Status string
	Reason string // denial reason or classified error code
	Result *Result
	Key    string
}

// Dispatcher turns a matched (rule, event) pair into a guarded, idempotent
// side effect: gate → ledger → credential → handler → bookkeeping. It holds no
// lock of its own; all shared state lives behind the injected collaborators,
// and none of their locks are held across handler I/O.
type Dispatcher struct {
	gate     *SafetyGate
	ledger   *IdempotencyLedger
	creds    *CredentialManager
	registry *Registry
	usage    *UsageService
	rules    *RuleService
	hub      *ExecutionHub
	db       *gorm.DB
	logger   *logrus.Logger
	retry    config.RetryConfig
}

func NewDispatcher(
	db *gorm.DB,
	gate *SafetyGate,
	ledger *IdempotencyLedger,
	creds *CredentialManager,
	registry *Registry,
	usage *UsageService,
	rules *RuleService,
	hub *ExecutionHub,
	retry config.RetryConfig,
	logger *logrus.Logger,
) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		db:       db,
		gate:     gate,
		ledger:   ledger,
		creds:    creds,
		registry: registry,
		usage:    usage,
		rules:    rules,
		hub:      hub,
		retry:    retry,
		logger:   logger,
	}
}

// Dispatch executes one candidate. Transient handler and credential failures
// are retried with exponential backoff up to the configured ceiling, reusing
// the same fingerprint after the ledger entry is aborted. The caller's ctx
// deadline bounds the whole call.
func (d *Dispatcher) Dispatch(ctx context.Context, cand CandidateExecution) DispatchOutcome {
	key := FingerprintKey(cand.Rule.ID.String(), cand.Event.SourceID, cand.Rule.ActionType)

	outcome := d.run(ctx, cand, key)

	d.recordExecution(cand, key, outcome)
	metrics.IncDispatchOutcome(outcome.Status)
	if d.hub != nil {
		d.hub.Publish(ExecutionEvent{
			RuleID:  cand.Rule.ID.String(),
			UserID:  cand.Rule.UserID,
			Key:     key,
			Outcome: outcome.Status,
			Reason:  outcome.Reason,
		})
	}
	return outcome
}

func (d *Dispatcher) run(ctx context.Context, cand CandidateExecution, key string) DispatchOutcome {
	// Rules paused or disabled between evaluation and dispatch never fire.
	if cand.Rule.Status != models.RuleStatusActive {
		return DispatchOutcome{Status: OutcomeSkipped, Reason: "rule_not_active", Key: key}
	}

	var final DispatchOutcome

	attempt := func() error {
		out, retryable := d.attempt(ctx, cand, key)
		final = out
		if retryable {
			return errors.New(out.Reason)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retry.InitialInterval
	bo.MaxInterval = d.retry.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.retry.MaxAttempts-1)), ctx)

	// Retries exhausted or ctx expired: final already holds the transient
	// failure from the last attempt, which is the terminal outcome.
	_ = backoff.Retry(attempt, policy)
	return final
}

// attempt runs a single pass through the gate/ledger/credential/handler
// sequence. retryable=true means the ledger entry has been released and the
// same key may re-enter on the next attempt.
func (d *Dispatcher) attempt(ctx context.Context, cand CandidateExecution, key string) (out DispatchOutcome, retryable bool) {
	rule := cand.Rule

	allowed, reason := d.gate.Authorize(rule.UserID, cand.Event.ContactID, rule.ActionType)
	if !allowed {
		return DispatchOutcome{Status: OutcomeSkipped, Reason: reason, Key: key}, false
	}

	alreadyDone, prior, err := d.ledger.TryBegin(ctx, key)
	if err != nil {
		d.logger.Errorf("dispatch: ledger begin failed for rule=%s: %v", rule.ID, err)
		return DispatchOutcome{Status: OutcomeFailed, Reason: CodeHandlerTransient, Key: key}, true
	}
	if alreadyDone {
		return DispatchOutcome{Status: OutcomeDeduplicated, Result: prior, Key: key}, false
	}

	token := ""
	if rule.Integration != "" {
		token, err = d.creds.GetValidToken(ctx, rule.UserID, rule.Integration)
		if err != nil {
			d.abort(ctx, key, rule.ID)
			switch {
			case errors.Is(err, ErrCredentialSuspended):
				return DispatchOutcome{Status: OutcomeFailed, Reason: CodeCredentialSuspended, Key: key}, false
			case errors.Is(err, ErrCredentialNotFound):
				return DispatchOutcome{Status: OutcomeFailed, Reason: CodeValidationError, Key: key}, false
			default:
				return DispatchOutcome{Status: OutcomeFailed, Reason: CodeCredentialTransient, Key: key}, true
			}
		}
	}

	handler, ok := d.registry.Resolve(rule.ActionType)
	if !ok {
		// Configuration error: escalate by pausing the rule so it stops
		// consuming events until an operator intervenes.
		d.abort(ctx, key, rule.ID)
		d.logger.Errorf("dispatch: no handler for action type %q (rule=%s); pausing rule", rule.ActionType, rule.ID)
		if d.rules != nil {
			if err := d.rules.PauseRule(ctx, rule.ID); err != nil {
				d.logger.Errorf("dispatch: pause rule %s failed: %v", rule.ID, err)
			}
		}
		return DispatchOutcome{Status: OutcomeFailed, Reason: CodeUnknownActionType, Key: key}, false
	}

	params := decodeParams(rule.ActionParams, d.logger)

	res, err := handler.Execute(ctx, token, params, cand.Event.Payload)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Deadline hit while the handler ran. Abort so a retry can
			// occur; the ledger keeps the eventual retry safe even if the
			// handler could not be interrupted.
			d.abort(context.WithoutCancel(ctx), key, rule.ID)
			return DispatchOutcome{Status: OutcomeFailed, Reason: CodeTimeout, Key: key}, true
		}
		if isPermanent(err) {
			if ferr := d.ledger.MarkFailed(ctx, key); ferr != nil {
				d.logger.Errorf("dispatch: ledger mark-failed failed for rule=%s key=%s: %v", rule.ID, key, ferr)
			}
			return DispatchOutcome{Status: OutcomeFailed, Reason: CodeHandlerPermanent, Key: key}, false
		}
		d.abort(ctx, key, rule.ID)
		return DispatchOutcome{Status: OutcomeFailed, Reason: CodeHandlerTransient, Key: key}, true
	}

	if err := d.ledger.Complete(ctx, key, res); err != nil {
		d.logger.Errorf("dispatch: ledger complete failed for %s: %v", rule.ID, err)
	}
	d.usage.Increment(ctx, rule.UserID, MetricAutomationActions, 1)
	return DispatchOutcome{Status: OutcomeExecuted, Result: &res, Key: key}, false
}

// abort releases the ledger claim. A release that fails leaves the key
// stranded in_progress, which the next attempt would misread as a dedup, so
// the failure is logged rather than swallowed.
func (d *Dispatcher) abort(ctx context.Context, key string, ruleID uuid.UUID) {
	if err := d.ledger.Abort(ctx, key); err != nil {
		d.logger.Errorf("dispatch: ledger abort failed for rule=%s key=%s: %v", ruleID, key, err)
	}
}

// DispatchAll runs every candidate and returns the outcomes in order.
func (d *Dispatcher) DispatchAll(ctx context.Context, cands []CandidateExecution) []DispatchOutcome {
	outcomes := make([]DispatchOutcome, 0, len(cands))
	for _, c := range cands {
		outcomes = append(outcomes, d.Dispatch(ctx, c))
	}
	return outcomes
}

func (d *Dispatcher) recordExecution(cand CandidateExecution, key string, out DispatchOutcome) {
	rec := models.RuleExecution{
		RuleID:    cand.Rule.ID,
		UserID:    cand.Rule.UserID,
		Key:       key,
		Outcome:   out.Status,
		Reason:    out.Reason,
		CreatedAt: time.Now().UTC(),
	}
	// Recorded best-effort outside the caller's deadline: the audit row
	// should not vanish because the dispatch timed out.
	if err := d.db.Create(&rec).Error; err != nil {
		d.logger.Warnf("dispatch: record execution failed for rule=%s: %v", cand.Rule.ID, err)
	}
}

func decodeParams(raw string, logger *logrus.Logger) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		logger.Warnf("dispatch: invalid action params: %v", err)
		return map[string]any{}
	}
	return params
}
