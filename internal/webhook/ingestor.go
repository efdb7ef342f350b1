package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tessera/internal/config"
	"tessera/internal/identifier"
	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/services"
	"tessera/internal/services/derivative"
)

// Outcome classifies how one delivery was handled. Everything except
// OutcomeRejected maps to an HTTP 200 at the transport; the remote service
// must not redeliver events we have already accounted for.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeExhausted Outcome = "exhausted"
)

// Result reports the handling of one webhook delivery.
type Result struct {
	EventID string
	Outcome Outcome
}

// Event is the push notification payload from the remote service.
type Event struct {
	EventType   string   `json:"eventType"`
	Timestamp   string   `json:"timestamp"`
	ResourceURN string   `json:"resourceUrn"`
	Status      string   `json:"status"`
	Progress    float64  `json:"progress"`
	Message     string   `json:"message"`
	ErrorCode   string   `json:"errorCode"`
	Warnings    []string `json:"warnings"`
}

// retryBackoff is the fixed wait schedule between processing attempts.
var retryBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// Ingestor verifies, deduplicates, and applies webhook events. Deliveries are
// unordered and at-least-once; idempotency comes from the receipt ledger keyed
// by a content-derived event identifier.
type Ingestor struct {
	store      *jobs.Store
	machine    *jobs.StateMachine
	secret     []byte
	maxRetries int
	logger     *slog.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewIngestor builds the ingestor from the webhook section of the
// configuration.
func NewIngestor(cfg *config.Config, store *jobs.Store, machine *jobs.StateMachine, logger *slog.Logger) *Ingestor {
	maxRetries := cfg.Webhook.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Ingestor{
		store:      store,
		machine:    machine,
		secret:     []byte(cfg.Webhook.SigningSecret),
		maxRetries: maxRetries,
		logger:     logging.WithComponent(logger, "webhook"),
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EventID derives the idempotency key for a delivery. Byte-identical
// redeliveries always produce the same identifier.
func EventID(eventType, timestamp, resourceURN string) string {
	sum := sha256.Sum256([]byte(eventType + "|" + timestamp + "|" + resourceURN))
	return hex.EncodeToString(sum[:])
}

// Handle processes one raw delivery. The signature is verified over the exact
// request body bytes before anything is parsed.
func (i *Ingestor) Handle(ctx context.Context, body []byte, signature string) (*Result, error) {
	if err := i.verifySignature(body, signature); err != nil {
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, services.Wrap(services.ErrValidation, "webhook", "parse", "malformed event payload", err)
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	eventID := EventID(event.EventType, event.Timestamp, event.ResourceURN)
	log := i.logger.With(
		logging.String(logging.FieldEventID, eventID),
		logging.String(logging.FieldEventType, event.EventType),
	)

	receipt, err := i.store.GetReceipt(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if receipt != nil && receipt.Status == jobs.ReceiptProcessed {
		log.Debug("duplicate delivery ignored")
		return &Result{EventID: eventID, Outcome: OutcomeDuplicate}, nil
	}

	attempts := 0
	if receipt != nil {
		// A previously failed event is eligible for reprocessing, but its
		// earlier attempts still count toward the budget.
		attempts = receipt.Attempts
	}

	outcome, procErr := i.process(ctx, log, event, &attempts)
	now := time.Now().UTC()
	record := jobs.Receipt{
		EventID:     eventID,
		EventType:   event.EventType,
		ResourceURN: event.ResourceURN,
		Attempts:    attempts,
		ProcessedAt: &now,
	}
	if procErr != nil {
		record.Status = jobs.ReceiptFailed
		record.LastError = procErr.Error()
		if err := i.store.RecordReceipt(ctx, record); err != nil {
			return nil, err
		}
		log.Error("event processing exhausted retries", logging.Error(procErr))
		// The transport still acknowledges the delivery: redelivering an
		// event we cannot process would only fail again.
		return &Result{EventID: eventID, Outcome: OutcomeExhausted}, nil
	}

	record.Status = jobs.ReceiptProcessed
	if err := i.store.RecordReceipt(ctx, record); err != nil {
		return nil, err
	}
	return &Result{EventID: eventID, Outcome: outcome}, nil
}

// process applies the event with the fixed retry schedule. Validation
// failures abort immediately; transient failures retry. A redelivery whose
// budget was already spent still gets one attempt before re-exhausting.
func (i *Ingestor) process(ctx context.Context, log *slog.Logger, event Event, attempts *int) (Outcome, error) {
	for {
		*attempts++
		outcome, err := i.apply(ctx, event)
		if err == nil {
			return outcome, nil
		}
		if !services.Retryable(err) {
			return "", err
		}
		if *attempts > i.maxRetries {
			return "", err
		}
		log.Warn("event processing attempt failed",
			logging.Int("attempt", *attempts),
			logging.Error(err),
		)
		wait := retryBackoff[min(*attempts-1, len(retryBackoff)-1)]
		if err := i.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// apply resolves the target job and pushes the event's status through the
// state machine.
func (i *Ingestor) apply(ctx context.Context, event Event) (Outcome, error) {
	resource := event.ResourceURN
	// Remote deliveries address the source by its encoded form; jobs store
	// the raw identifier.
	if decoded, err := identifier.Decode(resource); err == nil {
		resource = decoded
	}
	job, err := i.store.FindBySourceURN(ctx, resource)
	if err != nil {
		return "", err
	}
	if job == nil {
		// The event may have raced the job's own creation; treat as
		// transient so the retry schedule gives the writer time to commit.
		return "", services.Wrap(services.ErrTransient, "webhook", "apply",
			fmt.Sprintf("no job found for resource %s", event.ResourceURN), nil)
	}

	upd, err := derivative.MapRemoteStatus(event.Status)
	if err != nil {
		return "", err
	}
	upd.Progress = event.Progress
	if event.Message != "" {
		upd.Message = event.Message
	}
	if event.ErrorCode != "" {
		upd.ErrorCode = event.ErrorCode
	}
	upd.Warnings = append(upd.Warnings, event.Warnings...)

	applied, err := i.machine.Apply(ctx, job.ID, upd)
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeStale, nil
	}
	i.logger.Info("event applied",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("status", string(upd.Status)),
	)
	return OutcomeApplied, nil
}

func (i *Ingestor) verifySignature(body []byte, signature string) error {
	// An empty secret disables verification entirely; deliveries are accepted
	// unsigned. Signature checking is opt-in via webhook.signing_secret.
	if len(i.secret) == 0 {
		return nil
	}
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) == 0 {
		return services.Wrap(services.ErrAuth, "webhook", "verify", "missing or malformed signature header", nil)
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return services.Wrap(services.ErrAuth, "webhook", "verify", "signature mismatch", nil)
	}
	return nil
}

// Sign computes the signature header value for a payload. Exposed for tests
// and for local delivery tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validateEvent(event Event) error {
	var missing []string
	if strings.TrimSpace(event.EventType) == "" {
		missing = append(missing, "eventType")
	}
	if strings.TrimSpace(event.Timestamp) == "" {
		missing = append(missing, "timestamp")
	}
	if strings.TrimSpace(event.ResourceURN) == "" {
		missing = append(missing, "resourceUrn")
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrValidation, "webhook", "validate",
			"event missing required fields: "+strings.Join(missing, ", "), nil)
	}
	if _, err := time.Parse(time.RFC3339, event.Timestamp); err != nil {
		return services.Wrap(services.ErrValidation, "webhook", "validate", "timestamp is not RFC 3339", err)
	}
	return nil
}
