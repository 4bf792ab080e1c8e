// Package event defines the durable event record, its lifecycle state
// machine, and the stores that persist it.
//
// An Event is created PENDING inside the transaction of the mutation that
// produced it and becomes visible to the dispatcher only after that
// transaction commits. From then on only the dispatch engine changes it, and
// only through the transition methods below:
//
//	PENDING    --Begin-->               PROCESSING
//	PROCESSING --Complete-->            COMPLETED
//	PROCESSING --Fail (retries left)--> PENDING (RetryCount+1)
//	PROCESSING --Fail (exhausted)-->    FAILED
//	PROCESSING --Release-->             PENDING (crash recovery)
//
// COMPLETED and FAILED are terminal. Events are never deleted.
//
// Every Begin increments Claims. Stores compare it on Save, so a writer
// holding an older claim cannot overwrite the event after it was released
// and claimed again.
package event

import (
	"fmt"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// DefaultMaxRetries is the retry limit given to new events.
const DefaultMaxRetries = 3

// Action is the kind of mutation an event records.
type Action string

// Actions.
const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of an event.
type Status string

// Statuses.
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResultStatus is the outcome of one handler invocation.
type ResultStatus string

// Result statuses.
const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailed  ResultStatus = "FAILED"
	ResultSkipped ResultStatus = "SKIPPED"
)

// HandlerResult records what one handler did during the latest attempt that
// reached it.
type HandlerResult struct {
	Status  ResultStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Event is one detected entity mutation plus its dispatch state.
type Event struct {
	ID            int64
	Type          string
	EntityType    string
	EntityID      int64
	Action        Action
	PreviousState snapshot.Snapshot
	CurrentState  snapshot.Snapshot
	ChangedFields []string
	PerformedBy   *int64
	Tenant        tenant.Handle

	Status         Status
	RetryCount     int
	MaxRetries     int
	ErrorMessage   string
	HandlerResults map[string]HandlerResult

	// Claims counts PENDING to PROCESSING transitions. ClaimedAt is the
	// time of the latest one.
	Claims    int
	ClaimedAt *time.Time

	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// TypeName builds an event type string. With a field it is the field-scoped
// form Entity.field.UPDATE.
func TypeName(entityType string, action Action, field string) string {
	if field != "" {
		return entityType + "." + field + "." + string(action)
	}
	return entityType + "." + string(action)
}

// Begin moves a PENDING event to PROCESSING.
func (e *Event) Begin() error {
	if e.Status != StatusPending {
		return &TransitionError{EventID: e.ID, From: e.Status, To: StatusProcessing}
	}
	e.Status = StatusProcessing
	e.Claims++
	return nil
}

// Complete moves a PROCESSING event to COMPLETED, clearing the last error.
func (e *Event) Complete(now time.Time) error {
	if e.Status != StatusProcessing {
		return &TransitionError{EventID: e.ID, From: e.Status, To: StatusCompleted}
	}
	e.Status = StatusCompleted
	e.ErrorMessage = ""
	e.ProcessedAt = &now
	return nil
}

// Fail records a failed attempt on a PROCESSING event. If retries remain the
// event goes back to PENDING with RetryCount incremented and retrying is
// true; otherwise it becomes FAILED.
func (e *Event) Fail(reason string, now time.Time) (retrying bool, err error) {
	if e.Status != StatusProcessing {
		return false, &TransitionError{EventID: e.ID, From: e.Status, To: StatusFailed}
	}
	e.ErrorMessage = reason
	if e.RetryCount < e.MaxRetries {
		e.RetryCount++
		e.Status = StatusPending
		return true, nil
	}
	e.Status = StatusFailed
	e.ProcessedAt = &now
	return false, nil
}

// Release returns a PROCESSING event to PENDING without consuming a retry.
// It is used for work orphaned by a crashed process.
func (e *Event) Release() error {
	if e.Status != StatusProcessing {
		return &TransitionError{EventID: e.ID, From: e.Status, To: StatusPending}
	}
	e.Status = StatusPending
	return nil
}

// MergeResults overwrites handler results by handler name.
func (e *Event) MergeResults(results map[string]HandlerResult) {
	if len(results) == 0 {
		return
	}
	if e.HandlerResults == nil {
		e.HandlerResults = make(map[string]HandlerResult, len(results))
	}
	for name, r := range results {
		e.HandlerResults[name] = r
	}
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.PreviousState = e.PreviousState.Clone()
	cp.CurrentState = e.CurrentState.Clone()
	if e.ChangedFields != nil {
		cp.ChangedFields = append([]string(nil), e.ChangedFields...)
	}
	if e.PerformedBy != nil {
		v := *e.PerformedBy
		cp.PerformedBy = &v
	}
	if e.ProcessedAt != nil {
		v := *e.ProcessedAt
		cp.ProcessedAt = &v
	}
	if e.ClaimedAt != nil {
		v := *e.ClaimedAt
		cp.ClaimedAt = &v
	}
	if e.HandlerResults != nil {
		cp.HandlerResults = make(map[string]HandlerResult, len(e.HandlerResults))
		for k, v := range e.HandlerResults {
			cp.HandlerResults[k] = v
		}
	}
	return &cp
}

// String returns a short description for logs.
func (e *Event) String() string {
	return fmt.Sprintf("event %d (%s %s:%d %s)", e.ID, e.Type, e.EntityType, e.EntityID, e.Status)
}
