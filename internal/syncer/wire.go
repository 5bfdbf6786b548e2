package syncer

import "github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"

// ChangeStatus is the hub's verdict on one pushed change.
type ChangeStatus string

const (
	// ChangeApplied means the hub stored the pushed state.
	ChangeApplied ChangeStatus = "applied"
	// ChangeStale means the hub already held a newer or equal version.
	ChangeStale ChangeStatus = "stale"
	// ChangeRejected means the change was invalid or not owned by the caller. Resending it
	// cannot succeed.
	ChangeRejected ChangeStatus = "rejected"
	// ChangeDeferred means the hub does not yet know the goal a progress row belongs to.
	// The device retries it on a later pass.
	ChangeDeferred ChangeStatus = "deferred"
)

// GoalPayload is the wire form of a goal.
type GoalPayload struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	TargetUnits *int64 `json:"target_units,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	Deleted     bool   `json:"deleted"`
}

// NewGoalPayload converts a stored goal to its wire form.
func NewGoalPayload(goal tracker.Goal) GoalPayload {
	return GoalPayload{
		ID:          goal.ID,
		UserID:      goal.UserID,
		Title:       goal.Title,
		Description: goal.Description,
		StartDate:   goal.StartDate,
		EndDate:     goal.EndDate,
		TargetUnits: goal.TargetUnits,
		CreatedAt:   goal.CreatedAt,
		UpdatedAt:   goal.UpdatedAt,
		Deleted:     goal.Deleted,
	}
}

// Goal converts the payload back to the storage model.
func (p GoalPayload) Goal() tracker.Goal {
	return tracker.Goal{
		ID:          p.ID,
		UserID:      p.UserID,
		Title:       p.Title,
		Description: p.Description,
		StartDate:   p.StartDate,
		EndDate:     p.EndDate,
		TargetUnits: p.TargetUnits,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		Deleted:     p.Deleted,
	}
}

// ProgressPayload is the wire form of a daily progress row.
type ProgressPayload struct {
	ID        string  `json:"id"`
	GoalID    string  `json:"goal_id"`
	Date      string  `json:"date"`
	Value     float64 `json:"value"`
	Note      string  `json:"note"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	Deleted   bool    `json:"deleted"`
}

// NewProgressPayload converts a stored progress row to its wire form.
func NewProgressPayload(record tracker.ProgressRecord) ProgressPayload {
	return ProgressPayload{
		ID:        record.ID,
		GoalID:    record.GoalID,
		Date:      record.Date,
		Value:     record.Value,
		Note:      record.Note,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
		Deleted:   record.Deleted,
	}
}

// ProgressRecord converts the payload back to the storage model.
func (p ProgressPayload) ProgressRecord() tracker.ProgressRecord {
	return tracker.ProgressRecord{
		ID:        p.ID,
		GoalID:    p.GoalID,
		Date:      p.Date,
		Value:     p.Value,
		Note:      p.Note,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		Deleted:   p.Deleted,
	}
}

// Change carries the current state of one entity named by an outbox entry.
type Change struct {
	EntityType tracker.EntityType `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Operation  tracker.Operation  `json:"operation"`
	Goal       *GoalPayload       `json:"goal,omitempty"`
	Progress   *ProgressPayload   `json:"progress,omitempty"`
}

// ChangeResult reports how the hub handled one change.
type ChangeResult struct {
	EntityType tracker.EntityType `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Operation  tracker.Operation  `json:"operation"`
	Status     ChangeStatus       `json:"status"`
	Error      string             `json:"error,omitempty"`
}

// PushRequest is the body of a push.
type PushRequest struct {
	Changes []Change `json:"changes"`
}

// PushResponse lists one result per pushed change, in order.
type PushResponse struct {
	Results []ChangeResult `json:"results"`
}

// PullResponse carries one page of rows the hub accepted after the requested cursor. Cursor is
// stamped by the hub when it accepts a change, never by the writing device, and becomes the
// caller's next watermark. HasMore asks the caller to pull again from Cursor.
type PullResponse struct {
	Cursor   string            `json:"cursor"`
	HasMore  bool              `json:"has_more"`
	Goals    []GoalPayload     `json:"goals"`
	Progress []ProgressPayload `json:"progress"`
}

// SessionRequest is the body of a sign-in. Hubs require Password.
type SessionRequest struct {
	Email    string `json:"email"`
	UserID   string `json:"user_id,omitempty"`
	Password string `json:"password,omitempty"`
}

// SessionResponse is returned by a successful sign-in.
type SessionResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	User        UserPayload `json:"user"`
}

// UserPayload is the wire form of a user.
type UserPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}
