package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/stats"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/syncer"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"github.com/gin-gonic/gin"
)

type goalRequestPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	TargetUnits *int64 `json:"target_units"`
}

func (p goalRequestPayload) input(userID string) tracker.GoalInput {
	return tracker.GoalInput{
		UserID:      userID,
		Title:       p.Title,
		Description: p.Description,
		StartDate:   p.StartDate,
		EndDate:     p.EndDate,
		TargetUnits: p.TargetUnits,
	}
}

type progressRequestPayload struct {
	Value *float64 `json:"value"`
	Note  string   `json:"note"`
}

type summaryPayload struct {
	Goal                 syncer.GoalPayload `json:"goal"`
	TotalProgress        float64            `json:"total_progress"`
	CompletionPercentage float64            `json:"completion_percentage"`
	CurrentStreak        int                `json:"current_streak"`
	DaysRemaining        int                `json:"days_remaining"`
	Active               bool               `json:"active"`
}

func newSummaryPayload(summary stats.GoalSummary) summaryPayload {
	return summaryPayload{
		Goal:                 syncer.NewGoalPayload(summary.Goal),
		TotalProgress:        summary.TotalProgress,
		CompletionPercentage: summary.CompletionPercentage,
		CurrentStreak:        summary.CurrentStreak,
		DaysRemaining:        summary.DaysRemaining,
		Active:               summary.Active,
	}
}

func goalPayloads(goals []tracker.Goal) []syncer.GoalPayload {
	payloads := make([]syncer.GoalPayload, 0, len(goals))
	for _, goal := range goals {
		payloads = append(payloads, syncer.NewGoalPayload(goal))
	}
	return payloads
}

func progressPayloads(records []tracker.ProgressRecord) []syncer.ProgressPayload {
	payloads := make([]syncer.ProgressPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, syncer.NewProgressPayload(record))
	}
	return payloads
}

func queryFlag(c *gin.Context, name string) bool {
	value, err := strconv.ParseBool(c.DefaultQuery(name, "false"))
	return err == nil && value
}

// ownedGoal loads the goal named by the :id parameter. Goals of other users are reported as
// missing. It writes the error response itself and returns false on failure.
func (h *httpHandler) ownedGoal(c *gin.Context, user tracker.User) (tracker.Goal, bool) {
	goalID, err := tracker.NewGoalID(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_goal_id"})
		return tracker.Goal{}, false
	}
	goal, err := h.store.GetGoal(c.Request.Context(), goalID)
	if err != nil {
		h.writeError(c, "failed to load goal", err)
		return tracker.Goal{}, false
	}
	if goal.UserID != user.ID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return tracker.Goal{}, false
	}
	return goal, true
}

func (h *httpHandler) requireUser(c *gin.Context) (tracker.User, bool) {
	user, ok := currentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return user, ok
}

func (h *httpHandler) handleListGoals(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	var (
		goals []tracker.Goal
		err   error
	)
	if queryFlag(c, "include_deleted") {
		goals, err = h.store.ListAllGoals(c.Request.Context(), tracker.UserID(user.ID))
	} else {
		goals, err = h.store.ListActiveGoals(c.Request.Context(), tracker.UserID(user.ID))
	}
	if err != nil {
		h.writeError(c, "failed to list goals", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": goalPayloads(goals)})
}

func (h *httpHandler) handleCreateGoal(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request goalRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	goal, err := h.store.CreateGoal(c.Request.Context(), request.input(user.ID))
	if err != nil {
		h.writeError(c, "failed to create goal", err)
		return
	}
	c.JSON(http.StatusCreated, syncer.NewGoalPayload(goal))
}

func (h *httpHandler) handleGetGoal(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	goal, ok := h.ownedGoal(c, user)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, syncer.NewGoalPayload(goal))
}

func (h *httpHandler) handleUpdateGoal(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	goal, ok := h.ownedGoal(c, user)
	if !ok {
		return
	}
	var request goalRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.store.UpdateGoal(c.Request.Context(), tracker.GoalID(goal.ID), request.input(user.ID))
	if err != nil {
		h.writeError(c, "failed to update goal", err)
		return
	}
	c.JSON(http.StatusOK, syncer.NewGoalPayload(updated))
}

func (h *httpHandler) handleDeleteGoal(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	goal, ok := h.ownedGoal(c, user)
	if !ok {
		return
	}
	var (
		deleted tracker.Goal
		err     error
	)
	if queryFlag(c, "cascade") {
		deleted, err = h.store.SoftDeleteGoalCascade(c.Request.Context(), tracker.GoalID(goal.ID))
	} else {
		deleted, err = h.store.SoftDeleteGoal(c.Request.Context(), tracker.GoalID(goal.ID))
	}
	if err != nil {
		h.writeError(c, "failed to delete goal", err)
		return
	}
	c.JSON(http.StatusOK, syncer.NewGoalPayload(deleted))
}

func (h *httpHandler) handleGoalSummary(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	goal, ok := h.ownedGoal(c, user)
	if !ok {
		return
	}
	entries, err := h.store.ListProgress(c.Request.Context(), tracker.GoalID(goal.ID))
	if err != nil {
		h.writeError(c, "failed to list progress", err)
		return
	}
	c.JSON(http.StatusOK, newSummaryPayload(stats.Summarize(goal, entries, h.clock().UTC())))
}

func (h *httpHandler) handleListProgress(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	goal, ok := h.ownedGoal(c, user)
	if !ok {
		return
	}
	var (
		records []tracker.ProgressRecord
		err     error
	)
	if queryFlag(c, "include_deleted") {
		records, err = h.store.ListProgressHistory(c.Request.Context(), tracker.GoalID(goal.ID))
	} else {
		records, err = h.store.ListProgress(c.Request.Context(), tracker.GoalID(goal.ID))
	}
	if err != nil {
		h.writeError(c, "failed to list progress", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": progressPayloads(records)})
}

func (h *httpHandler) handleRecordProgress(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	goal, ok := h.ownedGoal(c, user)
	if !ok {
		return
	}
	var request progressRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := h.store.RecordDailyProgress(c.Request.Context(), tracker.GoalID(goal.ID), c.Param("date"), *request.Value, request.Note)
	if err != nil {
		h.writeError(c, "failed to record progress", err)
		return
	}
	status := http.StatusOK
	if outcome.Operation == tracker.OperationCreate {
		status = http.StatusCreated
	}
	c.JSON(status, syncer.NewProgressPayload(outcome.Record))
}

func (h *httpHandler) handleDeleteProgress(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	progressID, err := tracker.NewProgressID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_progress_id"})
		return
	}
	record, err := h.store.GetProgress(c.Request.Context(), progressID)
	if err != nil {
		h.writeError(c, "failed to load progress", err)
		return
	}
	goal, err := h.store.GetGoal(c.Request.Context(), tracker.GoalID(record.GoalID))
	if err != nil {
		h.writeError(c, "failed to load goal", err)
		return
	}
	if goal.UserID != user.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	deleted, err := h.store.SoftDeleteDailyProgress(c.Request.Context(), progressID)
	if err != nil {
		h.writeError(c, "failed to delete progress", err)
		return
	}
	c.JSON(http.StatusOK, syncer.NewProgressPayload(deleted))
}

func (h *httpHandler) handleDashboard(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	goals, err := h.store.ListActiveGoals(c.Request.Context(), tracker.UserID(user.ID))
	if err != nil {
		h.writeError(c, "failed to list goals", err)
		return
	}
	progress := make(map[string][]tracker.ProgressRecord, len(goals))
	for _, goal := range goals {
		entries, err := h.store.ListProgress(c.Request.Context(), tracker.GoalID(goal.ID))
		if err != nil {
			h.writeError(c, "failed to list progress", err)
			return
		}
		progress[goal.ID] = entries
	}
	c.JSON(http.StatusOK, stats.Dashboard(goals, progress, h.clock().UTC()))
}
