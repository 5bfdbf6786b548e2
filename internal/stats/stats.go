// Package stats derives progress figures from tracker rows.
package stats

import (
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
)

// GoalSummary is a goal enriched with its derived progress figures.
type GoalSummary struct {
	Goal                 tracker.Goal `json:"goal"`
	TotalProgress        float64      `json:"total_progress"`
	CompletionPercentage float64      `json:"completion_percentage"`
	CurrentStreak        int          `json:"current_streak"`
	DaysRemaining        int          `json:"days_remaining"`
	Active               bool         `json:"active"`
}

// DashboardStats aggregates figures across a user's goals.
type DashboardStats struct {
	TotalGoals         int     `json:"total_goals"`
	ActiveGoals        int     `json:"active_goals"`
	CompletedGoals     int     `json:"completed_goals"`
	TodayProgressCount int     `json:"today_progress_count"`
	LongestStreak      int     `json:"longest_streak"`
	TotalProgress      float64 `json:"total_progress"`
}

// TotalProgress sums the values of live entries.
func TotalProgress(entries []tracker.ProgressRecord) float64 {
	total := 0.0
	for _, entry := range entries {
		if entry.Deleted {
			continue
		}
		total += entry.Value
	}
	return total
}

// CompletionPercentage relates live progress to the goal's target, capped at 100.
// Goals without a positive target report 0.
func CompletionPercentage(goal tracker.Goal, entries []tracker.ProgressRecord) float64 {
	if goal.TargetUnits == nil || *goal.TargetUnits <= 0 {
		return 0
	}
	percentage := TotalProgress(entries) / float64(*goal.TargetUnits) * 100
	return math.Max(0, math.Min(100, percentage))
}

// CurrentStreak counts consecutive days with a live entry, ending today.
func CurrentStreak(entries []tracker.ProgressRecord, today time.Time) int {
	days := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.Deleted {
			continue
		}
		days[entry.Date] = struct{}{}
	}

	streak := 0
	for day := truncateDay(today); ; day = day.AddDate(0, 0, -1) {
		if _, ok := days[tracker.FormatDate(day)]; !ok {
			return streak
		}
		streak++
	}
}

// DaysRemaining returns the whole days from today to the goal's end date, never negative.
func DaysRemaining(goal tracker.Goal, today time.Time) int {
	end, err := tracker.ParseDate(goal.EndDate)
	if err != nil {
		return 0
	}
	remaining := int(end.Sub(truncateDay(today)).Hours() / 24)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsActive reports whether the goal is live and today falls within its date range.
func IsActive(goal tracker.Goal, today time.Time) bool {
	if goal.Deleted {
		return false
	}
	start, err := tracker.ParseDate(goal.StartDate)
	if err != nil {
		return false
	}
	end, err := tracker.ParseDate(goal.EndDate)
	if err != nil {
		return false
	}
	day := truncateDay(today)
	return !day.Before(start) && !day.After(end)
}

// Summarize computes every per-goal statistic for the goal's progress entries as of today.
func Summarize(goal tracker.Goal, entries []tracker.ProgressRecord, today time.Time) GoalSummary {
	return GoalSummary{
		Goal:                 goal,
		TotalProgress:        TotalProgress(entries),
		CompletionPercentage: CompletionPercentage(goal, entries),
		CurrentStreak:        CurrentStreak(entries, today),
		DaysRemaining:        DaysRemaining(goal, today),
		Active:               IsActive(goal, today),
	}
}

// Dashboard aggregates the live goals of a user. progress maps goal ids to their entries.
func Dashboard(goals []tracker.Goal, progress map[string][]tracker.ProgressRecord, today time.Time) DashboardStats {
	todayKey := tracker.FormatDate(truncateDay(today))
	var dashboard DashboardStats
	for _, goal := range goals {
		if goal.Deleted {
			continue
		}
		entries := progress[goal.ID]
		summary := Summarize(goal, entries, today)

		dashboard.TotalGoals++
		if summary.Active {
			dashboard.ActiveGoals++
		}
		if summary.CompletionPercentage >= 100 {
			dashboard.CompletedGoals++
		}
		if summary.CurrentStreak > dashboard.LongestStreak {
			dashboard.LongestStreak = summary.CurrentStreak
		}
		dashboard.TotalProgress += summary.TotalProgress
		for _, entry := range entries {
			if !entry.Deleted && entry.Date == todayKey {
				dashboard.TodayProgressCount++
				break
			}
		}
	}
	return dashboard
}

// truncateDay maps an instant to midnight UTC of its calendar day in its own location.
func truncateDay(value time.Time) time.Time {
	year, month, day := value.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
