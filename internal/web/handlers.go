package web

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"schoolalarm/internal/calendar"
	"schoolalarm/internal/config"
	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/model"
	"schoolalarm/internal/notify"
	"schoolalarm/internal/store"
)

const (
	defaultPreviewDays = 10
	maxPreviewDays     = 366
)

func (s *Server) registerRoutes() {
	r := s.engine

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/alarm", s.getAlarm)
		api.PUT("/alarm", s.putAlarm)
		api.DELETE("/alarm", s.deleteAlarm)
		api.PUT("/alarm/enabled", s.putAlarmEnabled)

		api.GET("/rules", s.listRules)
		api.POST("/rules", s.createRule)
		api.PUT("/rules/:id", s.updateRule)
		api.DELETE("/rules/:id", s.deleteRule)

		api.GET("/overrides", s.listOverrides)
		api.POST("/overrides", s.createOverride)
		api.PUT("/overrides/:id", s.updateOverride)
		api.DELETE("/overrides/:id", s.deleteOverride)

		api.GET("/enabled", s.getEnabled)
		api.PUT("/enabled", s.putEnabled)

		api.GET("/calendar", s.getCalendar)
		api.POST("/calendar/refresh", s.refreshCalendar)

		api.GET("/schedule", s.getSchedule)
		api.GET("/schedule.ics", s.getScheduleICS)

		api.GET("/notifications", s.listNotifications)
		api.POST("/notifications/:id/:action", s.respondNotification)

		api.POST("/lifecycle/:event", s.lifecycle)
	}
}

type actionRequest struct {
	Kind string `json:"kind" binding:"required"`
	Time string `json:"time"`
}

func (a actionRequest) toModel() (model.OverrideAction, error) {
	switch model.ActionKind(a.Kind) {
	case model.ActionDisable:
		return model.Disable(), nil
	case model.ActionCustomTime:
		t, err := model.ParseClockTime(a.Time)
		if err != nil {
			return model.OverrideAction{}, err
		}
		return model.CustomTime(t), nil
	default:
		return model.OverrideAction{}, errors.New("action kind must be disable or custom_time")
	}
}

type alarmRequest struct {
	Time          string `json:"time" binding:"required"`
	Label         string `json:"label"`
	Enabled       *bool  `json:"enabled"`
	SnoozeEnabled bool   `json:"snooze_enabled"`
	Sound         string `json:"sound"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type ruleRequest struct {
	Weekday int           `json:"weekday" binding:"required"`
	Action  actionRequest `json:"action"`
}

type overrideRequest struct {
	Date   string        `json:"date" binding:"required"`
	Action actionRequest `json:"action"`
}

func (s *Server) parseOverride(req overrideRequest) (model.DateOverride, error) {
	d, err := time.ParseInLocation(config.DateLayout, req.Date, s.app.Location)
	if err != nil {
		return model.DateOverride{}, errors.New("date must be YYYY-MM-DD")
	}
	action, err := req.Action.toModel()
	if err != nil {
		return model.DateOverride{}, err
	}
	return model.DateOverride{Date: d, Action: action}, nil
}

func (s *Server) getAlarm(c *gin.Context) {
	base := s.app.Alarms.Base()
	if base == nil {
		writeError(c, http.StatusNotFound, "no base alarm configured")
		return
	}
	c.JSON(http.StatusOK, base)
}

func (s *Server) putAlarm(c *gin.Context) {
	var req alarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	t, err := model.ParseClockTime(req.Time)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	alarm := model.Alarm{
		Time:          t,
		Label:         req.Label,
		Enabled:       req.Enabled == nil || *req.Enabled,
		SnoozeEnabled: req.SnoozeEnabled,
		Sound:         req.Sound,
	}
	if existing := s.app.Alarms.Base(); existing != nil {
		alarm.ID = existing.ID
	}

	saved, err := s.app.Alarms.SetBase(c.Request.Context(), alarm)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) deleteAlarm(c *gin.Context) {
	ok, err := s.app.Alarms.DeleteBase(c.Request.Context())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "no base alarm configured")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putAlarmEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.app.Alarms.SetEnabled(c.Request.Context(), *req.Enabled)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "no base alarm configured")
		return
	}
	c.JSON(http.StatusOK, s.app.Alarms.Base())
}

func (s *Server) listRules(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Overrides.WeeklyRules())
}

func (s *Server) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	action, err := req.Action.toModel()
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	rule, added, err := s.app.Overrides.AddWeeklyRule(c.Request.Context(), model.WeeklyRule{
		Weekday: model.Weekday(req.Weekday),
		Action:  action,
	})
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !added {
		existing, _ := s.app.Overrides.RuleForWeekday(model.Weekday(req.Weekday))
		c.JSON(http.StatusConflict, gin.H{"error": "a rule for this weekday already exists", "existing": existing})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	id := c.Param("id")
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	action, err := req.Action.toModel()
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !hasRule(s.app.Overrides.WeeklyRules(), id) {
		writeError(c, http.StatusNotFound, "rule not found")
		return
	}

	rule := model.WeeklyRule{ID: id, Weekday: model.Weekday(req.Weekday), Action: action}
	ok, err := s.app.Overrides.UpdateWeeklyRule(c.Request.Context(), rule)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusConflict, "another rule already uses this weekday")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	ok, err := s.app.Overrides.DeleteWeeklyRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "rule not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listOverrides(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Overrides.DateOverrides())
}

func (s *Server) createOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	ov, err := s.parseOverride(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	saved, added, err := s.app.Overrides.AddDateOverride(c.Request.Context(), ov)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !added {
		existing, _ := s.app.Overrides.OverrideForDate(ov.Date)
		c.JSON(http.StatusConflict, gin.H{"error": "an override for this date already exists", "existing": existing})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) updateOverride(c *gin.Context) {
	id := c.Param("id")
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	ov, err := s.parseOverride(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !hasOverride(s.app.Overrides.DateOverrides(), id) {
		writeError(c, http.StatusNotFound, "override not found")
		return
	}

	ov.ID = id
	ok, err := s.app.Overrides.UpdateDateOverride(c.Request.Context(), ov)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusConflict, "another override already uses this date")
		return
	}
	updated, _ := s.app.Overrides.OverrideForDate(ov.Date)
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteOverride(c *gin.Context) {
	ok, err := s.app.Overrides.DeleteDateOverride(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "override not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getEnabled(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": s.app.Overrides.Enabled()})
}

func (s *Server) putEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.app.Overrides.SetEnabled(c.Request.Context(), *req.Enabled); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": s.app.Overrides.Enabled()})
}

type calendarResponse struct {
	LastUpdated     time.Time             `json:"last_updated"`
	LastRefresh     time.Time             `json:"last_refresh"`
	Refreshing      bool                  `json:"refreshing"`
	LastError       string                `json:"last_error,omitempty"`
	SchoolYearStart time.Time             `json:"school_year_start"`
	SchoolYearEnd   time.Time             `json:"school_year_end"`
	NextSchoolDay   *time.Time            `json:"next_school_day,omitempty"`
	Holidays        []model.CalendarEvent `json:"holidays"`
	EventCount      int                   `json:"event_count"`
}

func (s *Server) calendarSummary() calendarResponse {
	svc := s.app.Calendar
	cal := svc.Calendar()

	resp := calendarResponse{
		LastUpdated:     cal.LastUpdated,
		LastRefresh:     svc.LastRefresh(),
		Refreshing:      svc.IsRefreshing(),
		SchoolYearStart: cal.Start,
		SchoolYearEnd:   cal.End,
		Holidays:        cal.Holidays(),
		EventCount:      len(cal.Events),
	}
	if err := svc.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	if next, ok := cal.NextSchoolDay(time.Now()); ok {
		resp.NextSchoolDay = &next
	}
	if resp.Holidays == nil {
		resp.Holidays = []model.CalendarEvent{}
	}
	return resp
}

func (s *Server) getCalendar(c *gin.Context) {
	c.JSON(http.StatusOK, s.calendarSummary())
}

func (s *Server) refreshCalendar(c *gin.Context) {
	err := s.app.Calendar.Refresh(c.Request.Context())
	switch {
	case errors.Is(err, calendar.ErrRefreshInProgress):
		writeError(c, http.StatusConflict, err.Error())
		return
	case errors.Is(err, calendar.ErrNoFeedURL):
		writeError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.calendarSummary())
}

func previewDays(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("days"))
	if err != nil || n <= 0 {
		return defaultPreviewDays
	}
	if n > maxPreviewDays {
		return maxPreviewDays
	}
	return n
}

func (s *Server) getSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled": s.app.Overrides.Enabled(),
		"days":    s.app.Preview(previewDays(c)),
		"last":    s.app.Scheduler.LastResult(),
	})
}

func (s *Server) getScheduleICS(c *gin.Context) {
	var buf bytes.Buffer
	if err := s.app.ExportICS(&buf, previewDays(c)); err != nil {
		appLog.Error("schedule export failed", err)
		writeError(c, http.StatusInternalServerError, "export failed")
		return
	}
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", buf.Bytes())
}

func (s *Server) listNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	pending, err := s.app.Center.Pending(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	delivered, err := s.app.Center.Delivered(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "delivered": delivered})
}

func (s *Server) respondNotification(c *gin.Context) {
	err := s.app.Center.Respond(c.Request.Context(), c.Param("id"), c.Param("action"))
	switch {
	case errors.Is(err, notify.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, notify.ErrAction):
		writeError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) lifecycle(c *gin.Context) {
	ctx := c.Request.Context()
	switch c.Param("event") {
	case "foreground":
		res, err := s.app.Foreground(ctx)
		if err != nil {
			writeError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, res)
	case "background":
		res, err := s.app.Background(ctx)
		if err != nil {
			writeError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": res, "refresh_at": s.app.Tasks.ArmedAt()})
	default:
		writeError(c, http.StatusNotFound, "unknown lifecycle event")
	}
}

func hasRule(rules []model.WeeklyRule, id string) bool {
	for _, r := range rules {
		if r.ID == id {
			return true
		}
	}
	return false
}

func hasOverride(overrides []model.DateOverride, id string) bool {
	for _, o := range overrides {
		if o.ID == id {
			return true
		}
	}
	return false
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// writeStoreError maps validation errors to 400. Anything else is a
// persistence failure.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidWeekday),
		errors.Is(err, store.ErrInvalidAction),
		errors.Is(err, store.ErrInvalidTime):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "failed to persist change")
	}
}
