package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"postpipe/internal/domain"
	"postpipe/internal/orchestrator"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

type account struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type queueReq struct {
	Account  account  `json:"account"`
	Keywords []string `json:"keywords"`
}

type createReq struct {
	Service string     `json:"service"`
	Ref     string     `json:"ref"`
	Queues  []queueReq `json:"queues"`

	StartDate       string `json:"startDate"`
	StartHour       *int   `json:"startHour"`
	PostsPerDay     *int   `json:"postsPerDay"`
	IntervalHours   *int   `json:"intervalHours"`
	LeadTimeMinutes *int   `json:"leadTimeMinutes"`

	GenerateImages           *bool `json:"generateImages"`
	ImageCount               *int  `json:"imageCount"`
	DelayBetweenPostsSeconds *int  `json:"delayBetweenPostsSeconds"`
}

func (c createReq) inputs() []orchestrator.CreateInput {
	out := make([]orchestrator.CreateInput, 0, len(c.Queues))
	for _, q := range c.Queues {
		out = append(out, orchestrator.CreateInput{
			AccountID:                q.Account.ID,
			Password:                 q.Account.Password,
			Keywords:                 q.Keywords,
			Service:                  c.Service,
			Ref:                      c.Ref,
			ScheduleDate:             c.StartDate,
			GenerateImages:           c.GenerateImages,
			ImageCount:               c.ImageCount,
			DelayBetweenPostsSeconds: c.DelayBetweenPostsSeconds,
			Cadence: orchestrator.Cadence{
				StartHour:       c.StartHour,
				PostsPerDay:     c.PostsPerDay,
				IntervalHours:   c.IntervalHours,
				LeadTimeMinutes: c.LeadTimeMinutes,
			},
		})
	}
	return out
}

type jobView struct {
	ID          string    `json:"id"`
	Keyword     string    `json:"keyword"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Day         int       `json:"day"`
	Slot        int       `json:"slot"`
}

type scheduleView struct {
	ScheduleID string    `json:"scheduleId"`
	Account    string    `json:"account"`
	TotalJobs  int       `json:"totalJobs"`
	Jobs       []jobView `json:"jobs"`
}

type createResp struct {
	Success   bool           `json:"success"`
	TotalJobs int            `json:"totalJobs"`
	Schedules []scheduleView `json:"schedules"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) createSchedules(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.backend.CreateBatch(r.Context(), req.inputs())
	if err != nil && len(created) == 0 {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// Some schedules exist already; report them with the error.
		s.log.Warn("batch partially created", logx.Int("created", len(created)), logx.Err(err))
	}

	resp := createResp{Success: err == nil, Schedules: make([]scheduleView, 0, len(created))}
	for _, c := range created {
		v := scheduleView{
			ScheduleID: c.Schedule.ID,
			Account:    logx.MaskAccount(c.Schedule.AccountID),
			TotalJobs:  len(c.Jobs),
			Jobs:       make([]jobView, 0, len(c.Jobs)),
		}
		for _, j := range c.Jobs {
			v.Jobs = append(v.Jobs, jobView{ID: j.ID, Keyword: j.Keyword, ScheduledAt: j.ScheduledAt, Day: j.Day, Slot: j.Slot})
		}
		resp.TotalJobs += len(c.Jobs)
		resp.Schedules = append(resp.Schedules, v)
	}
	status := http.StatusCreated
	if err != nil {
		status = StatusFor(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ScheduleFilter{
		AccountID: q.Get("accountId"),
		Status:    domain.ScheduleStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, r, domain.Validation("limit must be between 1 and 500"))
			return
		}
		f.Limit = n
	}
	list, err := s.backend.ListSchedules(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	d, err := s.backend.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, err := s.backend.CancelSchedule(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id, "status": sc.Status})
}

func (s *Server) executeSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account account `json:"account"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Account.ID == "" {
		s.writeError(w, r, domain.Validation("account id is required"))
		return
	}
	n, err := s.backend.ExecuteSchedule(r.Context(), chi.URLParam(r, "id"), req.Account.ID, req.Account.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enqueued": n})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats := s.backend.QueueStats()
	for i := range stats {
		stats[i].Account = logx.MaskAccount(stats[i].Account)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": stats})
}

func (s *Server) activeAccounts(w http.ResponseWriter, r *http.Request) {
	ids := s.backend.ActiveAccounts()
	masked := make([]string, len(ids))
	for i, id := range ids {
		masked[i] = logx.MaskAccount(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": masked, "count": len(masked)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if fn := s.healthFn.Load(); fn != nil {
		out["runtime"] = (*fn)()
	}
	writeJSON(w, http.StatusOK, out)
}
