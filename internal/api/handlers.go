package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/models"
)

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /users/{id}/quests", s.userQuestsHandler)
	if s.webhook != nil {
		mux.HandleFunc("POST /twilio/webhook", s.webhook)
	}
	return mux
}

type healthStatus struct {
	Status         string `json:"status"`
	Backend        string `json:"backend"`
	ActiveSessions int    `json:"active_sessions"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(healthStatus{
		Status:         "ok",
		Backend:        s.opts.Backend,
		ActiveSessions: s.bot.ActiveSessions(),
	}))
}

// questView adds the user-local deadline rendering to a quest.
type questView struct {
	models.Quest
	DeadlineDisplay string `json:"deadline_display"`
}

func (s *Server) userQuestsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user id is required"))
		return
	}
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("active must be a boolean"))
			return
		}
		activeOnly = b
	}

	user, err := s.store.GetUser(userID)
	if err != nil {
		slog.Error("Server.userQuestsHandler: user lookup failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load user"))
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrUserNotFound.Error()))
		return
	}

	var quests []models.Quest
	if activeOnly {
		quests, err = s.store.ListActiveQuests(userID)
	} else {
		quests, err = s.store.ListQuests(userID)
	}
	if err != nil {
		slog.Error("Server.userQuestsHandler: list failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list quests"))
		return
	}

	views := make([]questView, 0, len(quests))
	for _, q := range quests {
		views = append(views, questView{
			Quest:           q,
			DeadlineDisplay: deadline.Display(deadline.FromQuest(&q), user.TZOffsetMinutes),
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}
