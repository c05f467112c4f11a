package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/spacetrove/trove/pkg/access"
	"github.com/spacetrove/trove/pkg/auth"
	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/service"
	"github.com/spacetrove/trove/pkg/storage"
)

// apiServer translates HTTP requests into orchestrator calls. The wire
// format is a thin JSON surface over the batch request model; sessions are
// bearer tokens issued by /login against management-space users.
type apiServer struct {
	svc     *service.Service
	adapter storage.Adapter
	gate    *access.Gate
	tokens  *auth.TokenManager
	logger  *observability.Logger
}

func (s *apiServer) routes(r *mux.Router) {
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	spaces := r.PathPrefix("/spaces").Subrouter()
	spaces.Use(s.requireSession)
	spaces.HandleFunc("/{space}/request", s.handleRequest).Methods(http.MethodPost)
	spaces.HandleFunc("/{space}/query", s.handleQuery).Methods(http.MethodPost)
	spaces.HandleFunc("/{space}/tickets/progress", s.handleProgressTicket).Methods(http.MethodPost)
	spaces.HandleFunc("/{space}/tickets/actions", s.handleTicketActions).Methods(http.MethodGet)
	spaces.HandleFunc("/{space}/lock", s.handleLock).Methods(http.MethodPost)
	spaces.HandleFunc("/{space}/unlock", s.handleUnlock).Methods(http.MethodPost)
}

type actorKey struct{}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// requireSession authenticates the bearer token and stashes the acting
// user's shortname in the request context.
func (s *apiServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, core.NewError(core.CodeNotAllowed, "missing bearer token"))
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, claims.Shortname)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Shortname string `json:"shortname"`
		Password  string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	denied := core.NewError(core.CodeNotAllowed, "invalid credentials")
	res, err := s.adapter.LoadOrNil(r.Context(), access.ManagementSpace, access.SubpathUsers,
		body.Shortname, model.ResourceTypeUser)
	if err != nil {
		s.writeError(w, err)
		return
	}
	user, ok := res.(*model.User)
	if !ok || !user.IsActive || !auth.VerifyPassword(user.Password, body.Password) {
		s.writeError(w, denied)
		return
	}

	token, err := s.tokens.Sign(user.Shortname)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *apiServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    service.RequestType `json:"request_type"`
		Records []model.Record      `json:"records"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Records) == 0 {
		s.writeError(w, core.NewError(core.CodeMissingData, "request carries no records"))
		return
	}

	response := s.svc.Execute(r.Context(), service.Request{
		Type:           body.Type,
		Space:          mux.Vars(r)["space"],
		Actor:          actorFrom(r.Context()),
		Records:        body.Records,
		RequestHeaders: r.Header,
	})
	status := http.StatusOK
	if !response.OK() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, response)
}

func (s *apiServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q storage.Query
	if err := decodeJSON(r, &q); err != nil {
		s.writeError(w, err)
		return
	}
	q.Space = mux.Vars(r)["space"]

	filter := s.gate.QueryFilter(r.Context(), actorFrom(r.Context()), q.Space)
	result, err := s.adapter.Query(r.Context(), q, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleProgressTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subpath    string `json:"subpath"`
		Shortname  string `json:"shortname"`
		Action     string `json:"action"`
		Resolution string `json:"resolution,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	ticket, err := s.svc.ProgressTicket(r.Context(), service.ProgressTicketInput{
		Space:      mux.Vars(r)["space"],
		Subpath:    body.Subpath,
		Shortname:  body.Shortname,
		Action:     body.Action,
		Resolution: body.Resolution,
		Actor:      actorFrom(r.Context()),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *apiServer) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.svc.TicketActions(r.Context(), mux.Vars(r)["space"],
		r.URL.Query().Get("subpath"), r.URL.Query().Get("shortname"), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"actions": actions})
}

func (s *apiServer) handleLock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subpath      string             `json:"subpath"`
		Shortname    string             `json:"shortname"`
		ResourceType model.ResourceType `json:"resource_type,omitempty"`
		TTLSeconds   int                `json:"ttl_seconds,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.ResourceType == "" {
		body.ResourceType = model.ResourceTypeContent
	}

	lock, err := s.svc.Lock(r.Context(), mux.Vars(r)["space"], body.Subpath, body.Shortname,
		body.ResourceType, actorFrom(r.Context()), time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *apiServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subpath   string `json:"subpath"`
		Shortname string `json:"shortname"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.Unlock(r.Context(), mux.Vars(r)["space"], body.Subpath, body.Shortname,
		actorFrom(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.NewError(core.CodeInvalidData, "malformed request body").WithCause(err)
	}
	return nil
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		s.logger.WithError(err).Error("unclassified request failure")
		coreErr = core.NewError(core.CodeProviderFailure, "internal failure")
	}
	writeJSON(w, coreErr.Status, coreErr)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already out; an encode failure has nowhere to go.
	_ = json.NewEncoder(w).Encode(v)
}
