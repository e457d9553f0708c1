package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/proctor/internal/api"
	"github.com/dreamware/proctor/internal/clocksync"
	"github.com/dreamware/proctor/internal/config"
	"github.com/dreamware/proctor/internal/database"
	"github.com/dreamware/proctor/internal/fault"
	"github.com/dreamware/proctor/internal/loadbalance"
	"github.com/dreamware/proctor/internal/mutex"
	"github.com/dreamware/proctor/internal/replica"
	"github.com/dreamware/proctor/internal/session"
)

const apiPrefix = "/api/v1"

// server is the HTTP front door. The services never call each other; they
// only share this process.
type server struct {
	started  time.Time
	clock    *clocksync.Service
	mutex    *mutex.Coordinator
	db       *database.Store
	balancer *loadbalance.Balancer
	timer    *session.Timer
}

func newServer(cfg config.Config) (*server, error) {
	db, err := database.New(database.OptionsFrom(cfg.Database))
	if err != nil {
		return nil, err
	}
	return &server{
		started: time.Now(),
		clock:   clocksync.New(cfg.Clock.MinParticipants),
		mutex:   mutex.New(),
		db:      db,
		balancer: loadbalance.New(loadbalance.Options{
			MigrateThreshold: cfg.LoadBalance.MigrateThreshold,
			ProcessingTime:   cfg.LoadBalance.ProcessingTime,
			DrainInterval:    cfg.LoadBalance.DrainInterval,
			BatchSize:        cfg.LoadBalance.BatchSize,
		}),
		timer: session.New(),
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	health := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.Ack{Status: "healthy"})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /api/health", health)

	handle := func(pattern string, h http.HandlerFunc) {
		method, path, _ := strings.Cut(pattern, " ")
		mux.HandleFunc(method+" "+apiPrefix+path, h)
	}

	handle("POST /clock/register", s.handleClockRegister)
	handle("POST /clock/sync", s.handleClockSync)
	handle("GET /clock/status", s.handleClockStatus)

	handle("POST /mutex/request", s.handleMutexRequest)
	handle("GET /mutex/check/{id}", s.handleMutexCheck)
	handle("POST /mutex/release", s.handleMutexRelease)
	handle("GET /mutex/status", s.handleMutexStatus)

	handle("GET /database/all", s.handleDatabaseAll)
	handle("GET /database/search", s.handleDatabaseSearch)
	handle("GET /database/read/{roll}", s.handleDatabaseRead)
	handle("POST /database/update", s.handleDatabaseUpdate)
	handle("GET /database/replicas", s.handleReplicas)
	handle("POST /database/replica/{name}/fail", s.handleReplicaFail)
	handle("POST /database/replica/{name}/recover", s.handleReplicaRecover)

	handle("POST /load-balance/submit", s.handleSubmit)
	handle("GET /load-balance/status", s.handleBalancerStatus)

	handle("POST /session/start", s.handleSessionStart)
	handle("POST /session/stop", s.handleSessionStop)
	handle("GET /session/status", s.handleSessionStatus)
	handle("POST /session/reset", s.handleReset)
	handle("GET /status", s.handleStatus)

	return mux
}

func (s *server) handleClockRegister(w http.ResponseWriter, r *http.Request) {
	var req api.ClockRegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.clock.Register(req.Role, req.Time); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.Ack{
		Status:  "ok",
		Message: "Registered " + req.Role + " at " + req.Time,
	})
}

func (s *server) handleClockSync(w http.ResponseWriter, r *http.Request) {
	round, err := s.clock.Synchronize()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *server) handleClockStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.clock.Status())
}

func (s *server) handleMutexRequest(w http.ResponseWriter, r *http.Request) {
	var req api.MutexRequest
	if !decode(w, r, &req) {
		return
	}
	grant, err := s.mutex.Request(req.StudentID, req.Timestamp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *server) handleMutexCheck(w http.ResponseWriter, r *http.Request) {
	grant, err := s.mutex.CheckGrant(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *server) handleMutexRelease(w http.ResponseWriter, r *http.Request) {
	var req api.MutexReleaseRequest
	if !decode(w, r, &req) {
		return
	}
	handoff, err := s.mutex.Release(req.StudentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handoff)
}

func (s *server) handleMutexStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mutex.Status())
}

func (s *server) handleDatabaseAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.db.All())
}

func (s *server) handleDatabaseSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var minTotal *int
	if v := q.Get("min_total"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, fault.New(fault.InvalidArgument, "min_total must be an integer, got %q", v))
			return
		}
		minTotal = &n
	}
	writeJSON(w, http.StatusOK, s.db.Search(q.Get("name"), minTotal))
}

func (s *server) handleDatabaseRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.db.Read(r.PathValue("roll"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleDatabaseUpdate(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MSE == nil || req.ESE == nil {
		writeError(w, fault.New(fault.InvalidArgument, "mse and ese are required"))
		return
	}
	res, err := s.db.Update(req.RollNumber, *req.MSE, *req.ESE)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleReplicas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.db.ReplicaStatus())
}

func (s *server) handleReplicaFail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	statuses, err := s.db.FailReplica(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replicaToggle{Replica: name, Statuses: statuses})
}

func (s *server) handleReplicaRecover(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	statuses, err := s.db.RecoverReplica(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replicaToggle{Replica: name, Statuses: statuses})
}

type replicaToggle struct {
	Statuses map[string]replica.Status `json:"replica_status"`
	Replica  string                    `json:"replica"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := s.balancer.Submit(req.StudentID, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *server) handleBalancerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.balancer.Status())
}

type sessionResponse struct {
	Status string `json:"status"`
	session.State
}

// handleSessionStart starts the exam countdown. duration_minutes defaults
// to session.DefaultMinutes.
func (s *server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	minutes := session.DefaultMinutes
	if v := r.URL.Query().Get("duration_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, fault.New(fault.InvalidArgument, "duration_minutes must be an integer, got %q", v))
			return
		}
		minutes = n
	}
	writeJSON(w, http.StatusOK, sessionResponse{Status: "started", State: s.timer.Start(minutes)})
}

func (s *server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{Status: "stopped", State: s.timer.Stop()})
}

func (s *server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.timer.Status())
}

// handleReset clears every service. Each Reset is atomic under that
// service's own lock.
func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.clock.Reset()
	s.mutex.Reset()
	s.balancer.Reset()
	s.timer.Reset()
	if err := s.db.Reset(); err != nil {
		writeError(w, err)
		return
	}
	log.Println("session reset")
	writeJSON(w, http.StatusOK, api.Ack{Status: "ok", Message: "Session reset"})
}

type statusResponse struct {
	Clock       clockSummary       `json:"clock"`
	Mutex       mutex.Status       `json:"mutex"`
	Status      string             `json:"status"`
	Uptime      string             `json:"uptime"`
	Database    database.Stats     `json:"database"`
	LoadBalance loadbalance.Status `json:"load_balance"`
	Session     session.State      `json:"session"`
}

type clockSummary struct {
	LastAverage  string `json:"last_average_time,omitempty"`
	Participants int    `json:"participants"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cs := s.clock.Status()
	sum := clockSummary{Participants: len(cs.Participants)}
	if cs.LastRound != nil {
		sum.LastAverage = cs.LastRound.AverageTime
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "healthy",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Clock:       sum,
		Mutex:       s.mutex.Status(),
		Database:    s.db.Stats(),
		LoadBalance: s.balancer.Status(),
		Session:     s.timer.Status(),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fault.New(fault.InvalidArgument, "bad json: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := fault.HTTPStatus(fault.KindOf(err))
	if code >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeJSON(w, code, api.NewErrorResponse(err))
}
