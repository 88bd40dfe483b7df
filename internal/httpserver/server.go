package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relvault/relvault/internal/contract"
	"github.com/relvault/relvault/internal/ledger"
	"github.com/relvault/relvault/internal/service"
)

type Server struct {
	service *service.Service
	store   ledger.Store
}

func New(svc *service.Service, store ledger.Store) *Server {
	return &Server{service: svc, store: store}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(150 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/verify", s.handleVerify)
		r.Post("/seal", s.handleSeal)
		r.Post("/promotions", s.handlePromote)
		r.Post("/rollbacks", s.handleRollback)
		r.Get("/contracts/{contractHash}", s.handleGetContract)
		r.Get("/contracts/{contractHash}/lineage", s.handleLineage)
		r.Get("/environments/{env}/latest", s.handleLatest)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type verifyRequest struct {
	Commit string `json:"commit"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Commit == "" {
		respondError(w, http.StatusBadRequest, "commit required")
		return
	}
	tt, err := s.service.VerifyCommit(r.Context(), req.Commit)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tt)
}

type sealArtifact struct {
	Path       string `json:"path"`
	DataBase64 string `json:"dataBase64"`
}

type sealRequest struct {
	Commit              string                  `json:"commit"`
	Tag                 string                  `json:"tag"`
	Builder             string                  `json:"builder"`
	DeclaredPaths       []string                `json:"declaredPaths"`
	AllowedEnvironments []string                `json:"allowedEnvironments"`
	SBOM                *contract.SBOMReference `json:"sbom"`
	Artifacts           []sealArtifact          `json:"artifacts"`
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	var req sealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Commit == "" {
		respondError(w, http.StatusBadRequest, "commit required")
		return
	}
	if len(req.AllowedEnvironments) == 0 {
		respondError(w, http.StatusBadRequest, "allowedEnvironments required")
		return
	}
	artifacts := make([]contract.Artifact, 0, len(req.Artifacts))
	for _, a := range req.Artifacts {
		data, err := base64.StdEncoding.DecodeString(a.DataBase64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "artifact "+a.Path+": invalid base64")
			return
		}
		artifacts = append(artifacts, contract.Artifact{Path: a.Path, Data: data})
	}
	c, err := s.service.SealRelease(r.Context(), artifacts, contract.BuildMetadata{
		Commit:              req.Commit,
		Tag:                 req.Tag,
		Builder:             req.Builder,
		DeclaredPaths:       req.DeclaredPaths,
		SBOM:                req.SBOM,
		AllowedEnvironments: req.AllowedEnvironments,
	})
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

type promoteRequest struct {
	ContractHash  string `json:"contractHash"`
	Environment   string `json:"environment"`
	RequestedBy   string `json:"requestedBy"`
	ApprovalToken string `json:"approvalToken"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContractHash == "" || req.Environment == "" {
		respondError(w, http.StatusBadRequest, "contractHash and environment required")
		return
	}
	rec, err := s.service.Promote(r.Context(), ledger.Request{
		ContractHash:  req.ContractHash,
		Environment:   req.Environment,
		RequestedBy:   req.RequestedBy,
		ApprovalToken: req.ApprovalToken,
	})
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

type rollbackRequest struct {
	Environment   string `json:"environment"`
	ContractHash  string `json:"contractHash"`
	RequestedBy   string `json:"requestedBy"`
	ApprovalToken string `json:"approvalToken"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContractHash == "" || req.Environment == "" {
		respondError(w, http.StatusBadRequest, "contractHash and environment required")
		return
	}
	rec, err := s.service.Rollback(r.Context(), req.Environment, req.ContractHash, req.RequestedBy, req.ApprovalToken)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "contractHash")
	c, err := s.service.GetContract(r.Context(), hash)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "contractHash")
	lineage, err := s.service.LineageByContract(r.Context(), hash)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"contractHash": hash,
		"records":      lineage,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	env := chi.URLParam(r, "env")
	rec, err := s.service.LatestByEnvironment(r.Context(), env)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// statusFor maps the service's typed failures onto HTTP statuses so clients
// can branch without parsing error strings.
func statusFor(err error) int {
	switch {
	case errors.Is(err, contract.ErrNotFound), errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownEnvironment), errors.Is(err, ledger.ErrRollbackTargetUnknown):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrApprovalRequired):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrApprovalInsufficient):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrPrerequisiteNotMet), errors.Is(err, ledger.ErrEnvironmentNotAllowed),
		errors.Is(err, contract.ErrGateBlocked):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrContractInvalid), errors.Is(err, contract.ErrContractTampered),
		errors.Is(err, contract.ErrIncompleteArtifactSet):
		return http.StatusUnprocessableEntity
	default:
		// Anything untyped at this point is a server-side failure (store
		// I/O, signing); malformed requests are rejected with 400 before
		// the service is called.
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
