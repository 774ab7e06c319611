package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/revisit/server/internal/auth"
	"github.com/revisit/server/internal/identity"
	"github.com/revisit/server/internal/model"
	"github.com/revisit/server/internal/repo"
)

const defaultMatchLogLimit = 50

// AdminHandler serves the authenticated read-side API
type AdminHandler struct {
	store      *repo.Store
	jwtService *auth.JWTService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(store *repo.Store, jwtService *auth.JWTService) *AdminHandler {
	return &AdminHandler{store: store, jwtService: jwtService}
}

// tokenRequest is the request body for POST /v1/admin/token
type tokenRequest struct {
	APIKey string `json:"api_key"`
}

// tokenResponse is the JSON response for token exchange
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// HandleToken handles POST /v1/admin/token
func (h *AdminHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.APIKey == "" {
		respondWithError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	token, err := h.jwtService.ExchangeAdminKey(req.APIKey)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "invalid admin API key")
		return
	}

	respondJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// identityResponse is the identity object in admin API responses
type identityResponse struct {
	VisitorID    string    `json:"visitor_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	SessionCount int       `json:"session_count"`
	DevicesSeen  int       `json:"devices_seen"`
	Active       bool      `json:"active"`
}

// profileResponse is the device profile object in admin API responses
type profileResponse struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	ClientToken  string    `json:"client_token"`
	UserAgent    *string   `json:"user_agent"`
	Platform     *string   `json:"platform"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Current      bool      `json:"current"`
	VisitCount   int       `json:"visit_count"`
	ScreenWidth  *int      `json:"screen_width"`
	ScreenHeight *int      `json:"screen_height"`
	CPUCores     *int      `json:"cpu_cores"`
	DeviceMemory *float64  `json:"device_memory"`
}

// identityDetailResponse is the response for GET /v1/admin/identities/{visitorID}
type identityDetailResponse struct {
	Identity identityResponse  `json:"identity"`
	Profiles []profileResponse `json:"profiles"`
}

// HandleGetIdentity handles GET /v1/admin/identities/{visitorID}
func (h *AdminHandler) HandleGetIdentity(w http.ResponseWriter, r *http.Request) {
	visitorID := chi.URLParam(r, "visitorID")

	ident, err := h.store.GetIdentityByVisitorID(r.Context(), visitorID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "identity not found")
			return
		}
		log.Printf("get identity %s: %v", visitorID, err)
		respondWithError(w, http.StatusInternalServerError, "failed to load identity")
		return
	}

	profiles, err := h.store.ListProfiles(r.Context(), ident.ID)
	if err != nil {
		log.Printf("list profiles for %s: %v", visitorID, err)
		respondWithError(w, http.StatusInternalServerError, "failed to load profiles")
		return
	}

	response := identityDetailResponse{
		Identity: toIdentityResponse(ident),
		Profiles: make([]profileResponse, 0, len(profiles)),
	}
	for _, p := range profiles {
		response.Profiles = append(response.Profiles, toProfileResponse(p))
	}

	respondJSON(w, http.StatusOK, response)
}

// eventResponse is the change event object in admin API responses
type eventResponse struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Category      string    `json:"category"`
	ChangedFields []string  `json:"changed_fields"`
	Confidence    float64   `json:"confidence"`
	DetectedAt    time.Time `json:"detected_at"`
}

// HandleListEvents handles GET /v1/admin/identities/{visitorID}/events
func (h *AdminHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	visitorID := chi.URLParam(r, "visitorID")

	ident, err := h.store.GetIdentityByVisitorID(r.Context(), visitorID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "identity not found")
			return
		}
		log.Printf("get identity %s: %v", visitorID, err)
		respondWithError(w, http.StatusInternalServerError, "failed to load identity")
		return
	}

	events, err := h.store.ListEvents(r.Context(), ident.ID)
	if err != nil {
		log.Printf("list events for %s: %v", visitorID, err)
		respondWithError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:            e.ID.String(),
			Type:          string(e.Type),
			Category:      string(e.Category),
			ChangedFields: e.ChangedFields,
			Confidence:    e.Confidence,
			DetectedAt:    e.DetectedAt,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{"events": out})
}

// matchLogResponse is the audit row object in admin API responses
type matchLogResponse struct {
	ID          string    `json:"id"`
	ClientToken string    `json:"client_token"`
	IdentityID  *string   `json:"identity_id"`
	Status      string    `json:"status"`
	Method      string    `json:"method"`
	Confidence  float64   `json:"confidence"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// HandleListMatchLogs handles GET /v1/admin/match-logs
func (h *AdminHandler) HandleListMatchLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultMatchLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	logs, err := h.store.ListMatchLogs(r.Context(), limit)
	if err != nil {
		log.Printf("list match logs: %v", err)
		respondWithError(w, http.StatusInternalServerError, "failed to load match logs")
		return
	}

	out := make([]matchLogResponse, 0, len(logs))
	for _, entry := range logs {
		row := matchLogResponse{
			ID:          entry.ID.String(),
			ClientToken: entry.ClientToken,
			Status:      string(entry.Status),
			Method:      string(entry.Method),
			Confidence:  entry.Confidence,
			DurationMS:  entry.Duration.Milliseconds(),
			CreatedAt:   entry.CreatedAt,
		}
		if entry.IdentityID != nil {
			id := entry.IdentityID.String()
			row.IdentityID = &id
		}
		out = append(out, row)
	}

	respondJSON(w, http.StatusOK, map[string]any{"match_logs": out})
}

func toIdentityResponse(ident model.Identity) identityResponse {
	return identityResponse{
		VisitorID:    ident.VisitorID,
		CreatedAt:    ident.CreatedAt,
		LastSeenAt:   ident.LastSeenAt,
		SessionCount: ident.SessionCount,
		DevicesSeen:  ident.DevicesSeen,
		Active:       ident.Active,
	}
}

func toProfileResponse(p model.DeviceProfile) profileResponse {
	return profileResponse{
		ID:           p.ID.String(),
		SessionID:    p.SessionID.String(),
		ClientToken:  p.ClientToken,
		UserAgent:    p.Fingerprint.UserAgent,
		Platform:     p.Fingerprint.Platform,
		FirstSeenAt:  p.FirstSeenAt,
		LastSeenAt:   p.LastSeenAt,
		Current:      p.Current,
		VisitCount:   p.VisitCount,
		ScreenWidth:  p.Fingerprint.ScreenWidth,
		ScreenHeight: p.Fingerprint.ScreenHeight,
		CPUCores:     p.Fingerprint.CPUCores,
		DeviceMemory: p.Fingerprint.DeviceMemory,
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
