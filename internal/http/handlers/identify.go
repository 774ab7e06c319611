package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/revisit/server/internal/identity"
	"github.com/revisit/server/internal/model"
)

// IdentifyHandler handles the public resolution endpoint
type IdentifyHandler struct {
	resolver *identity.Resolver
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(resolver *identity.Resolver) *IdentifyHandler {
	return &IdentifyHandler{resolver: resolver}
}

// fingerprintPayload is the fingerprint section of an identify request
type fingerprintPayload struct {
	CanvasHash   *string  `json:"canvas_hash"`
	AudioHash    *string  `json:"audio_hash"`
	WebGLHash    *string  `json:"webgl_hash"`
	UserAgent    *string  `json:"user_agent"`
	Platform     *string  `json:"platform"`
	Language     *string  `json:"language"`
	Timezone     *string  `json:"timezone"`
	ScreenWidth  *int     `json:"screen_width"`
	ScreenHeight *int     `json:"screen_height"`
	ColorDepth   *int     `json:"color_depth"`
	PixelRatio   *float64 `json:"pixel_ratio"`
	CPUCores     *int     `json:"cpu_cores"`
	DeviceMemory *float64 `json:"device_memory"`
	Fonts        []string `json:"fonts"`
	Plugins      []string `json:"plugins"`
	Country      *string  `json:"country"`
	City         *string  `json:"city"`
}

// identifyRequest is the request body for POST /v1/identify
type identifyRequest struct {
	ClientToken string              `json:"client_token"`
	Fingerprint *fingerprintPayload `json:"fingerprint"`
}

// changeResponse is the device-change section of an identify response
type changeResponse struct {
	Type          string   `json:"type"`
	Category      string   `json:"category"`
	ChangedFields []string `json:"changed_fields"`
	Confidence    float64  `json:"confidence"`
}

// identifyResponse is the JSON response for identify
type identifyResponse struct {
	VisitorID     string          `json:"visitor_id"`
	SessionID     string          `json:"session_id"`
	Status        string          `json:"status"`
	Confidence    float64         `json:"confidence"`
	DeviceChanged bool            `json:"device_changed"`
	Change        *changeResponse `json:"change,omitempty"`
	SessionCount  int             `json:"session_count"`
	DevicesSeen   int             `json:"devices_seen"`
}

// HandleIdentify handles POST /v1/identify
func (h *IdentifyHandler) HandleIdentify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.ClientToken = strings.TrimSpace(req.ClientToken)
	if req.ClientToken == "" {
		respondWithError(w, http.StatusBadRequest, "client_token is required")
		return
	}
	if req.Fingerprint == nil {
		respondWithError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}

	fp := toFingerprint(req.Fingerprint)
	if fp.IPAddress == nil {
		ip := getClientIP(r)
		fp.IPAddress = &ip
	}

	result, err := h.resolver.Identify(r.Context(), req.ClientToken, fp)
	if err != nil {
		if errors.Is(err, identity.ErrMissingToken) || errors.Is(err, identity.ErrEmptyFingerprint) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("identify failed for token %s: %v", maskToken(req.ClientToken), err)
		respondWithError(w, http.StatusInternalServerError, "resolution failed")
		return
	}

	response := identifyResponse{
		VisitorID:     result.Identity.VisitorID,
		SessionID:     result.SessionID.String(),
		Status:        string(result.Status),
		Confidence:    result.Confidence,
		DeviceChanged: result.DeviceChanged,
		SessionCount:  result.Identity.SessionCount,
		DevicesSeen:   result.Identity.DevicesSeen,
	}
	if result.Change != nil {
		response.Change = &changeResponse{
			Type:          string(result.Change.Type),
			Category:      string(result.Change.Category),
			ChangedFields: result.Change.Fields,
			Confidence:    result.Change.Confidence,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("failed to encode identify response: %v", err)
	}
}

func toFingerprint(p *fingerprintPayload) model.Fingerprint {
	return model.Fingerprint{
		CanvasHash:   p.CanvasHash,
		AudioHash:    p.AudioHash,
		WebGLHash:    p.WebGLHash,
		UserAgent:    p.UserAgent,
		Platform:     p.Platform,
		Language:     p.Language,
		Timezone:     p.Timezone,
		ScreenWidth:  p.ScreenWidth,
		ScreenHeight: p.ScreenHeight,
		ColorDepth:   p.ColorDepth,
		PixelRatio:   p.PixelRatio,
		CPUCores:     p.CPUCores,
		DeviceMemory: p.DeviceMemory,
		Fonts:        p.Fonts,
		Plugins:      p.Plugins,
		Country:      p.Country,
		City:         p.City,
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// Take first IP if multiple
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

// maskToken shortens a client token for logging
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + strings.Repeat("*", 4) + token[len(token)-4:]
}
