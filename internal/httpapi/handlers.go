package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/auth"
	"consult-platform/internal/calls"
	"consult-platform/internal/directory"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Directory *directory.Service
	Wallet    *wallet.Service
	Calls     *calls.Lifecycle
	Reports   *reporting.Service
	Audit     *audit.Service

	ICEServers []webrtc.ICEServer

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

func identity(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		unauthorized(c)
		return "", false
	}
	return uid, true
}

// --- Auth ---

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	Profile directory.Profile `json:"profile"`
	auth.TokenPair
}

func (h Handlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p, err := h.Directory.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), p.ID, p.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{Profile: p, TokenPair: pair})
}

// Login checks credentials, marks the identity online and issues a token pair.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p, err := h.Directory.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), p.ID, p.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("login", "identity", p.ID)
	c.JSON(http.StatusOK, sessionResponse{Profile: p, TokenPair: pair})
}

// Refresh exchanges a refresh token for a new pair. The role is re-read from the directory.
func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "refresh_token required")
		return
	}
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, h.now())
	if err != nil {
		unauthorized(c)
		return
	}
	p, err := h.Directory.Lookup(c.Request.Context(), claims.UserID)
	if err != nil {
		unauthorized(c)
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), p.ID, p.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Profile ---

type statusRequest struct {
	Status directory.Status `json:"status"`
}

func (h Handlers) Me(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	p, err := h.Directory.Lookup(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p, "balance": bal.Tokens})
}

func (h Handlers) UpdateProfile(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	var req directory.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p, err := h.Directory.UpdateProfile(c.Request.Context(), uid, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) SetStatus(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p, err := h.Directory.SetStatus(c.Request.Context(), uid, req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) ListSpecialists(c *gin.Context) {
	ps, err := h.Directory.ListSpecialists(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]directory.PublicProfile, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Public())
	}
	c.JSON(http.StatusOK, gin.H{"specialists": out})
}

// --- Calls ---

type initiateRequest struct {
	CalleeID string `json:"callee_id"`
}

func (h Handlers) InitiateCall(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CalleeID == "" {
		badRequest(c, "callee_id required")
		return
	}
	call, err := h.Calls.Initiate(c.Request.Context(), uid, req.CalleeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call_id": call.ID, "status": call.Status})
}

func (h Handlers) AcceptCall(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	if _, err := h.Calls.Accept(c.Request.Context(), uid, c.Param("call_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h Handlers) EndCall(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	res, err := h.Calls.End(c.Request.Context(), uid, c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) GetCall(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	call, err := h.Calls.Get(c.Request.Context(), uid, c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) ListCalls(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			badRequest(c, "limit must be between 0 and 100")
			return
		}
		limit = n
	}
	out, err := h.Calls.List(c.Request.Context(), uid, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

// CallsSummary reports the caller's own activity; from/to are optional RFC3339 bounds.
func (h Handlers) CallsSummary(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	var r reporting.TimeRange
	var err error
	if r.From, err = optionalTime(c.Query("from")); err != nil {
		badRequest(c, "from: "+err.Error())
		return
	}
	if r.To, err = optionalTime(c.Query("to")); err != nil {
		badRequest(c, "to: "+err.Error())
		return
	}
	out, err := h.Reports.ActivitySummary(c.Request.Context(), reporting.ActivityRequest{Identity: uid, Range: r})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func optionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be RFC3339")
	}
	return t.UTC(), nil
}

// --- Wallet ---

func (h Handlers) GetWalletBalance(c *gin.Context) {
	uid, ok := identity(c)
	if !ok {
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// AdminGrant credits tokens to an identity. RBAC: admin.
func (h Handlers) AdminGrant(c *gin.Context) {
	adminUserID, ok := identity(c)
	if !ok {
		return
	}
	adminRole, _ := auth.Role(c.Request.Context())
	target := c.Param("identity")

	var req wallet.AdminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if _, err := h.Directory.Lookup(c.Request.Context(), target); err != nil {
		writeError(c, err)
		return
	}

	action, _, bal, err := h.Wallet.AdminGrant(c.Request.Context(), target, adminUserID, adminRole, req)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		meta := fmt.Sprintf(`{"amount":%d,"admin_action_id":%q}`, req.Amount, action.ID)
		if err := h.Audit.LogAdminGrant(c.Request.Context(), adminUserID, adminRole, target, req.Reason, meta); err != nil {
			logger.FromGin(c).Warn("audit append failed", "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"action": action, "balance": bal})
}

// --- WebRTC ---

func (h Handlers) GetICEServers(c *gin.Context) {
	servers := h.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"ice_servers": servers})
}
