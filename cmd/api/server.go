package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dealflow/auth"
	"dealflow/deal"
	"dealflow/fees"
	"dealflow/notification"
	"dealflow/payment"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type dealService interface {
	CreateDeal(ctx context.Context, caller deal.Identity, p deal.CreateParams) (deal.CreateResult, error)
	AcceptInvite(ctx context.Context, caller deal.Identity, token string) (deal.Deal, error)
	CheckoutURL(ctx context.Context, caller deal.Identity, dealID string, purpose deal.Purpose) (string, error)
	ProposeOutcome(ctx context.Context, callerID, dealID string, outcome deal.Outcome) (deal.Deal, error)
	ConfirmOutcome(ctx context.Context, callerID, dealID string) (deal.Deal, error)
	FreezeDeal(ctx context.Context, callerID, dealID, reason string) (deal.Deal, error)
	UnfreezeDeal(ctx context.Context, callerID, dealID string) (deal.Deal, error)
	RequestExtension(ctx context.Context, callerID, dealID string, newDate time.Time) (deal.Deal, error)
	ApproveExtension(ctx context.Context, callerID, dealID string) (deal.Deal, error)
	DeclineExtension(ctx context.Context, callerID, dealID string) (deal.Deal, error)
	GetDeal(ctx context.Context, callerID, dealID string) (deal.Deal, error)
	ListDeals(ctx context.Context, callerID string, limit int) ([]deal.Deal, error)
	Policy() fees.Policy
}

type notificationService interface {
	List(ctx context.Context, userID string, limit int) ([]notification.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
}

type connectService interface {
	SetupConnect(ctx context.Context, userID, email string) (string, error)
	RefreshConnectStatus(ctx context.Context, userID string) (payment.ConnectStatus, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (deal.Identity, error)
}

// Server exposes the deal actions over HTTP.
type Server struct {
	dealService         dealService
	notificationService notificationService
	connectService      connectService
	authService         authService
	webhook             gin.HandlerFunc
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.webhook != nil {
		router.POST("/webhooks/stripe", s.webhook)
	}

	api := router.Group("/api")
	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)
	api.GET("/fees/quote", s.handleFeeQuote)

	authed := api.Group("", auth.RequireAuth(s.authService))
	{
		authed.GET("/deals", s.handleListDeals)
		authed.POST("/deals", s.handleCreateDeal)
		authed.GET("/deals/:id", s.handleGetDeal)
		authed.POST("/deals/:id/checkout", s.handleCheckout)
		authed.POST("/deals/:id/outcome", s.handleProposeOutcome)
		authed.POST("/deals/:id/outcome/confirm", s.handleConfirmOutcome)
		authed.POST("/deals/:id/freeze", s.handleFreeze)
		authed.POST("/deals/:id/unfreeze", s.handleUnfreeze)
		authed.POST("/deals/:id/extension", s.handleRequestExtension)
		authed.POST("/deals/:id/extension/approve", s.handleApproveExtension)
		authed.POST("/deals/:id/extension/decline", s.handleDeclineExtension)
		authed.POST("/invites/accept", s.handleAcceptInvite)
		authed.POST("/connect/setup", s.handleConnectSetup)
		authed.POST("/connect/refresh", s.handleConnectRefresh)
		authed.GET("/notifications", s.handleListNotifications)
		authed.POST("/notifications/:id/read", s.handleMarkRead)
	}
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(), "took", time.Since(start))
	}
}

// --- auth ---

func (s *Server) handleRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if !bind(c, &req) {
		return
	}
	user, err := s.authService.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, userResponse{ID: user.ID, Email: user.Email, DisplayName: user.DisplayName})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.authService.Login(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token": res.Token,
		"user":  userResponse{ID: res.User.ID, Email: res.User.Email, DisplayName: res.User.DisplayName},
	})
}

// --- fees ---

func (s *Server) handleFeeQuote(c *gin.Context) {
	policy := s.dealService.Policy()
	var (
		b   fees.Breakdown
		err error
	)
	switch deal.Type(c.DefaultQuery("type", string(deal.TypeCash))) {
	case deal.TypeGoods:
		var hold int64
		if raw := c.Query("hold"); raw != "" {
			if hold, err = fees.ParseAmount(raw); err != nil {
				writeError(c, err)
				return
			}
		}
		b, err = policy.ForGoods(hold)
	case deal.TypeCash, deal.TypeBoth:
		var amount int64
		if amount, err = fees.ParseAmount(c.Query("amount")); err != nil {
			writeError(c, err)
			return
		}
		b, err = policy.ForPrincipal(amount)
	default:
		writeError(c, deal.ErrInvalidType)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quoteResponse{
		PrincipalCents:          b.PrincipalCents,
		PlatformFeeCents:        b.PlatformFeeCents,
		ProcessingFeeCents:      b.ProcessingFeeCents,
		StartupFeeCents:         b.StartupFeeCents,
		FairnessHoldAmountCents: b.FairnessHoldAmountCents,
		StartupFee:              fees.FormatCents(b.StartupFeeCents),
		FairnessHold:            fees.FormatCents(b.FairnessHoldAmountCents),
	})
}

// --- deals ---

type createDealRequest struct {
	CounterpartEmail string `json:"counterpartEmail"`
	CounterpartName  string `json:"counterpartName"`
	CreatorRole      string `json:"creatorRole"`
	DealType         string `json:"dealType"`
	// Amount and FairnessHold are decimal strings such as "125.50".
	Amount           string    `json:"amount"`
	GoodsDescription string    `json:"goodsDescription"`
	FairnessHold     string    `json:"fairnessHold"`
	DealDate         time.Time `json:"dealDate"`
}

func (r createDealRequest) params() (deal.CreateParams, error) {
	p := deal.CreateParams{
		CounterpartEmail: r.CounterpartEmail,
		CounterpartName:  r.CounterpartName,
		CreatorRole:      deal.Role(r.CreatorRole),
		Type:             deal.Type(r.DealType),
		GoodsDescription: r.GoodsDescription,
		DealDate:         r.DealDate,
	}
	if strings.TrimSpace(r.Amount) != "" {
		cents, err := fees.ParseAmount(r.Amount)
		if err != nil {
			return deal.CreateParams{}, err
		}
		p.AmountCents = cents
	}
	if strings.TrimSpace(r.FairnessHold) != "" {
		cents, err := fees.ParseAmount(r.FairnessHold)
		if err != nil {
			return deal.CreateParams{}, err
		}
		p.FairnessHoldCents = cents
	}
	return p, nil
}

func (s *Server) handleCreateDeal(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req createDealRequest
	if !bind(c, &req) {
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.dealService.CreateDeal(c.Request.Context(), caller, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dealId": res.DealID, "inviteToken": res.InviteToken})
}

func (s *Server) handleListDeals(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	deals, err := s.dealService.ListDeals(c.Request.Context(), caller.UserID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]dealResponse, 0, len(deals))
	for _, d := range deals {
		items = append(items, toDealResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (s *Server) handleGetDeal(c *gin.Context) {
	s.respondDeal(c, func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error) {
		return s.dealService.GetDeal(ctx, caller.UserID, id)
	})
}

func (s *Server) handleAcceptInvite(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !bind(c, &req) {
		return
	}
	d, err := s.dealService.AcceptInvite(c.Request.Context(), caller, req.Token)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dealId": d.ID})
}

func (s *Server) handleCheckout(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req struct {
		Purpose string `json:"purpose"`
	}
	if !bind(c, &req) {
		return
	}
	url, err := s.dealService.CheckoutURL(c.Request.Context(), caller, c.Param("id"), deal.Purpose(req.Purpose))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) handleProposeOutcome(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome"`
	}
	if !bind(c, &req) {
		return
	}
	s.respondDeal(c, func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error) {
		return s.dealService.ProposeOutcome(ctx, caller.UserID, id, deal.Outcome(req.Outcome))
	})
}

func (s *Server) handleConfirmOutcome(c *gin.Context) {
	s.respondDeal(c, func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error) {
		return s.dealService.ConfirmOutcome(ctx, caller.UserID, id)
	})
}

func (s *Server) handleFreeze(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !bind(c, &req) {
		return
	}
	s.respondDeal(c, func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error) {
		return s.dealService.FreezeDeal(ctx, caller.UserID, id, req.Reason)
	})
}

func (s *Server) handleUnfreeze(c *gin.Context) {
	s.respondDeal(c, func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error) {
		return s.dealService.UnfreezeDeal(ctx, caller.UserID, id)
	})
}

func (s *Server) handleRequestExtension(c *gin.Context) {
	var req struct {
		NewDate time.Time `json:"newDate"`
	}
	if !bind(c, &req) {
		return
	}
	s.respondDeal(c, func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error) {
		return s.dealService.RequestExtension(ctx, caller.UserID, id, req.NewDate)
	})
}

func (s *Server) handleApproveExtension(c *gin.Context) {
	s.respondDeal(c, func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error) {
		return s.dealService.ApproveExtension(ctx, caller.UserID, id)
	})
}

func (s *Server) handleDeclineExtension(c *gin.Context) {
	s.respondDeal(c, func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error) {
		return s.dealService.DeclineExtension(ctx, caller.UserID, id)
	})
}

func (s *Server) respondDeal(c *gin.Context, op func(ctx context.Context, caller deal.Identity, id string) (deal.Deal, error)) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	d, err := op(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDealResponse(d))
}

// --- payouts ---

func (s *Server) handleConnectSetup(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	if s.connectService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments are not configured"})
		return
	}
	url, err := s.connectService.SetupConnect(c.Request.Context(), caller.UserID, caller.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) handleConnectRefresh(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	if s.connectService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments are not configured"})
		return
	}
	st, err := s.connectService.RefreshConnectStatus(c.Request.Context(), caller.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// --- notifications ---

func (s *Server) handleListNotifications(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	list, err := s.notificationService.List(c.Request.Context(), caller.UserID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		items = append(items, toNotificationResponse(n))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	if err := s.notificationService.MarkRead(c.Request.Context(), caller.UserID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- helpers ---

func identity(c *gin.Context) (deal.Identity, bool) {
	id, ok := auth.IdentityFrom(c)
	if !ok || id.UserID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return deal.Identity{}, false
	}
	return id, true
}

func bind(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch deal.KindOf(err) {
	case deal.KindValidation:
		return http.StatusBadRequest
	case deal.KindPrecondition, deal.KindConflict:
		return http.StatusConflict
	case deal.KindNotFound:
		return http.StatusNotFound
	case deal.KindTransient:
		return http.StatusServiceUnavailable
	case deal.KindDependency:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, fees.ErrInvalidAmount), errors.Is(err, fees.ErrTooManyDecimal),
		errors.Is(err, fees.ErrBelowMinimum), errors.Is(err, fees.ErrAboveMaximum),
		errors.Is(err, fees.ErrNegativeHold), errors.Is(err, notification.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, notification.ErrNotFound), errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, payment.ErrAccountNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorw("request failed", "method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
		if status == http.StatusInternalServerError {
			c.JSON(status, gin.H{"error": "internal error"})
			return
		}
	}
	body := gin.H{"error": err.Error()}
	if kind := deal.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	c.JSON(status, body)
}
