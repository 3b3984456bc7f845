package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"imeibot/internal/catalog"
)

type healthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Users         int64          `json:"users"`
	Autopinger    pingerSnapshot `json:"autopinger"`
}

type pingerSnapshot struct {
	Enabled  bool  `json:"enabled"`
	Running  bool  `json:"running"`
	Pings    int64 `json:"pings"`
	Failures int64 `json:"failures"`
}

func (s *Server) health(c *gin.Context) {
	users, err := s.ledger.CountUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unavailable"})
		return
	}
	st := s.pinger.Status()
	c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Users:         users,
		Autopinger: pingerSnapshot{
			Enabled:  st.Enabled,
			Running:  st.Running,
			Pings:    st.PingCount,
			Failures: st.FailureCount,
		},
	})
}

type balanceRequest struct {
	UserID int64           `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) addBalance(c *gin.Context) {
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and a positive amount are required"})
		return
	}
	newBalance, err := s.ledger.Credit(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "balance": newBalance.StringFixed(2)})
}

type serviceRequest struct {
	ID       string          `json:"id" binding:"required"`
	Title    string          `json:"title" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category" binding:"required"`
}

type serviceResponse struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Price    string `json:"price"`
	Category string `json:"category"`
}

func (s *Server) listServices(c *gin.Context) {
	services, err := s.catalog.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog unavailable"})
		return
	}
	out := make([]serviceResponse, 0, len(services))
	for _, svc := range services {
		out = append(out, serviceResponse{
			ID:       svc.ID,
			Title:    svc.Title,
			Price:    svc.Price.StringFixed(2),
			Category: svc.Category,
		})
	}
	c.JSON(http.StatusOK, gin.H{"services": out})
}

func (s *Server) addService(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id, title, price and category are required"})
		return
	}
	err := s.catalog.Add(c.Request.Context(), req.ID, req.Title, req.Price, req.Category)
	switch {
	case errors.Is(err, catalog.ErrDuplicateID):
		c.JSON(http.StatusConflict, gin.H{"error": "service id already exists"})
	case errors.Is(err, catalog.ErrInvalidPrice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "price must be greater than zero"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog unavailable"})
	default:
		c.JSON(http.StatusCreated, gin.H{"id": req.ID})
	}
}

func (s *Server) removeService(c *gin.Context) {
	err := s.catalog.Remove(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no such service"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog unavailable"})
	default:
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	}
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Balance  string `json:"balance"`
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.ledger.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database unavailable"})
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{ID: u.ID, Username: u.Username.String, Balance: u.Balance.StringFixed(2)})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

type broadcastRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	ids, err := s.ledger.ListUserIDs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database unavailable"})
		return
	}
	queued := 0
	for _, id := range ids {
		if s.broadcaster.Enqueue(id, req.Message) {
			queued++
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued, "total": len(ids)})
}

func (s *Server) autopinger(c *gin.Context) {
	switch c.Param("action") {
	case "start":
		s.pinger.Start()
	case "stop":
		s.pinger.Stop()
	case "status":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be start, stop or status"})
		return
	}
	st := s.pinger.Status()
	c.JSON(http.StatusOK, gin.H{
		"enabled":  st.Enabled,
		"running":  st.Running,
		"interval": st.Interval.String(),
		"pings":    st.PingCount,
		"failures": st.FailureCount,
	})
}
