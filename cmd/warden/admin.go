package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/wardenbot/warden/automod/engine"
	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/ledger"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/_health", s.HandleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())

	e.POST("/messages", s.HandleIngestMessage)

	admin := e.Group("/admin")
	if s.adminToken != "" {
		admin.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return key == s.adminToken, nil
		}))
	} else {
		s.logger.Warn("no admin token configured, admin API is disabled")
		admin.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusForbidden, "admin API disabled")
			}
		})
	}

	admin.GET("/communities/:community/users/:user", s.HandleGetUser)
	admin.POST("/communities/:community/users/:user/points", s.HandleAwardPoints)
	admin.DELETE("/communities/:community/users/:user", s.HandleClearUser)
	admin.PUT("/communities/:community/users/:user/whitelist", s.HandleAddWhitelist)
	admin.DELETE("/communities/:community/users/:user/whitelist", s.HandleRemoveWhitelist)
	admin.GET("/communities/:community/leaderboard", s.HandleLeaderboard)
	admin.POST("/communities/:community/cleanup", s.HandleCleanup)
	admin.POST("/communities/:community/sweep", s.HandleBonusSweep)
	admin.PUT("/communities/:community/channels/:channel", s.HandleAddChannel)
	admin.DELETE("/communities/:community/channels/:channel", s.HandleRemoveChannel)
	admin.GET("/communities/:community/channels", s.HandleListChannels)
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "warden"})
}

// HandleIngestMessage runs one message through the moderation engine and
// returns the full report, so the gateway can apply platform actions.
func (s *Server) HandleIngestMessage(c echo.Context) error {
	var evt engine.MessageEvent
	if err := c.Bind(&evt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message event")
	}
	if evt.CommunityID == "" || evt.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "communityID and userID are required")
	}

	report, err := s.engine.ProcessMessage(c.Request().Context(), &evt)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "message processing failed")
	}
	return c.JSON(200, report)
}

func keyFromPath(c echo.Context) ledger.Key {
	return ledger.Key{
		CommunityID: c.Param("community"),
		UserID:      c.Param("user"),
	}
}

type userStatusResponse struct {
	Record      *ledger.Record  `json:"record"`
	Immunity    immunity.Status `json:"immunity"`
	Whitelisted bool            `json:"whitelisted"`
}

func (s *Server) HandleGetUser(c echo.Context) error {
	ctx := c.Request().Context()
	key := keyFromPath(c)

	rec, err := s.ledger.Get(ctx, key)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	whitelisted, err := s.ledger.IsWhitelisted(ctx, key)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	return c.JSON(200, userStatusResponse{
		Record:      rec,
		Immunity:    rec.Immunity(),
		Whitelisted: whitelisted,
	})
}

type awardPointsRequest struct {
	Points int    `json:"points"`
	Reason string `json:"reason"`
}

func (s *Server) HandleAwardPoints(c echo.Context) error {
	var req awardPointsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Points <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "points must be positive")
	}
	if req.Reason == "" {
		req.Reason = "manual award"
	}

	rec, err := s.ledger.AwardPoints(c.Request().Context(), keyFromPath(c), req.Points, req.Reason)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	return c.JSON(200, rec)
}

func (s *Server) HandleClearUser(c echo.Context) error {
	existed, err := s.ledger.Clear(c.Request().Context(), keyFromPath(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	if !existed {
		return echo.NewHTTPError(http.StatusNotFound, "no record for user")
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "warden"})
}

type whitelistRequest struct {
	Reason    string     `json:"reason"`
	AddedBy   string     `json:"addedBy"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) HandleAddWhitelist(c echo.Context) error {
	var req whitelistRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	key := keyFromPath(c)

	inserted, err := s.ledger.AddWhitelist(c.Request().Context(), ledger.WhitelistEntry{
		CommunityID: key.CommunityID,
		UserID:      key.UserID,
		Reason:      req.Reason,
		AddedBy:     req.AddedBy,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	s.engine.PurgeWhitelistCache(key)
	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	return c.JSON(status, GenericStatus{Status: "ok", Daemon: "warden"})
}

func (s *Server) HandleRemoveWhitelist(c echo.Context) error {
	key := keyFromPath(c)
	removed, err := s.ledger.RemoveWhitelist(c.Request().Context(), key)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	s.engine.PurgeWhitelistCache(key)
	if !removed {
		return echo.NewHTTPError(http.StatusNotFound, "user not whitelisted")
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "warden"})
}

func (s *Server) HandleLeaderboard(c echo.Context) error {
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1..100")
		}
		limit = n
	}

	board, err := s.ledger.Leaderboard(c.Request().Context(), c.Param("community"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	return c.JSON(200, board)
}

func (s *Server) HandleCleanup(c echo.Context) error {
	deleted, err := s.ledger.CleanupExpired(c.Request().Context(), c.Param("community"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	return c.JSON(200, map[string]int{"deleted": deleted})
}

func (s *Server) HandleBonusSweep(c echo.Context) error {
	awards, err := s.ledger.WeeklyBonusSweep(c.Request().Context(), c.Param("community"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "reputation storage unavailable")
	}
	return c.JSON(200, awards)
}

func (s *Server) HandleAddChannel(c echo.Context) error {
	if err := s.scope.Add(c.Request().Context(), c.Param("community"), c.Param("channel")); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "scope storage unavailable")
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "warden"})
}

func (s *Server) HandleRemoveChannel(c echo.Context) error {
	if err := s.scope.Remove(c.Request().Context(), c.Param("community"), c.Param("channel")); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "scope storage unavailable")
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "warden"})
}

func (s *Server) HandleListChannels(c echo.Context) error {
	channels, err := s.scope.List(c.Request().Context(), c.Param("community"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "scope storage unavailable")
	}
	return c.JSON(200, channels)
}
