package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	errs "github.com/edgard/haven/internal/errors"
	"github.com/edgard/haven/internal/profile"
)

type createConversationRequest struct {
	PeerID string `json:"peer_id" validate:"required,max=128"`
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

type deleteMessagesRequest struct {
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=100,dive,required"`
}

type updateProfileRequest struct {
	Username    string `json:"username"     validate:"omitempty,min=3,max=20"`
	DisplayName string `json:"display_name" validate:"max=64"`
	PhotoURL    string `json:"photo_url"    validate:"omitempty,url,max=2048"`
}

type usernameResponse struct {
	Username  string `json:"username"`
	Available bool   `json:"available"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// bindAndValidate decodes the request body into req and checks its tags.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return c.Validate(req)
}

func (s *Server) health(c echo.Context) error {
	if err := s.deps.Health.Ping(c.Request().Context()); err != nil {
		s.logger.WarnContext(c.Request().Context(), "Health check failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) createConversation(c echo.Context) error {
	var req createConversationRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	conv, err := s.deps.Chat.EnsureConversation(c.Request().Context(), callerID(c), req.PeerID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) viewConversation(c echo.Context) error {
	view, err := s.deps.Chat.View(c.Request().Context(), c.Param("key"), callerID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) listMessages(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	messages, err := s.deps.Chat.History(c.Request().Context(), c.Param("key"), callerID(c), c.QueryParam("before"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messages)
}

// queryLimit parses the optional limit query parameter; zero means the default.
func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.NewValidationError("limit must be a non-negative integer", err)
	}
	return n, nil
}

func (s *Server) sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	msg, err := s.deps.Chat.Send(c.Request().Context(), c.Param("key"), callerID(c), req.Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) deleteMessages(c echo.Context) error {
	var req deleteMessagesRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	if err := s.deps.Chat.DeleteMessages(c.Request().Context(), c.Param("key"), callerID(c), req.MessageIDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) markRead(c echo.Context) error {
	if err := s.deps.Chat.MarkRead(c.Request().Context(), c.Param("key"), callerID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listConversations(c echo.Context) error {
	entries, err := s.deps.Chat.Summaries(c.Request().Context(), callerID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) getOwnProfile(c echo.Context) error {
	p, err := s.deps.Profiles.GetProfile(c.Request().Context(), callerID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) updateProfile(c echo.Context) error {
	var req updateProfileRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	p, err := s.deps.Profiles.UpdateProfile(c.Request().Context(), callerID(c), profile.Update{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) searchUsers(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	found, err := s.deps.Profiles.Search(c.Request().Context(), c.QueryParam("q"), callerID(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, found)
}

func (s *Server) getProfile(c echo.Context) error {
	p, err := s.deps.Profiles.GetProfile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) usernameAvailability(c echo.Context) error {
	username := c.Param("username")
	available, err := s.deps.Profiles.IsAvailable(c.Request().Context(), username)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, usernameResponse{Username: username, Available: available})
}

// serveWebsocket upgrades the request and serves a live session until it ends.
// Client frames run through the chat engine as the authenticated caller.
func (s *Server) serveWebsocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the failure response.
		s.logger.DebugContext(c.Request().Context(), "Websocket upgrade failed", "error", err)
		return nil
	}

	s.deps.Hub.Serve(c.Request().Context(), ws, callerID(c), s.deps.Chat)
	return nil
}
