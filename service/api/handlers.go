package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"joingate/middleware/security"
	"joingate/module/moderation"
	"joingate/service/intake"
	"joingate/tools/errs"
)

const maxEventBody = 1 << 20

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrArgs):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrNoPermission):
		status = http.StatusForbidden
	}
	code := errs.Code(err)
	if code == 0 {
		code = errs.ServerInternalError
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "msg": err.Error()})
}

func (s *Server) healthz(c *gin.Context) {
	failed := gin.H{}
	for name, check := range s.deps.Health {
		if err := check(c.Request.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) postEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		fail(c, errs.ErrArgs.WrapMsg("read body: "+err.Error()))
		return
	}
	env, err := intake.DecodeEnvelope(body)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), "http", env)
	if err != nil {
		s.deps.Log.Warn("event dispatch failed", zap.String("event_id", env.ID), zap.Error(err))
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) postSweep(c *gin.Context) {
	removed, err := s.deps.Sweeper.Sweep(c.Request.Context(), s.deps.Now())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type commandBody struct {
	Text             string `json:"text" binding:"required"`
	ReplyToUserID    int64  `json:"reply_to_user_id"`
	ReplyToMessageID int64  `json:"reply_to_message_id"`
}

// postCommand runs a moderation command as the admin named in the token.
// The moderator still checks admin status on the platform.
func (s *Server) postCommand(c *gin.Context) {
	claims := security.Claims(c)
	if claims == nil {
		fail(c, errs.ErrNoPermission.WrapMsg("no claims"))
		return
	}
	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	reply, handled, err := s.deps.Commands.Handle(c.Request.Context(), moderation.Request{
		ChatID:           claims.ChatID,
		ActorID:          claims.UserID,
		ReplyToUserID:    body.ReplyToUserID,
		ReplyToMessageID: body.ReplyToMessageID,
		Text:             body.Text,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if !handled {
		fail(c, errs.ErrArgs.WrapMsg("unknown command"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}
