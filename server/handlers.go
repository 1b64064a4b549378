package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/rnr-capital/newsfeed-alerts/channel"
	"github.com/rnr-capital/newsfeed-alerts/invitation"
	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/server/middlewares"
	"github.com/rnr-capital/newsfeed-alerts/store"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

type acceptInvitationRequest struct {
	ChannelID string `json:"channelId" binding:"required"`
}

type createInvitationRequest struct {
	AlertID string `json:"alertId" binding:"required"`
	Email   string `json:"email"`
}

type confirmVerificationRequest struct {
	Token string `json:"token" binding:"required"`
}

// errorStatus maps domain errors to http statuses.
func errorStatus(err error) int {
	var expired *invitation.InvitationExpired
	var accepted *invitation.InvitationAlreadyAccepted
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &expired), errors.Is(err, channel.ErrVerificationExpired):
		return http.StatusGone
	case errors.As(err, &accepted), errors.Is(err, store.ErrAlreadySubscribed), errors.Is(err, channel.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, invitation.ErrAlertNotPublic), errors.Is(err, invitation.ErrChannelNotOwned):
		return http.StatusForbidden
	case errors.Is(err, channel.ErrVerificationMismatch), errors.Is(err, channel.ErrNotVerifiable):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		Logger.LogV2.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"message": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	if err := s.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) runJob(c *gin.Context) {
	job, ok := panoptic.ParseJobName(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown job " + c.Param("name")})
		return
	}
	report, err := s.Runner.Run(c.Request.Context(), job, s.now())
	if err != nil {
		Logger.LogV2.WithError(err).WithField("job", job).Error("triggered job failed")
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) createInvitation(c *gin.Context) {
	req := createInvitationRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	alert, err := s.Store.GetAlert(c.Request.Context(), req.AlertID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	sub := c.GetString(middlewares.SubKey)
	if alert.OwnerID != sub {
		c.JSON(http.StatusForbidden, gin.H{"message": "only the owner can invite"})
		return
	}
	inv, err := s.Invitations.Create(c.Request.Context(), alert.Id, sub, req.Email, s.now())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": inv.Token, "expiresAt": inv.ExpiresAt})
}

func (s *Server) acceptInvitation(c *gin.Context) {
	req := acceptInvitationRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	sub, err := s.Invitations.Redeem(c.Request.Context(), c.Param("token"), c.GetString(middlewares.SubKey), req.ChannelID, s.now())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptionId": sub.Id, "alertId": sub.AlertID})
}

func (s *Server) resendVerification(c *gin.Context) {
	ch, err := s.Store.GetChannel(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if ch.OwnerID != c.GetString(middlewares.SubKey) {
		// don't reveal other users' channels
		c.JSON(http.StatusNotFound, gin.H{"message": "channel not found"})
		return
	}
	if err := s.Verifier.ResendVerification(c.Request.Context(), ch.Id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *Server) confirmVerification(c *gin.Context) {
	req := confirmVerificationRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := s.Verifier.ConfirmVerification(c.Request.Context(), c.Param("id"), req.Token); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}
