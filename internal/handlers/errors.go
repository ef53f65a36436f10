package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/room"
	"github.com/mossy-p/webrtc-calls/internal/screenshare"
	"github.com/rs/zerolog/log"
)

// statusOf maps orchestrator errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrNoIncomingCall),
		errors.Is(err, call.ErrIllegalTransition),
		errors.Is(err, screenshare.ErrShareActive),
		errors.Is(err, screenshare.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, call.ErrInvalidCall),
		errors.Is(err, room.ErrBadRoom),
		errors.Is(err, screenshare.ErrInvalid),
		errors.Is(err, models.ErrBadUserID):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrNotInCall),
		errors.Is(err, room.ErrNoRoomCall),
		errors.Is(err, screenshare.ErrNotSharing),
		errors.Is(err, screenshare.ErrNoShare):
		return http.StatusNotFound
	case errors.Is(err, media.ErrUnavailable),
		errors.Is(err, media.ErrDisplayUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("handlers: request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
