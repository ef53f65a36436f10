package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/screenshare"
)

// ShareRequest starts a 1:1 screen share.
type ShareRequest struct {
	To string `json:"to" binding:"required"`
}

func (a *API) StartShare(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	var req ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := ag.Share.Start(c.Request.Context(), req.To)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

// StopShare ends the user's 1:1 share, whichever side they are on.
func (a *API) StopShare(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	if err := ag.Share.Stop(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ag.Share.State())
}

func (a *API) StartRoomShare(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	state, err := ag.RoomShare.Start(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (a *API) JoinRoomShare(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	state, err := ag.RoomShare.Join(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (a *API) StopRoomShare(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	if ag.RoomShare.State().RoomID != c.Param("roomId") {
		respondError(c, screenshare.ErrNotSharing)
		return
	}
	if err := ag.RoomShare.Stop(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ag.RoomShare.State())
}

// GetRoomShare returns the room's sharer slot.
func (a *API) GetRoomShare(c *gin.Context) {
	slot, err := screenshare.Slot(c.Request.Context(), a.Store, c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}
