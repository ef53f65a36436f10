package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/room"
)

// RoomCallInfo is what anyone may see of a room's call.
type RoomCallInfo struct {
	RoomID       string               `json:"roomId"`
	Participants []string             `json:"participants"`
	Local        models.RoomCallState `json:"local"`
}

// StartRoomCall starts the room's call, or joins the running one.
func (a *API) StartRoomCall(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	state, err := ag.Rooms.StartCall(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// JoinRoomCall joins a running room call; 404 when nobody is in it.
func (a *API) JoinRoomCall(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	state, err := ag.Rooms.JoinCall(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// LeaveRoomCall leaves the user's room call. The room in the path must be
// the one the user is in.
func (a *API) LeaveRoomCall(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	if ag.Rooms.State().RoomID != c.Param("roomId") {
		respondError(c, room.ErrNotInCall)
		return
	}
	if err := ag.Rooms.LeaveCall(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ag.Rooms.State())
}

// GetRoomCall lists who is in the room's call, along with the caller's own
// view of it.
func (a *API) GetRoomCall(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	roomID := c.Param("roomId")
	if err := models.ValidateUserID(roomID); err != nil {
		respondError(c, room.ErrBadRoom)
		return
	}
	ids, err := room.Participants(c.Request.Context(), a.Store, roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	info := RoomCallInfo{RoomID: roomID, Participants: ids}
	if st := ag.Rooms.State(); st.RoomID == roomID {
		info.Local = st
	}
	c.JSON(http.StatusOK, info)
}
