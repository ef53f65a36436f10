package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

// CallRequest starts a 1:1 call.
type CallRequest struct {
	To   string          `json:"to" binding:"required"`
	Name string          `json:"name"`
	Kind models.CallKind `json:"kind"`
}

// StartCall rings another user.
func (a *API) StartCall(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = models.CallVoice
	}
	session, err := ag.Phone.Initiate(c.Request.Context(), models.User{ID: req.To, Name: req.Name}, req.Kind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (a *API) AcceptCall(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	session, err := ag.Phone.Accept(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) RejectCall(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	if err := ag.Phone.Reject(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ag.Phone.Session())
}

func (a *API) Hangup(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	if err := ag.Phone.Hangup(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ag.Phone.Session())
}

// CurrentCall returns the user's 1:1 call, idle when there is none.
func (a *API) CurrentCall(c *gin.Context) {
	ag, ok := a.agent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ag.Phone.Session())
}
