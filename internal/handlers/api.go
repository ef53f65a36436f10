package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/agent"
	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/mossy-p/webrtc-calls/internal/store"
)

// API serves the control surface of the local users' call agents.
type API struct {
	Agents *agent.Registry
	Store  store.Store
	Hub    *events.Hub
}

// agent returns the authenticated user's agent, writing the error response
// itself when there is none.
func (a *API) agent(c *gin.Context) (*agent.Agent, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, false
	}
	ag, err := a.Agents.Get(user)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return ag, true
}
