package http

import (
	"net/http"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/gin-gonic/gin"
)

// Voice is the facade surface the control API drives. Mutations go through
// Post so they run on the owner goroutine; reads use the published snapshot.
type Voice interface {
	Post(fn func())
	Snapshot() *app.Snapshot

	HandleTransportDirective(raw string)
	SetVoiceEnabled(enabled bool)
	SetSpatialChannel(uri, credentials string)
	SetNonSpatialChannel(uri, credentials string)
	LeaveChannel()
	SetMuteMic(muted bool)
	SetUserVolume(id domain.AgentID, volume float32)
}

type StatusResponse struct {
	ServerType domain.ServerType   `json:"server_type"`
	Enabled    bool                `json:"enabled"`
	Working    bool                `json:"working"`
	Channel    string              `json:"channel"`
	InSpatial  bool                `json:"in_spatial"`
	MicMuted   bool                `json:"mic_muted"`
	Status     domain.StatusChange `json:"status"`
}

type DevicesResponse struct {
	Capture []domain.Device `json:"capture"`
	Render  []domain.Device `json:"render"`
}

type DirectiveRequest struct {
	ServerType string `json:"server_type"`
}

type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type ChannelRequest struct {
	URI         string `json:"uri" binding:"required"`
	Credentials string `json:"credentials"`
	Spatial     bool   `json:"spatial"`
}

type MuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type VolumeRequest struct {
	ID     string   `json:"id" binding:"required"`
	Volume *float32 `json:"volume" binding:"required"`
}

type handlers struct {
	voice Voice
}

func (h *handlers) snapshot() *app.Snapshot {
	if s := h.voice.Snapshot(); s != nil {
		return s
	}
	return &app.Snapshot{}
}

func accepted(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (h *handlers) status(c *gin.Context) {
	s := h.snapshot()
	c.JSON(http.StatusOK, StatusResponse{
		ServerType: s.ServerType,
		Enabled:    s.Enabled,
		Working:    s.Working,
		Channel:    s.Channel,
		InSpatial:  s.InSpatial,
		MicMuted:   s.MicMuted,
		Status:     s.Status,
	})
}

func (h *handlers) participants(c *gin.Context) {
	ps := h.snapshot().Participants
	if ps == nil {
		ps = []domain.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": ps})
}

func (h *handlers) devices(c *gin.Context) {
	s := h.snapshot()
	c.JSON(http.StatusOK, DevicesResponse{Capture: s.CaptureDevices, Render: s.RenderDevices})
}

func (h *handlers) directive(c *gin.Context) {
	var req DirectiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid directive")
		return
	}
	h.voice.Post(func() { h.voice.HandleTransportDirective(req.ServerType) })
	accepted(c)
}

func (h *handlers) enabled(c *gin.Context) {
	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "missing enabled")
		return
	}
	enabled := *req.Enabled
	h.voice.Post(func() { h.voice.SetVoiceEnabled(enabled) })
	accepted(c)
}

func (h *handlers) channel(c *gin.Context) {
	var req ChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "missing or invalid uri")
		return
	}
	h.voice.Post(func() {
		if req.Spatial {
			h.voice.SetSpatialChannel(req.URI, req.Credentials)
		} else {
			h.voice.SetNonSpatialChannel(req.URI, req.Credentials)
		}
	})
	accepted(c)
}

func (h *handlers) leave(c *gin.Context) {
	h.voice.Post(h.voice.LeaveChannel)
	accepted(c)
}

func (h *handlers) mute(c *gin.Context) {
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "missing muted")
		return
	}
	muted := *req.Muted
	h.voice.Post(func() { h.voice.SetMuteMic(muted) })
	accepted(c)
}

func (h *handlers) volume(c *gin.Context) {
	var req VolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "missing id or volume")
		return
	}
	id, err := domain.ParseAgentID(req.ID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	v := *req.Volume
	if v < domain.VolumeMin || v > domain.VolumeMax {
		badRequest(c, app.ErrVolumeOutOfRange.Error())
		return
	}
	h.voice.Post(func() { h.voice.SetUserVolume(id, v) })
	accepted(c)
}
