package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/metrics"
	"github.com/pion/sdp/v3"
)

const voiceServerType = "webrtc"

var (
	ErrBadAnswer   = errors.New("invalid sdp answer")
	ErrNoSignaling = errors.New("no signaling url")
)

type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ProvisionRequest asks the region for a voice connection.
type ProvisionRequest struct {
	JSEP            JSEP   `json:"jsep"`
	ChannelType     string `json:"channel_type"`
	ParcelLocalID   *int   `json:"parcel_local_id,omitempty"`
	ChannelID       string `json:"channel_id,omitempty"`
	Credentials     string `json:"credentials,omitempty"`
	VoiceServerType string `json:"voice_server_type"`
}

type ProvisionResponse struct {
	ViewerSession string `json:"viewer_session"`
	JSEP          JSEP   `json:"jsep"`
}

type Candidate struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

type completedCandidate struct {
	Completed bool `json:"completed"`
}

type trickleRequest struct {
	ViewerSession   string              `json:"viewer_session"`
	VoiceServerType string              `json:"voice_server_type"`
	Candidates      []Candidate         `json:"candidates,omitempty"`
	Candidate       *completedCandidate `json:"candidate,omitempty"`
}

type logoutRequest struct {
	Logout          bool   `json:"logout"`
	ViewerSession   string `json:"viewer_session"`
	VoiceServerType string `json:"voice_server_type"`
}

// Signaler carries the offer/answer exchange and ICE trickle.
type Signaler interface {
	Provision(ctx context.Context, url string, req ProvisionRequest) (ProvisionResponse, error)
	Trickle(ctx context.Context, url, viewerSession string, candidates []Candidate, completed bool) error
	Logout(ctx context.Context, url, viewerSession string) error
}

// HTTPSignaler posts JSON bodies to region capability URLs.
type HTTPSignaler struct {
	Client  *http.Client
	Metrics *metrics.Metrics
}

func NewHTTPSignaler(timeout time.Duration, m *metrics.Metrics) *HTTPSignaler {
	return &HTTPSignaler{Client: &http.Client{Timeout: timeout}, Metrics: m}
}

func (s *HTTPSignaler) Provision(ctx context.Context, url string, req ProvisionRequest) (ProvisionResponse, error) {
	var resp ProvisionResponse
	req.VoiceServerType = voiceServerType
	if err := s.post(ctx, "provision", url, req, &resp); err != nil {
		return ProvisionResponse{}, err
	}
	if resp.JSEP.Type != "answer" {
		return ProvisionResponse{}, fmt.Errorf("%w: jsep type %q", ErrBadAnswer, resp.JSEP.Type)
	}
	if err := validateAnswer(resp.JSEP.SDP); err != nil {
		return ProvisionResponse{}, err
	}
	return resp, nil
}

func (s *HTTPSignaler) Trickle(ctx context.Context, url, viewerSession string, candidates []Candidate, completed bool) error {
	body := trickleRequest{ViewerSession: viewerSession, VoiceServerType: voiceServerType, Candidates: candidates}
	if completed {
		body.Candidates = nil
		body.Candidate = &completedCandidate{Completed: true}
	}
	return s.post(ctx, "trickle", url, body, nil)
}

func (s *HTTPSignaler) Logout(ctx context.Context, url, viewerSession string) error {
	return s.post(ctx, "logout", url, logoutRequest{Logout: true, ViewerSession: viewerSession, VoiceServerType: voiceServerType}, nil)
}

func (s *HTTPSignaler) post(ctx context.Context, call, url string, in, out any) error {
	if url == "" {
		return ErrNoSignaling
	}
	start := time.Now()
	defer func() { s.Metrics.ObserveSignaling(call, time.Since(start).Seconds()) }()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", call, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", call, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return core.Retryable(call, domain.ErrorUnknown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return httpStatusError(call, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Retryable(call, domain.ErrorUnknown, fmt.Errorf("decode: %w", err))
	}
	return nil
}

// httpStatusError maps provisioning failures: full and locked channels are
// final, anything else may be retried.
func httpStatusError(call string, code int, msg string) error {
	err := fmt.Errorf("http %d: %s", code, msg)
	switch code {
	case http.StatusConflict:
		return core.Fatal(call, domain.ErrorChannelFull, err)
	case http.StatusUnauthorized:
		return core.Fatal(call, domain.ErrorChannelLocked, err)
	default:
		return core.Retryable(call, domain.ErrorUnknown, err)
	}
}

// validateAnswer checks that the answer parses and carries an audio section.
func validateAnswer(raw string) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAnswer, err)
	}
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return nil
		}
	}
	return fmt.Errorf("%w: no audio section", ErrBadAnswer)
}
