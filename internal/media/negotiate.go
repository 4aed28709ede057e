package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// HTTPNegotiator exchanges SDP descriptions with a broker endpoint:
// POST the local offer, receive the remote answer in the response body.
// ICE candidate gathering completes before the offer is posted, so no
// trickle round-trips are needed.
type HTTPNegotiator struct {
	brokerURL string
	userID    string
	client    *http.Client
	log       *zap.Logger
}

func NewHTTPNegotiator(brokerURL, userID string, log *zap.Logger) *HTTPNegotiator {
	return &HTTPNegotiator{
		brokerURL: brokerURL,
		userID:    userID,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       log,
	}
}

type sdpExchange struct {
	FromUserID  string                    `json:"from_user_id"`
	ToUserID    string                    `json:"to_user_id"`
	ScreenShare bool                      `json:"screen_share"`
	Description webrtc.SessionDescription `json:"description"`
}

func (n *HTTPNegotiator) Negotiate(ctx context.Context, remoteID string, pc *webrtc.PeerConnection, screenShare bool) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	payload, err := json.Marshal(sdpExchange{
		FromUserID:  n.userID,
		ToUserID:    remoteID,
		ScreenShare: screenShare,
		Description: *pc.LocalDescription(),
	})
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}

	endpoint := n.brokerURL + url.PathEscape(remoteID) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("create broker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker returned %d", resp.StatusCode)
	}

	var answer webrtc.SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	n.log.Debug("negotiation complete", zap.String("remote_id", remoteID))
	return nil
}
