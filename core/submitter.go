package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"blockperf/pkg/errs"
)

const submitTimeout = 30 * time.Second

// PeerEvent is the flat record posted to /submit/peerevent.
type PeerEvent struct {
	At         time.Time `json:"at"`
	Direction  string    `json:"direction"`
	LocalAddr  string    `json:"local_addr"`
	LocalPort  int       `json:"local_port"`
	RemoteAddr string    `json:"remote_addr"`
	RemotePort int       `json:"remote_port"`
	ChangeType string    `json:"change_type"`
	LastSeen   time.Time `json:"last_seen"`
	LastState  string    `json:"last_state"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// HTTPSubmitter posts block samples and peer events to the
// remote collector over HTTP, injecting auth headers and classifying
// failures into errs' retryable/permanent taxonomy.
type HTTPSubmitter struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	clientID string
	token    string
	log      *logrus.Entry
}

// NewHTTPSubmitter builds a submitter against baseURL (e.g. a network's
// api_base_url). log should carry a component field.
func NewHTTPSubmitter(baseURL, apiKey, clientID string, log *logrus.Entry) *HTTPSubmitter {
	return &HTTPSubmitter{
		client:   &http.Client{Timeout: submitTimeout},
		baseURL:  baseURL,
		apiKey:   apiKey,
		clientID: clientID,
		log:      log,
	}
}

// SetToken installs the challenge/response session token on subsequent
// requests. The collector does not issue tokens yet, so nothing calls this
// in the run path.
func (s *HTTPSubmitter) SetToken(token string) {
	s.token = token
}

// SubmitBlockSample posts a ready sample to /submit/blocksample and returns
// the server-assigned id.
func (s *HTTPSubmitter) SubmitBlockSample(ctx context.Context, sample BlockSample) (string, error) {
	body, err := json.Marshal(sample)
	if err != nil {
		return "", errs.Wrap(errs.KindPermanentAPIError, "marshal block sample", err)
	}

	var resp submitResponse
	if err := s.post(ctx, "/submit/blocksample", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SubmitPeerEvent posts a peer-change notification to /submit/peerevent.
// Fire-and-forget: the response body is not consumed, but transport-level
// errors are still surfaced to the caller for logging.
func (s *HTTPSubmitter) SubmitPeerEvent(ctx context.Context, ev PeerEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.KindPermanentAPIError, "marshal peer event", err)
	}
	return s.post(ctx, "/submit/peerevent", body, nil)
}

func (s *HTTPSubmitter) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindAPIConnectionError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", s.apiKey)
	req.Header.Set("X-Client-Id", s.clientID)
	if s.token != "" {
		req.Header.Set("X-Api-Token", s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindAPIConnectionError, "submit "+path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.log.WithField("status", resp.StatusCode).Error("authentication rejected by collector")
		return errs.New(errs.KindPermanentAPIError, fmt.Sprintf("auth rejected (%d): %s", resp.StatusCode, data))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return errs.New(errs.KindPermanentAPIError, fmt.Sprintf("client error %d: %s", resp.StatusCode, data))
	case resp.StatusCode >= 500:
		return errs.New(errs.KindAPIError, fmt.Sprintf("server error %d: %s", resp.StatusCode, data))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return errs.Wrap(errs.KindPermanentAPIError, "decode response", err)
			}
		}
		return nil
	default:
		return errs.New(errs.KindAPIError, fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, data))
	}
}
