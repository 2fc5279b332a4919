package council

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// APIKeyHeader carries the caller's decrypted BYOK key to the gateway. The
// key never travels in the request body.
const APIKeyHeader = "X-Council-Api-Key"

// ImagePayload is an inline image attachment for a vision-capable turn.
type ImagePayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// Ref is the durable reference stored on the user turn: mime type plus a
// digest of the inline bytes, not the payload itself.
func (p *ImagePayload) Ref() string {
	sum := sha256.Sum256([]byte(p.Data))
	return fmt.Sprintf("inline:%s;sha256:%x", p.MimeType, sum)
}

// StreamRequest is the outbound council invocation.
type StreamRequest struct {
	Content        string
	Context        string // model-only context, merged ahead of Content
	CouncilMembers []string
	ChairmanModel  string
	Image          *ImagePayload
	AttachmentType string
	APIKey         string // decrypted BYOK key, may be empty
}

type gatewayBody struct {
	Content        string        `json:"content"`
	Context        string        `json:"context,omitempty"`
	CouncilMembers []string      `json:"council_members,omitempty"`
	ChairmanModel  string        `json:"chairman_model,omitempty"`
	ImageData      *ImagePayload `json:"image_data,omitempty"`
	AttachmentType string        `json:"attachment_type,omitempty"`
}

// Streamer opens a council run and emits parsed events until the stream
// ends. Both channels close when the stream is done; at most one error is
// sent.
type Streamer interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan Event, <-chan error)
}

// Client talks to the council inference gateway over HTTP+SSE.
type Client struct {
	BaseURL       string
	StreamTimeout time.Duration
	HTTPClient    *http.Client
	Log           *slog.Logger
}

func NewClient(baseURL string, headerTimeout, streamTimeout time.Duration, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8787"
	}
	if headerTimeout <= 0 {
		headerTimeout = 30 * time.Second
	}
	if streamTimeout <= 0 {
		streamTimeout = 180 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		BaseURL:       baseURL,
		StreamTimeout: streamTimeout,
		HTTPClient: &http.Client{
			// No global timeout: the body outlives header receipt and the
			// stream ceiling is enforced per call via context.
			Transport: &http.Transport{ResponseHeaderTimeout: headerTimeout},
		},
		Log: log,
	}
}

// Stream implements Streamer. Event order matches wire order; malformed JSON
// lines are logged and skipped, an error SSE event is forwarded as the final
// event, and transport or decode failures surface on the error channel.
func (c *Client) Stream(ctx context.Context, req StreamRequest) (<-chan Event, <-chan error) {
	events := make(chan Event, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		cctx, cancel := context.WithTimeout(ctx, c.StreamTimeout)
		defer cancel()

		content := req.Content
		if req.Context != "" {
			content = req.Context + "\n\n" + req.Content
		}

		b, err := json.Marshal(gatewayBody{
			Content:        content,
			Context:        req.Context,
			CouncilMembers: req.CouncilMembers,
			ChairmanModel:  req.ChairmanModel,
			ImageData:      req.Image,
			AttachmentType: req.AttachmentType,
		})
		if err != nil {
			errs <- err
			return
		}

		url := fmt.Sprintf("%s/api/council/stream", strings.TrimRight(c.BaseURL, "/"))
		httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if req.APIKey != "" {
			httpReq.Header.Set(APIKeyHeader, req.APIKey)
		}

		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			msg := strings.TrimSpace(string(body))
			errs <- fmt.Errorf("gateway: status %d: %s", resp.StatusCode, msg)
			return
		}

		var fb frameBuffer
		chunk := make([]byte, 4*1024)
		for {
			n, readErr := resp.Body.Read(chunk)
			if n > 0 {
				for _, line := range fb.Feed(chunk[:n]) {
					if done := c.emitLine(cctx, line, events, errs); done {
						return
					}
				}
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					if line, ok := fb.Flush(); ok {
						if done := c.emitLine(cctx, line, events, errs); done {
							return
						}
					}
					return
				}
				errs <- readErr
				return
			}
		}
	}()

	return events, errs
}

// emitLine parses and forwards one complete line. It reports true when the
// stream should stop: after an error event, a payload decode failure, or
// context cancellation.
func (c *Client) emitLine(ctx context.Context, line string, events chan<- Event, errs chan<- error) bool {
	if !strings.HasPrefix(line, dataPrefix) {
		return false
	}

	ev, skip, err := parseEvent([]byte(strings.TrimPrefix(line, dataPrefix)))
	if skip {
		c.Log.Warn("skipping malformed gateway frame", "err", err)
		return false
	}
	if err != nil {
		errs <- err
		return true
	}

	select {
	case events <- ev:
	case <-ctx.Done():
		return true
	}
	return ev.Kind == EventError
}
