package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxkey/log"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	writeTimeout     = 5 * time.Second
)

type deepgramStreamResponse struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	RequestID    string  `json:"request_id"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Metadata struct {
		RequestID string `json:"request_id"`
	} `json:"metadata"`
}

// Deepgram dials the Deepgram live transcription API.
type Deepgram struct {
	dialer *websocket.Dialer
}

func NewDeepgram() *Deepgram {
	return &Deepgram{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}}
}

func listenURL(cfg Config) (string, error) {
	base := cfg.Endpoint
	if base == "" {
		base = deepgramEndpoint
	}
	endpoint, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	q := endpoint.Query()
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	q.Set("model", model)
	q.Set("encoding", "linear16")
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMS))
	} else {
		q.Set("endpointing", "false")
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

func (d *Deepgram) Dial(ctx context.Context, cfg Config) (Conn, error) {
	u, err := listenURL(cfg)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return &deepgramConn{conn: conn}, nil
}

type deepgramConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *deepgramConn) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(kind, data)
}

func (c *deepgramConn) Send(pcm []byte) error {
	return c.write(websocket.BinaryMessage, pcm)
}

func (c *deepgramConn) Finalize() error {
	return c.write(websocket.TextMessage, []byte(`{"type":"Finalize"}`))
}

func (c *deepgramConn) CloseStream() error {
	return c.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (c *deepgramConn) Recv() (Message, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Message{}, io.EOF
			}
			return Message{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := decodeMessage(data)
		if err != nil {
			log.Warnf("deepgram: skipping message: %v", err)
			continue
		}
		return msg, nil
	}
}

// Close may run concurrently with a blocked Send; gorilla allows
// WriteControl and Close alongside other writers.
func (c *deepgramConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func decodeMessage(data []byte) (Message, error) {
	var resp deepgramStreamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Message{}, fmt.Errorf("decode %q: %w", truncate(data, 64), err)
	}
	msg := Message{
		Type:         resp.Type,
		IsFinal:      resp.IsFinal,
		SpeechFinal:  resp.SpeechFinal,
		FromFinalize: resp.FromFinalize,
		Start:        resp.Start,
		Duration:     resp.Duration,
		RequestID:    resp.RequestID,
	}
	if msg.RequestID == "" {
		msg.RequestID = resp.Metadata.RequestID
	}
	if len(resp.Channel.Alternatives) > 0 {
		msg.Transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		msg.Confidence = resp.Channel.Alternatives[0].Confidence
	}
	return msg, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
