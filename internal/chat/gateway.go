package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"chatgate/internal/models"
)

const maxResponseBody = 8 << 20

// ChatRequest is the body of POST {base}/chat.
type ChatRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// ChatReply is a successful gateway answer.
type ChatReply struct {
	Response       string
	Model          string
	ProcessingTime time.Duration
}

// Gateway is the inference gateway as seen by the controller.
type Gateway interface {
	Chat(ctx context.Context, token string, req ChatRequest) (*ChatReply, error)
	Models(ctx context.Context, token string) ([]models.ModelDescriptor, error)
}

// HTTPGateway talks to the gateway's JSON API rooted at baseURL (e.g. http://host:8081/api).
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPGateway{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (g *HTTPGateway) Chat(ctx context.Context, token string, req ChatRequest) (*ChatReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "could not encode request", Cause: err}
	}
	body, err := g.do(ctx, http.MethodPost, "/chat", token, payload)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, malformed("chat reply is not valid JSON")
	}
	res := gjson.ParseBytes(body)

	text := res.Get("response")
	if text.Type != gjson.String {
		return nil, malformed("chat reply carries no response text")
	}
	reply := &ChatReply{Response: text.String(), Model: res.Get("model").String()}
	if reply.Model == "" {
		reply.Model = req.Model
	}
	pt := res.Get("processing_time")
	if pt.Type != gjson.Number || pt.Float() < 0 {
		return nil, malformed("chat reply has a missing or invalid processing_time")
	}
	reply.ProcessingTime = time.Duration(math.Round(pt.Float() * float64(time.Second)))
	return reply, nil
}

func (g *HTTPGateway) Models(ctx context.Context, token string) ([]models.ModelDescriptor, error) {
	body, err := g.do(ctx, http.MethodGet, "/models", token, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, malformed("model list is not valid JSON")
	}
	list := gjson.GetBytes(body, "models")
	if !list.IsArray() {
		return nil, malformed("model list carries no models array")
	}

	seen := make(map[string]struct{})
	out := make([]models.ModelDescriptor, 0, len(list.Array()))
	for _, item := range list.Array() {
		name := item.Get("name")
		if name.Type != gjson.String || strings.TrimSpace(name.String()) == "" {
			return nil, malformed("model entry without a name")
		}
		if _, dup := seen[name.String()]; dup {
			continue
		}
		seen[name.String()] = struct{}{}

		d := models.ModelDescriptor{Name: name.String()}
		if size := item.Get("size"); size.Type == gjson.Number && size.Int() > 0 {
			d.SizeBytes = size.Int()
		}
		if mod := item.Get("modified_at"); mod.Type == gjson.String {
			if t, err := time.Parse(time.RFC3339Nano, mod.String()); err == nil {
				d.ModifiedAt = &t
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// do performs the request and returns the body of a 2xx response.
func (g *HTTPGateway) do(ctx context.Context, method, path, token string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "could not build request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Error{
			Kind:    KindGatewayUnreachable,
			Message: "Unable to reach the chat service. Check your connection and try again.",
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: KindGatewayHTTP, Status: resp.StatusCode, Message: errorText(body)}
	}
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Message: FallbackErrorMessage, Cause: err}
	}
	return body, nil
}

// errorText extracts the gateway's {"error": "..."} text or falls back to a fixed message.
func errorText(body []byte) string {
	if gjson.ValidBytes(body) {
		if e := gjson.GetBytes(body, "error"); e.Type == gjson.String && strings.TrimSpace(e.String()) != "" {
			return e.String()
		}
	}
	return FallbackErrorMessage
}

func malformed(detail string) *Error {
	return &Error{Kind: KindMalformedResponse, Message: FallbackErrorMessage, Cause: fmt.Errorf("%s", detail)}
}
