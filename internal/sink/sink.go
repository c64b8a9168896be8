package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/order-oracle/internal/config"
)

// DispatchPayload describes a dispatch that needs operator attention.
type DispatchPayload struct {
	DispatchID   string
	Status       string
	Contract     string
	EventKey     string
	BlockNumber  uint64
	TxHash       string
	OrderIndex   string
	OrderID      string
	ValueWei     string
	SubmitTxHash string
	Error        string
	Args         map[string]any
}

type Sender interface {
	Send(ctx context.Context, payload DispatchPayload) error
}

// StatusError carries the HTTP status returned by a sink endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("sink http status %d", e.Code) }

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// Build returns a sender for every configured sink, keyed by sink id.
func Build(sinks []config.Sink) (map[string]Sender, error) {
	out := make(map[string]Sender, len(sinks))
	for _, s := range sinks {
		var (
			sender Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = NewWebhookSender(s.URL, s.Method, s.Template, nil)
		default:
			return nil, fmt.Errorf("sink %s: unsupported type %q", s.ID, s.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		out[s.ID] = sender
	}
	return out, nil
}

func (s *httpSender) Send(ctx context.Context, payload DispatchPayload) error {
	bodyStr, err := executeTemplate(s.render, payload)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"text": bodyStr,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = "ORDER DISPATCH {{.Status}} order {{.OrderIndex}} ({{.OrderID}}) event {{.EventKey}}{{if .Error}}: {{.Error}}{{end}}"
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
