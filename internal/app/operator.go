package app

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

	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/gate"
)

const clientTimeout = 15 * time.Second

// Override asks the running guardian to force a state.
func (a *App) Override(ctx context.Context, opts OverrideOptions) error {
	req := gate.OverrideRequest{Target: opts.Target, Operator: opts.Operator, Reason: opts.Reason}
	if err := req.Validate(); err != nil {
		return err
	}
	var ev eventlog.TriggerEvent
	if err := a.post(ctx, opts.Endpoint, opts.Token, "/v1/override", req, &ev); err != nil {
		return err
	}
	a.Logger.Info().Str("event_id", ev.ID).Str("to", string(ev.To)).Str("operator", ev.Operator).Msg("override applied")
	fmt.Fprintf(a.out(), "%s -> %s (event %s)\n%s\n", ev.From, ev.To, ev.ID, ev.Reason)
	return nil
}

// FalseTrigger annotates the most recent trigger as a false positive.
func (a *App) FalseTrigger(ctx context.Context, opts FalseTriggerOptions) error {
	opts.Operator = strings.TrimSpace(opts.Operator)
	if opts.Operator == "" {
		return errors.New("operator is required")
	}
	body := map[string]string{"operator_id": opts.Operator, "note": strings.TrimSpace(opts.Note)}
	var ev eventlog.TriggerEvent
	if err := a.post(ctx, opts.Endpoint, opts.Token, "/v1/false-trigger", body, &ev); err != nil {
		return err
	}
	a.Logger.Info().Str("event_id", ev.ID).Str("ref_id", ev.RefID).Msg("false trigger recorded")
	fmt.Fprintf(a.out(), "trigger %s marked false (event %s)\n", ev.RefID, ev.ID)
	return nil
}

func (a *App) endpoint(override string) string {
	base := strings.TrimSpace(override)
	if base == "" {
		base = a.Config.HTTP.Addr
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/")
}

func (a *App) post(ctx context.Context, endpoint, token, path string, body, out any) error {
	if token == "" {
		token = a.Config.HTTP.OverrideToken
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	status, raw, err := a.call(ctx, http.MethodPost, a.endpoint(endpoint)+path, token, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, raw)
	}
	return json.Unmarshal(raw, out)
}

func (a *App) call(ctx context.Context, method, url, token string, payload []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func apiError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Errorf("guardian returned %d: %s", status, body.Error)
	}
	return fmt.Errorf("guardian returned %d: %s", status, sanitizeInline(string(raw)))
}
