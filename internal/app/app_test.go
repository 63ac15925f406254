package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash-guardian/internal/config"
	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/gate"
	"crash-guardian/internal/guardian"
	"crash-guardian/internal/market"
)

var base = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Assets = []config.AssetConfig{{ID: "BTCUSDT", Primary: true}}
	cfg.EventLog.Backend = config.EventLogFile
	cfg.EventLog.Path = filepath.Join(t.TempDir(), "events.jsonl")
	cfg.Guardian.ExposureUSD = 100000
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func seedEvents(t *testing.T, a *App) []eventlog.TriggerEvent {
	t.Helper()
	reading := market.DrawdownReading{
		Asset:       "BTCUSDT",
		Window:      5 * time.Minute,
		DrawdownPct: decimal.RequireFromString("10.45"),
		High:        decimal.NewFromInt(67000),
		Price:       decimal.NewFromInt(60000),
		At:          base.Add(3 * time.Minute),
	}
	trigger := eventlog.NewEvent(eventlog.KindTransition, market.StateSafe, market.StateTriggered, "confirmed breach: BTCUSDT 5m", base.Add(3*time.Minute))
	trigger.Asset = "BTCUSDT"
	trigger.TriggerReadings = []market.DrawdownReading{reading}
	falseMark := eventlog.NewEvent(eventlog.KindFalseTrigger, market.StateTriggered, market.StateTriggered, "false trigger marked by ops: exchange glitch", base.Add(10*time.Minute))
	falseMark.RefID = trigger.ID
	recovering := eventlog.NewEvent(eventlog.KindTransition, market.StateTriggered, market.StateRecovering, "recovery conditions met", base.Add(40*time.Minute))
	safe := eventlog.NewEvent(eventlog.KindTransition, market.StateRecovering, market.StateSafe, "recovery window of 2h elapsed without breach", base.Add(160*time.Minute))
	safe.Summary = &eventlog.Summary{
		TriggeredAt:      trigger.At,
		Downtime:         157 * time.Minute,
		MaxDrawdownPct:   decimal.RequireFromString("10.45"),
		CapitalProtected: decimal.RequireFromString("10450.00"),
	}
	events := []eventlog.TriggerEvent{trigger, falseMark, recovering, safe}

	log, err := eventlog.OpenFile(a.Config.EventLog.Path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()
	for _, ev := range events {
		if err := log.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return events
}

func TestFoldStats(t *testing.T) {
	a, _ := testApp(t)
	events := seedEvents(t, a)

	stats := foldStats(events)
	if stats.State != market.StateSafe {
		t.Fatalf("expected SAFE, got %s", stats.State)
	}
	if stats.TotalTriggers != 1 || stats.FalseTriggers != 1 {
		t.Fatalf("expected 1 trigger and 1 false trigger, got %d/%d", stats.TotalTriggers, stats.FalseTriggers)
	}
	if stats.TotalDowntime != 157*time.Minute {
		t.Fatalf("unexpected downtime %s", stats.TotalDowntime)
	}
	if stats.CapitalProtected.StringFixed(2) != "10450.00" {
		t.Fatalf("unexpected capital protected %s", stats.CapitalProtected)
	}
	if stats.LastTriggerID != events[0].ID || stats.ActiveEventID != "" {
		t.Fatalf("unexpected ids: last=%s active=%s", stats.LastTriggerID, stats.ActiveEventID)
	}
}

func TestReplayPrintsReconstructedState(t *testing.T) {
	a, out := testApp(t)
	seedEvents(t, a)

	if err := a.Replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got := out.String()
	for _, want := range []string{"SAFE", "Events", "4", "10450.00", "2h37m0s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("replay output missing %q:\n%s", want, got)
		}
	}
}

func TestEventsListsNewestFirst(t *testing.T) {
	a, out := testApp(t)
	events := seedEvents(t, a)

	if err := a.Events(context.Background(), EventsOptions{Limit: 2}); err != nil {
		t.Fatalf("events: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[1], events[3].ID) {
		t.Fatalf("expected newest event first, got %q", lines[1])
	}
}

func TestExportCSV(t *testing.T) {
	a, _ := testApp(t)
	seedEvents(t, a)
	path := filepath.Join(t.TempDir(), "out", "events.csv")
	from, to := base, base.Add(24*time.Hour)

	if err := a.Export(context.Background(), ExportOptions{From: &from, To: &to, CSVPath: path}); err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected header and 4 rows, got %d", len(records))
	}
	if records[1][2] != "transition" || records[1][4] != "TRIGGERED" || records[1][8] != "10.45" || records[1][9] != "5m" {
		t.Fatalf("unexpected trigger row %v", records[1])
	}
	if records[4][11] != "10450.00" {
		t.Fatalf("expected capital protected on the closing row, got %v", records[4])
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := testApp(t)
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("expected error without --csv or --png")
	}
}

func TestDownsampleEventsKeepsEnds(t *testing.T) {
	events := make([]eventlog.TriggerEvent, 10)
	for i := range events {
		events[i].ID = fmt.Sprintf("e%d", i)
	}
	got := downsampleEvents(events, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	if got[0].ID != "e0" || got[3].ID != "e9" {
		t.Fatalf("expected first and last kept, got %s..%s", got[0].ID, got[3].ID)
	}
	if len(downsampleEvents(events, 20)) != 10 {
		t.Fatal("short input should be returned untouched")
	}
}

func TestTimelineSeriesSteps(t *testing.T) {
	a, _ := testApp(t)
	events := seedEvents(t, a)
	end := base.Add(4 * time.Hour)

	x, y := timelineSeries(events, end)
	// 3 transitions: (from,to) for the first, (hold,to) for the rest, plus the tail
	if len(x) != 7 || len(y) != 7 {
		t.Fatalf("expected 7 points, got %d", len(x))
	}
	want := []float64{0, 3, 3, 2, 2, 0, 0}
	for i := range want {
		if y[i] != want[i] {
			t.Fatalf("point %d: expected level %v, got %v", i, want[i], y[i])
		}
	}
	if !x[6].Equal(end) {
		t.Fatalf("expected timeline held until %s, got %s", end, x[6])
	}
}

func TestSimulateConfirmedCrash(t *testing.T) {
	a, out := testApp(t)
	var b strings.Builder
	b.WriteString("type,timestamp,asset,price,volume,source\n")
	for i := 0; i <= 6; i++ {
		ts := base.Add(time.Duration(i) * 30 * time.Second).Format(time.RFC3339)
		fmt.Fprintf(&b, "sample,%s,BTCUSDT,67000,1,binance\n", ts)
		fmt.Fprintf(&b, "sample,%s,btcusdt,67010,1,bybit\n", ts)
	}
	crash := base.Add(4 * time.Minute).Format(time.RFC3339)
	fmt.Fprintf(&b, "sample,%s,BTCUSDT,60000,5,binance\n", crash)
	fmt.Fprintf(&b, "sample,%s,BTCUSDT,60020,5,bybit\n", crash)
	fmt.Fprintf(&b, "signal,%s,liquidation_volume,800000000,*,binance_futures\n", crash)

	path := filepath.Join(t.TempDir(), "crash.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	if err := a.Simulate(context.Background(), SimulateOptions{InputPath: path}); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "confirmed breach") {
		t.Fatalf("expected a confirmed breach transition:\n%s", got)
	}
	if !strings.Contains(got, "Final state") || !strings.Contains(got, string(market.StateTriggered)) {
		t.Fatalf("expected TRIGGERED final state:\n%s", got)
	}
	// the real event log is untouched
	if info, err := os.Stat(a.Config.EventLog.Path); err == nil && info.Size() > 0 {
		t.Fatal("simulation wrote to the configured event log")
	}
}

func TestParseSimRowRejectsGarbage(t *testing.T) {
	cases := [][]string{
		{"sample", "yesterday", "BTCUSDT", "1", "1", "binance"},
		{"sample", base.Format(time.RFC3339), "BTCUSDT", "-5", "1", "binance"},
		{"signal", base.Format(time.RFC3339), "liquidation_volume", "abc", "*", "x"},
		{"trade", base.Format(time.RFC3339), "BTCUSDT", "1", "1", "binance"},
		{"sample", base.Format(time.RFC3339)},
	}
	for _, rec := range cases {
		if _, err := parseSimRow(rec); err == nil {
			t.Fatalf("expected error for %v", rec)
		}
	}
}

func TestStatusReadsLiveGate(t *testing.T) {
	a, out := testApp(t)
	gt := gate.New()
	gt.Publish(gate.Snapshot{Status: market.StateTriggered, EventID: "ev-1", Reason: "confirmed breach", Since: base, UpdatedAt: base.Add(time.Minute)})
	stats := func(context.Context) (any, error) {
		return guardian.Stats{State: market.StateTriggered, TotalTriggers: 3, CapitalProtected: decimal.NewFromInt(1200)}, nil
	}
	srv := gate.NewServer(gate.ServerConfig{Addr: "127.0.0.1:0"}, gt, eventlog.NewMemoryLog(), stats, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if err := a.Status(context.Background(), StatusOptions{Endpoint: ts.URL}); err != nil {
		t.Fatalf("status: %v", err)
	}
	got := out.String()
	for _, want := range []string{"TRIGGERED", "false", "ev-1", "1200.00"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status output missing %q:\n%s", want, got)
		}
	}
}

func TestStatusFallsBackToReplay(t *testing.T) {
	a, out := testApp(t)
	seedEvents(t, a)
	ts := httptest.NewServer(http.NotFoundHandler())
	endpoint := ts.URL
	ts.Close()

	if err := a.Status(context.Background(), StatusOptions{Endpoint: endpoint}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "State (replayed)") {
		t.Fatalf("expected replayed state:\n%s", out.String())
	}
}

func TestOverridePostsWithToken(t *testing.T) {
	a, out := testApp(t)
	a.Config.HTTP.OverrideToken = "s3cret"
	var got gate.OverrideRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/override" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid bearer token"}`))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		ev := eventlog.NewEvent(eventlog.KindTransition, market.StateSafe, got.Target, "manual override by "+got.Operator+": "+got.Reason, base)
		_ = json.NewEncoder(w).Encode(ev)
	}))
	defer ts.Close()

	err := a.Override(context.Background(), OverrideOptions{Endpoint: ts.URL, Target: "triggered", Operator: " alice ", Reason: "exchange outage"})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if got.Target != market.StateTriggered || got.Operator != "alice" {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.Contains(out.String(), "SAFE -> TRIGGERED") {
		t.Fatalf("unexpected output %q", out.String())
	}

	err = a.Override(context.Background(), OverrideOptions{Endpoint: ts.URL, Token: "wrong", Target: "SAFE", Operator: "alice", Reason: "x"})
	if err == nil || !strings.Contains(err.Error(), "invalid bearer token") {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestOverrideValidatesLocally(t *testing.T) {
	a, _ := testApp(t)
	err := a.Override(context.Background(), OverrideOptions{Endpoint: "http://127.0.0.1:1", Target: "PANIC", Operator: "alice", Reason: "x"})
	if err == nil || !strings.Contains(err.Error(), "invalid override") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFalseTriggerPosts(t *testing.T) {
	a, out := testApp(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		ev := eventlog.NewEvent(eventlog.KindFalseTrigger, market.StateTriggered, market.StateTriggered, "false trigger marked by "+body["operator_id"], base)
		ev.RefID = "trigger-1"
		_ = json.NewEncoder(w).Encode(ev)
	}))
	defer ts.Close()

	if err := a.FalseTrigger(context.Background(), FalseTriggerOptions{Endpoint: ts.URL, Operator: "bob", Note: "bad tick"}); err != nil {
		t.Fatalf("false trigger: %v", err)
	}
	if !strings.Contains(out.String(), "trigger trigger-1 marked false") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if err := a.FalseTrigger(context.Background(), FalseTriggerOptions{Endpoint: ts.URL}); err == nil {
		t.Fatal("expected operator to be required")
	}
}

func TestEndpointNormalisation(t *testing.T) {
	a, _ := testApp(t)
	if got := a.endpoint(""); got != "http://"+a.Config.HTTP.Addr {
		t.Fatalf("unexpected default endpoint %s", got)
	}
	if got := a.endpoint("https://guard.internal/"); got != "https://guard.internal" {
		t.Fatalf("unexpected endpoint %s", got)
	}
}

func TestBackendStatsBeforeFirstPublish(t *testing.T) {
	backend := guardian.NewMemoryBackend()
	stats := backendStats(backend)
	v, err := stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s := v.(guardian.Stats); s.State != market.StateUnavailable {
		t.Fatalf("expected UNAVAILABLE before any publish, got %s", s.State)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestRunServesUnavailableAfterWriterFailure(t *testing.T) {
	a, _ := testApp(t)
	// the writer refuses to start: peg confirmation has no feed behind it
	a.Config.Confirmation.Peg.Enabled = true
	a.Config.HTTP.Addr = freeAddr(t)
	a.Config.HTTP.FailureDrain = 3 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	url := "http://" + a.Config.HTTP.Addr + "/v1/gate"
	var snap gate.Snapshot
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			code := resp.StatusCode
			snap = gate.Snapshot{}
			decodeErr := json.NewDecoder(resp.Body).Decode(&snap)
			resp.Body.Close()
			if decodeErr == nil && code == http.StatusServiceUnavailable && strings.Contains(snap.Error, "feeds.peg") {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("gate never reported the writer failure (last snapshot %+v, err %v)", snap, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if snap.Status != market.StateUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %s", snap.Status)
	}

	select {
	case err := <-errc:
		if err == nil || !strings.Contains(err.Error(), "feeds.peg") {
			t.Fatalf("expected run to fail with the writer error, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not exit after the drain period")
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("gate should be closed once run returns")
	}
}
