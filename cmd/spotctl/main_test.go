package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spot-trading-core/internal/api"
	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/optimizer"
)

func writeCandles(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("timestamp,open,high,low,close,volume\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		p := 100 + 8*math.Sin(float64(i)/9) + 0.02*float64(i)
		fmt.Fprintf(&b, "%d,%.4f,%.4f,%.4f,%.4f,%d\n",
			start.Add(time.Duration(i)*time.Hour).UnixMilli(), p-0.1, p+0.6, p-0.6, p, 1000+i%13*10)
	}
	path := filepath.Join(t.TempDir(), "candles.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBacktestCommand(t *testing.T) {
	path := writeCandles(t, 300)
	out, err := execute(t, "backtest", "--candles", path, "--set", "rsi_oversold=35")
	if err != nil {
		t.Fatal(err)
	}
	var res backtest.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.FinalEquity <= 0 || res.EquityCurve != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandErrors(t *testing.T) {
	path := writeCandles(t, 120)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing candles", []string{"backtest"}, "--candles"},
		{"unknown override", []string{"backtest", "-c", path, "--set", "bogus=1"}, "bogus"},
		{"bad override", []string{"backtest", "-c", path, "--set", "rsi_oversold=low"}, "rsi_oversold"},
		{"unknown method", []string{"optimize", "-c", path, "-m", "annealing"}, "annealing"},
		{"walk-forward needs data", []string{"walkforward", "-c", path, "--train", "1000", "--test", "100"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestOptimizeCommand(t *testing.T) {
	path := writeCandles(t, 300)
	out, err := execute(t, "optimize", "-c", path, "-m", "random", "-b", "6", "--workers", "2")
	if err != nil {
		t.Fatal(err)
	}
	var res optimizer.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Method != optimizer.MethodRandom || res.Evaluations == 0 || len(res.Best.Values) == 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "cli-secret")
	out, err := execute(t, "token", "--subject", "alice", "--ttl", "1h")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := api.NewTokenManager("cli-secret").Validate(strings.TrimSpace(out))
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "alice" || claims.Role != api.RoleOperator {
		t.Errorf("claims = %+v", claims)
	}

	t.Setenv("AUTH_JWT_SECRET", "")
	if _, err := execute(t, "token"); err == nil {
		t.Error("token minted without a secret")
	}
}

func TestSummarizeBySymbol(t *testing.T) {
	exit := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	outcomes := []ledger.TradeOutcome{
		ledger.NewTradeOutcome("SOLUSDT", exit.Add(-time.Hour), exit, 100, 110, 1, 0, ledger.ExitSignal),
		ledger.NewTradeOutcome("BTCUSDT", exit.Add(-time.Hour), exit, 100, 95, 1, 0, ledger.ExitStop),
		ledger.NewTradeOutcome("SOLUSDT", exit, exit.Add(time.Hour), 110, 105, 1, 0, ledger.ExitStop),
	}
	stats := summarizeBySymbol(outcomes)
	if len(stats) != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Symbol != "SOLUSDT" || stats[0].Trades != 2 || stats[0].Wins != 1 {
		t.Errorf("first = %+v", stats[0])
	}
	if stats[1].Symbol != "BTCUSDT" || stats[2].Symbol != "ALL" || stats[2].Trades != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTradesCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEDGER_DRIVER", "memory")
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "absent.json"))
	out, err := execute(t, "trades")
	if err != nil {
		t.Fatal(err)
	}
	var stats []SymbolStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Symbol != "ALL" || stats[0].Trades != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHashPasswordCommand(t *testing.T) {
	tests := []struct {
		name    string
		stdin   string
		wantErr bool
	}{
		{"hashes", "correct-horse\n", false},
		{"no newline", "correct-horse", false},
		{"too short", "abc\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetIn(strings.NewReader(tt.stdin))
			cmd.SetArgs([]string{"hash-password", "--cost", "4"})
			err := cmd.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !api.VerifyPassword("correct-horse", strings.TrimSpace(out.String())) {
				t.Errorf("output %q does not verify", out.String())
			}
		})
	}
}
