package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/quikwire/internal/config"
	"github.com/danmuck/quikwire/internal/observability"
	"github.com/danmuck/quikwire/internal/protocol/session"
	"github.com/danmuck/quikwire/internal/workflow"
)

type result struct {
	Addr        string
	PeerVersion int
	// Graceful is set when the bridge answered our end with its own.
	Graceful bool
	Summary  workflow.Summary
}

// run dials the bridge and drives the demo workflow to completion.
func run(ctx context.Context, cfg config.ClientConfig) (result, error) {
	res := result{Addr: cfg.Addr()}
	if cfg.MetricsAddr != "" {
		metrics, err := observability.StartMetricsServer(cfg.MetricsAddr, log.Logger)
		if err != nil {
			return res, err
		}
		defer metrics.Stop()
	}

	sessCfg := cfg.SessionConfig()
	nc, err := session.Dial(ctx, res.Addr, sessCfg)
	if err != nil {
		return res, err
	}
	xlog, err := session.OpenExchangeLog(cfg.ExchangeLog)
	if err != nil {
		_ = nc.Close()
		return res, err
	}
	defer xlog.Close()

	demo := workflow.NewDemo(cfg.DemoConfig())
	conn := session.NewConn(nc, demo, sessCfg, session.WithExchangeLog(xlog))
	demo.Attach(conn)

	runErr := conn.Run(ctx, demo.Step)
	if runErr == nil {
		res.Graceful = conn.AwaitPeerEnd(cfg.EndWait)
	} else {
		_ = conn.Close()
	}
	res.PeerVersion = conn.PeerVersion()
	res.Summary = demo.Summary()
	log.Info().
		Str("addr", res.Addr).
		Bool("graceful", res.Graceful).
		Int("updates", res.Summary.Updates).
		Int("pending", res.Summary.Pending).
		Msg("session finished")
	return res, runErr
}

func summaryRows(res result) pterm.TableData {
	s := res.Summary
	rows := pterm.TableData{
		{"field", "value"},
		{"bridge", res.Addr},
		{"peer version", fmt.Sprint(res.PeerVersion)},
		{"classes", strings.Join(s.Classes, ",")},
		{"data source", s.DataSource},
		{"updates", fmt.Sprint(s.Updates)},
		{"parse errors", fmt.Sprint(s.ParseErrors)},
		{"unanswered", fmt.Sprint(s.Pending)},
		{"graceful end", fmt.Sprint(res.Graceful)},
	}
	idx := make([]int, 0, len(s.Prices))
	for i := range s.Prices {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		rows = append(rows, []string{fmt.Sprintf("close[%d]", i), s.Prices[i]})
	}
	return rows
}

func printResult(res result) {
	pterm.Println()
	if err := pterm.DefaultTable.WithHasHeader().WithData(summaryRows(res)).Render(); err != nil {
		log.Warn().Err(err).Msg("render summary")
	}
}
