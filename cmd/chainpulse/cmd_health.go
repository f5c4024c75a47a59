package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/sched"
	"github.com/chainpulse/chainpulse/internal/store"
)

// Health exit codes: 0 all checks pass, 1 degraded, 2 a core dependency
// is down.
const (
	healthOK       = 0
	healthDegraded = 1
	healthDown     = 2
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "health",
		Short:         "Probe KV, database and scheduler heartbeat",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch code := runHealth(cmd.Context(), cmd); code {
			case healthOK:
				return nil
			case healthDegraded:
				return &exitError{code: code, msg: "health: degraded"}
			default:
				return &exitError{code: code, msg: "health: core dependency down"}
			}
		},
	}
}

func runHealth(ctx context.Context, cmd *cobra.Command) int {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	code := healthOK
	report := func(name string, ok bool, detail string) {
		status := "ok"
		if !ok {
			status = "fail"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-5s %s\n", name, status, detail)
	}

	kvCfg := kv.DefaultConfig()
	kvCfg.URL = envOr("REDIS_URL", "")
	kvStore, err := kv.New(kvCfg)
	kvUp := err == nil && kvStore.Available(ctx)
	report("kv", kvUp, kvCfg.URL)
	if !kvUp {
		code = healthDown
	}

	stCfg := store.DefaultConfig()
	stCfg.DSN = dsnFromEnv()
	st, err := store.Open(stCfg)
	if err != nil {
		report("database", false, err.Error())
		code = healthDown
	} else {
		defer st.DB.Close()
		err = st.DB.PingContext(ctx)
		report("database", err == nil, "")
		if err != nil {
			code = healthDown
		}
	}

	// A stale heartbeat means the worker is wedged, not that storage is
	// down, so it only degrades.
	if kvUp {
		schedCfg := sched.ConfigFromEnv()
		lag, found := sched.HeartbeatLag(ctx, kvStore, schedCfg.HeartbeatKey)
		switch {
		case !found:
			report("heartbeat", false, "no heartbeat recorded")
			if code == healthOK {
				code = healthDegraded
			}
		case lag > schedCfg.MaxLag:
			report("heartbeat", false, fmt.Sprintf("lag %s exceeds %s", lag.Truncate(time.Second), schedCfg.MaxLag))
			if code == healthOK {
				code = healthDegraded
			}
		default:
			report("heartbeat", true, fmt.Sprintf("lag %s", lag.Truncate(time.Second)))
		}
	}
	return code
}
