package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/overseer/internal/config"
	ovhttp "github.com/fyrsmithlabs/overseer/internal/http"
	"github.com/fyrsmithlabs/overseer/internal/store"
)

func newLogsCmd() *cobra.Command {
	var (
		tail       int
		follow     bool
		stateDir   string
		configFile string
	)
	cmd := &cobra.Command{
		Use:   "logs <goal|plan> <id> <log>",
		Short: "Print an execution log",
		Long: `Print the JSON lines of an execution log. Goals keep "iterations" and
"evaluations" logs, plans keep a "tasks" log.

--follow reads the daemon's state directory directly and streams new lines
as they are appended, so it must run on the daemon's host.

Examples:
  overseer logs goal 3f2a9c1d7e4b iterations --tail 5
  overseer logs plan 9a8b7c6d5e4f tasks --follow`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, name, err := parseLogArgs(args[0], args[2])
			if err != nil {
				return err
			}
			if follow {
				dir := stateDir
				if dir == "" {
					cfg, err := config.LoadWithFile(configFile)
					if err != nil {
						return fmt.Errorf("loading config to locate state dir: %w", err)
					}
					dir = cfg.Storage.Dir
				}
				ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				return followLog(ctx, cmd.OutOrStdout(), dir, kind, args[1], name)
			}
			return tailLog(cmd.OutOrStdout(), kind, args[1], name, tail)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&tail, "tail", "n", 50, "number of trailing entries")
	f.BoolVarP(&follow, "follow", "f", false, "stream new entries until interrupted")
	f.StringVar(&stateDir, "state-dir", "", "daemon state directory (default from config)")
	f.StringVar(&configFile, "config", "", "config file used to locate the state directory")
	return cmd
}

func parseLogArgs(kindArg, nameArg string) (store.Kind, store.LogName, error) {
	switch kindArg {
	case "goal":
		switch name := store.LogName(nameArg); name {
		case store.LogIterations, store.LogEvaluations:
			return store.KindGoal, name, nil
		}
		return "", "", fmt.Errorf("goals have no %q log (want iterations or evaluations)", nameArg)
	case "plan":
		if name := store.LogName(nameArg); name == store.LogTasks {
			return store.KindPlan, name, nil
		}
		return "", "", fmt.Errorf("plans have no %q log (want tasks)", nameArg)
	}
	return "", "", fmt.Errorf("unknown execution kind %q (want goal or plan)", kindArg)
}

func tailLog(w io.Writer, kind store.Kind, id string, name store.LogName, n int) error {
	path := fmt.Sprintf("/api/v1/%ss/%s/logs/%s?tail=%s",
		kind, url.PathEscape(id), name, strconv.Itoa(n))
	var resp ovhttp.LogResponse
	if err := newClient(10*time.Second).do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, e := range resp.Entries {
		if err := writeEntry(w, e); err != nil {
			return err
		}
	}
	return nil
}

func followLog(ctx context.Context, w io.Writer, dir string, kind store.Kind, id string, name store.LogName) error {
	logs := store.NewLogs(filepath.Join(dir, "logs"))
	var writeErr error
	err := logs.Follow(ctx, kind, id, name, func(line json.RawMessage) {
		if writeErr == nil {
			writeErr = writeEntry(w, line)
		}
	})
	if err != nil {
		return err
	}
	return writeErr
}

func writeEntry(w io.Writer, line json.RawMessage) error {
	if jsonOutput {
		_, err := fmt.Fprintf(w, "%s\n", line)
		return err
	}
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		_, err := fmt.Fprintf(w, "%s\n", line)
		return err
	}
	return outputJSON(w, v)
}
