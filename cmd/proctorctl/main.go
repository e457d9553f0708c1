// Package main implements proctorctl, a small command-line client for the
// proctord front door. It is what the demo scripts use in place of the
// browser dashboard.
//
// Every command maps to exactly one HTTP request under /api/v1 and prints
// the JSON response indented. Failed requests are reported with the error
// kind from the response body and a non-zero exit status.
//
// Configuration:
//   - PROCTOR_URL: front door base URL (default: "http://127.0.0.1:8000")
//
// Example usage:
//
//	proctorctl session-start 90
//	proctorctl clock-register teacher 10:00:00
//	proctorctl clock-register student1 10:00:10
//	proctorctl clock-sync
//
//	proctorctl mutex-request s1 5
//	proctorctl mutex-request s2 3
//	proctorctl mutex-release s1
//	proctorctl mutex-check s2
//
//	proctorctl replica-fail R1
//	proctorctl db-update 23102A0055 18 35
//	proctorctl submit s1 q1=A q2=C
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/proctor/internal/api"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

var errUsage = errors.New("usage")

type client struct {
	out  io.Writer
	base string
}

func newClient(base string, out io.Writer) *client {
	return &client{base: strings.TrimRight(base, "/") + "/api/v1", out: out}
}

// command describes one subcommand. max < 0 means any number of extra
// arguments.
type command struct {
	run   func(ctx context.Context, c *client, args []string) error
	usage string
	min   int
	max   int
}

var commands = map[string]command{
	"status": {usage: "status", run: func(ctx context.Context, c *client, _ []string) error {
		return c.get(ctx, "/status")
	}},
	"reset": {usage: "reset", run: func(ctx context.Context, c *client, _ []string) error {
		return c.post(ctx, "/session/reset", nil)
	}},
	"session-start": {usage: "session-start [minutes]", max: 1,
		run: func(ctx context.Context, c *client, a []string) error {
			path := "/session/start"
			if len(a) == 1 {
				if _, err := strconv.Atoi(a[0]); err != nil {
					return fmt.Errorf("minutes must be an integer: %w", err)
				}
				path += "?" + url.Values{"duration_minutes": {a[0]}}.Encode()
			}
			return c.post(ctx, path, nil)
		}},
	"session-stop": {usage: "session-stop", run: func(ctx context.Context, c *client, _ []string) error {
		return c.post(ctx, "/session/stop", nil)
	}},
	"session-status": {usage: "session-status", run: func(ctx context.Context, c *client, _ []string) error {
		return c.get(ctx, "/session/status")
	}},

	"clock-register": {usage: "clock-register <role> <HH:MM:SS>", min: 2, max: 2,
		run: func(ctx context.Context, c *client, a []string) error {
			return c.post(ctx, "/clock/register", api.ClockRegisterRequest{Role: a[0], Time: a[1]})
		}},
	"clock-sync": {usage: "clock-sync", run: func(ctx context.Context, c *client, _ []string) error {
		return c.post(ctx, "/clock/sync", nil)
	}},
	"clock-status": {usage: "clock-status", run: func(ctx context.Context, c *client, _ []string) error {
		return c.get(ctx, "/clock/status")
	}},

	"mutex-request": {usage: "mutex-request <student> <timestamp>", min: 2, max: 2,
		run: func(ctx context.Context, c *client, a []string) error {
			ts, err := strconv.ParseInt(a[1], 10, 64)
			if err != nil {
				return fmt.Errorf("timestamp must be an integer: %w", err)
			}
			return c.post(ctx, "/mutex/request", api.MutexRequest{StudentID: a[0], Timestamp: ts})
		}},
	"mutex-check": {usage: "mutex-check <student>", min: 1, max: 1,
		run: func(ctx context.Context, c *client, a []string) error {
			return c.get(ctx, "/mutex/check/"+url.PathEscape(a[0]))
		}},
	"mutex-release": {usage: "mutex-release <student>", min: 1, max: 1,
		run: func(ctx context.Context, c *client, a []string) error {
			return c.post(ctx, "/mutex/release", api.MutexReleaseRequest{StudentID: a[0]})
		}},
	"mutex-status": {usage: "mutex-status", run: func(ctx context.Context, c *client, _ []string) error {
		return c.get(ctx, "/mutex/status")
	}},

	"db-all": {usage: "db-all", run: func(ctx context.Context, c *client, _ []string) error {
		return c.get(ctx, "/database/all")
	}},
	"db-search": {usage: "db-search <name-prefix> [min-total]", min: 1, max: 2,
		run: func(ctx context.Context, c *client, a []string) error {
			q := url.Values{"name": {a[0]}}
			if len(a) == 2 {
				q.Set("min_total", a[1])
			}
			return c.get(ctx, "/database/search?"+q.Encode())
		}},
	"db-read": {usage: "db-read <roll>", min: 1, max: 1,
		run: func(ctx context.Context, c *client, a []string) error {
			return c.get(ctx, "/database/read/"+url.PathEscape(a[0]))
		}},
	"db-update": {usage: "db-update <roll> <mse> <ese>", min: 3, max: 3,
		run: func(ctx context.Context, c *client, a []string) error {
			mse, err := strconv.Atoi(a[1])
			if err != nil {
				return fmt.Errorf("mse must be an integer: %w", err)
			}
			ese, err := strconv.Atoi(a[2])
			if err != nil {
				return fmt.Errorf("ese must be an integer: %w", err)
			}
			return c.post(ctx, "/database/update", api.UpdateRequest{RollNumber: a[0], MSE: &mse, ESE: &ese})
		}},
	"db-replicas": {usage: "db-replicas", run: func(ctx context.Context, c *client, _ []string) error {
		return c.get(ctx, "/database/replicas")
	}},
	"replica-fail": {usage: "replica-fail <name>", min: 1, max: 1,
		run: func(ctx context.Context, c *client, a []string) error {
			return c.post(ctx, "/database/replica/"+url.PathEscape(a[0])+"/fail", nil)
		}},
	"replica-recover": {usage: "replica-recover <name>", min: 1, max: 1,
		run: func(ctx context.Context, c *client, a []string) error {
			return c.post(ctx, "/database/replica/"+url.PathEscape(a[0])+"/recover", nil)
		}},

	"submit": {usage: "submit <student> [key=value...]", min: 1, max: -1,
		run: func(ctx context.Context, c *client, a []string) error {
			payload, err := parsePayload(a[1:])
			if err != nil {
				return err
			}
			return c.post(ctx, "/load-balance/submit", api.SubmitRequest{StudentID: a[0], Payload: payload})
		}},
	"lb-status": {usage: "lb-status", run: func(ctx context.Context, c *client, _ []string) error {
		return c.get(ctx, "/load-balance/status")
	}},
}

func main() {
	c := newClient(getenv("PROCTOR_URL", "http://127.0.0.1:8000"), os.Stdout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage())
			os.Exit(2)
		}
		logFatal("proctorctl: %v", err)
	}
}

func (c *client) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
	rest := args[1:]
	if len(rest) < cmd.min || (cmd.max >= 0 && len(rest) > cmd.max) {
		return fmt.Errorf("%s: %w", cmd.usage, errUsage)
	}
	return cmd.run(ctx, c, rest)
}

func (c *client) get(ctx context.Context, path string) error {
	var out json.RawMessage
	if err := api.GetJSON(ctx, c.base+path, &out); err != nil {
		return err
	}
	return c.print(out)
}

func (c *client) post(ctx context.Context, path string, body any) error {
	var out json.RawMessage
	if err := api.PostJSON(ctx, c.base+path, body, &out); err != nil {
		return err
	}
	return c.print(out)
}

func (c *client) print(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(c.out)
	return err
}

// parsePayload turns key=value pairs into a submission payload.
func parsePayload(pairs []string) (map[string]any, error) {
	payload := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("payload entry %q is not key=value", p)
		}
		payload[k] = v
	}
	return payload, nil
}

func usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	b.WriteString("usage: proctorctl <command> [args...]\n\ncommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s\n", commands[name].usage)
	}
	return b.String()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
