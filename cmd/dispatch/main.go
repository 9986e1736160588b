// Command dispatch is the CLI client for the dispatch server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/gjson"

	"github.com/GoCodeAlone/dispatch/internal/version"
	"github.com/GoCodeAlone/dispatch/update"
)

const defaultServer = "http://localhost:9090"

func main() {
	_ = godotenv.Load()

	var (
		serverURL = flag.String("server", defaultServer, "dispatch server URL")
		token     = flag.String("token", os.Getenv("DISPATCH_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "agents":
		err = cli.cmdAgents(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "queue":
		err = cli.cmdQueue(rest)
	case "loops":
		err = cli.cmdLoops(rest)
	case "consistency":
		err = cli.cmdConsistency(rest)
	case "coordinate":
		err = cli.cmdCoordinate(rest)
	case "sessions":
		err = cli.cmdSessions(rest)
	case "events":
		err = cli.cmdEvents(rest)
	case "upgrade":
		err = cmdUpgrade(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `dispatch - CLI client for the dispatch server

Usage:
  dispatch [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  JWT auth token (or $DISPATCH_TOKEN)

Commands:
  version                         print version
  login <user> <pass>             obtain an auth token
  status                          show server status
  agents                          list agents with load and quota
  tasks                           list tasks
  task create <title> -- <desc>   submit a task
  task show <id>                  show one task
  task trigger <id>               force a task through its next step
  queue                           show queue status
  loops <start|stop>              control the background loops
  consistency                     force a consistency check
  coordinate <task-id> <strategy> run a multi-agent strategy
  sessions                        list coordination sessions
  events [channel]                show recent events
  upgrade                         update the CLI to the latest release
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("dispatch %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// --- upgrade ---

func cmdUpgrade(_ []string) error {
	u := update.New(version.Version)
	release, err := u.CheckForUpdate()
	if err != nil {
		return fmt.Errorf("check for update: %w", err)
	}
	if release == nil {
		fmt.Printf("dispatch %s is up to date\n", version.Version)
		return nil
	}
	fmt.Printf("updating %s -> %s\n", version.Version, release.Version)
	if err := u.ApplyUpdate(release); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	fmt.Println("update complete")
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and returns the raw JSON body.
func (c *Client) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

// post performs a POST with a JSON body and returns the raw JSON response.
func (c *Client) post(path string, body io.Reader) ([]byte, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *Client) do(method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		if msg := gjson.GetBytes(data, "error"); msg.Exists() {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg.String())
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// --- login ---

func (c *Client) cmdLogin(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: dispatch login <user> <pass>")
	}
	body, err := json.Marshal(map[string]string{"username": args[0], "password": args[1]})
	if err != nil {
		return err
	}
	data, err := c.post("/api/auth/login", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	fmt.Println(gjson.GetBytes(data, "token").String())
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	data, err := c.get("/api/status")
	if err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", gjson.GetBytes(data, "status").String())
	fmt.Printf("version: %s\n", gjson.GetBytes(data, "version").String())
	fmt.Printf("uptime:  %ds\n", gjson.GetBytes(data, "uptime_seconds").Int())
	return nil
}

// --- agents ---

func (c *Client) cmdAgents(_ []string) error {
	data, err := c.get("/api/agents")
	if err != nil {
		return err
	}
	agents := gjson.ParseBytes(data).Array()
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}
	fmt.Printf("%-12s %-8s %-12s %-10s\n", "NAME", "ACTIVE", "QUOTA", "LATENCY")
	fmt.Println(strings.Repeat("-", 46))
	for _, a := range agents {
		fmt.Printf("%-12s %-8s %-12s %-10s\n",
			a.Get("name").String(),
			fmt.Sprintf("%d/%d", a.Get("active_tasks").Int(), a.Get("max_concurrent_tasks").Int()),
			fmt.Sprintf("%d/%d", a.Get("quota_used").Int(), a.Get("quota_limit").Int()),
			fmt.Sprintf("%dms", a.Get("avg_latency_ms").Int()),
		)
	}
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(_ []string) error {
	data, err := c.get("/api/tasks")
	if err != nil {
		return err
	}
	tasks := gjson.ParseBytes(data).Array()
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-30s %-12s %-10s\n", "ID", "TITLE", "STATUS", "AGENT")
	fmt.Println(strings.Repeat("-", 92))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-12s %-10s\n",
			t.Get("id").String(),
			truncate(t.Get("title").String(), 29),
			t.Get("status").String(),
			t.Get("assigned_to").String(),
		)
	}
	return nil
}

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dispatch task <create|show|trigger> ...")
	}
	switch args[0] {
	case "create":
		rest := args[1:]
		if len(rest) == 0 {
			return fmt.Errorf("usage: dispatch task create <title> -- <description>")
		}
		title := strings.Join(rest, " ")
		desc := ""
		for i, a := range rest {
			if a == "--" {
				title = strings.Join(rest[:i], " ")
				desc = strings.Join(rest[i+1:], " ")
				break
			}
		}
		body, err := json.Marshal(map[string]string{"title": title, "description": desc})
		if err != nil {
			return err
		}
		data, err := c.post("/api/tasks", strings.NewReader(string(body)))
		if err != nil {
			return err
		}
		fmt.Printf("created task %s (%s)\n",
			gjson.GetBytes(data, "id").String(),
			gjson.GetBytes(data, "status").String())
		if reason := gjson.GetBytes(data, "blocking_reason"); reason.Exists() && reason.String() != "" {
			fmt.Printf("blocked: %s\n", reason.String())
		}
		return nil
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: dispatch task show <id>")
		}
		data, err := c.get("/api/tasks/" + args[1])
		if err != nil {
			return err
		}
		fmt.Println(gjson.GetBytes(data, "@pretty").String())
		return nil
	case "trigger":
		if len(args) < 2 {
			return fmt.Errorf("usage: dispatch task trigger <id>")
		}
		data, err := c.post("/api/tasks/"+args[1]+"/trigger", nil)
		if err != nil {
			return err
		}
		fmt.Printf("task %s is now %s\n",
			gjson.GetBytes(data, "id").String(),
			gjson.GetBytes(data, "status").String())
		return nil
	default:
		return fmt.Errorf("unknown task subcommand: %s", args[0])
	}
}

// --- queue ---

func (c *Client) cmdQueue(_ []string) error {
	data, err := c.get("/api/queue")
	if err != nil {
		return err
	}
	active := gjson.GetBytes(data, "active").Map()
	fmt.Println("active:")
	if len(active) == 0 {
		fmt.Println("  (none)")
	}
	for name, ids := range active {
		fmt.Printf("  %-12s %d task(s)\n", name, len(ids.Array()))
	}
	pending := gjson.GetBytes(data, "pending").Array()
	fmt.Println("pending:")
	if len(pending) == 0 {
		fmt.Println("  (none)")
	}
	for _, p := range pending {
		fmt.Printf("  #%d %s -> %s (est. %dm)\n",
			p.Get("position").Int(),
			p.Get("task_id").String(),
			p.Get("preferred_agent").String(),
			p.Get("estimated_wait_mins").Int(),
		)
	}
	return nil
}

// --- scheduler controls ---

func (c *Client) cmdLoops(args []string) error {
	if len(args) < 1 || (args[0] != "start" && args[0] != "stop") {
		return fmt.Errorf("usage: dispatch loops <start|stop>")
	}
	if _, err := c.post("/api/loops/"+args[0], nil); err != nil {
		return err
	}
	if args[0] == "start" {
		fmt.Println("loops started")
	} else {
		fmt.Println("loops stopped")
	}
	return nil
}

func (c *Client) cmdConsistency(_ []string) error {
	if _, err := c.post("/api/consistency", nil); err != nil {
		return err
	}
	fmt.Println("consistency check complete")
	return nil
}

// --- coordination ---

func (c *Client) cmdCoordinate(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: dispatch coordinate <task-id> <strategy>")
	}
	body, err := json.Marshal(map[string]string{"task_id": args[0], "strategy": args[1]})
	if err != nil {
		return err
	}
	data, err := c.post("/api/coordinate", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	fmt.Printf("session %s: %s\n",
		gjson.GetBytes(data, "id").String(),
		gjson.GetBytes(data, "status").String())
	for _, r := range gjson.GetBytes(data, "results").Array() {
		fmt.Printf("  %-20s %s\n", r.Get("phase").String(), r.Get("agent").String())
	}
	if errMsg := gjson.GetBytes(data, "error"); errMsg.String() != "" {
		fmt.Printf("error: %s\n", errMsg.String())
	}
	return nil
}

func (c *Client) cmdSessions(_ []string) error {
	data, err := c.get("/api/sessions")
	if err != nil {
		return err
	}
	sessions := gjson.ParseBytes(data).Array()
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	fmt.Printf("%-36s %-20s %-12s %-8s\n", "ID", "STRATEGY", "STATUS", "PHASES")
	fmt.Println(strings.Repeat("-", 80))
	for _, s := range sessions {
		fmt.Printf("%-36s %-20s %-12s %-8d\n",
			s.Get("id").String(),
			s.Get("strategy").String(),
			s.Get("status").String(),
			len(s.Get("results").Array()),
		)
	}
	return nil
}

// --- events ---

func (c *Client) cmdEvents(args []string) error {
	path := "/api/events"
	if len(args) > 0 {
		path += "?channel=" + args[0]
	}
	data, err := c.get(path)
	if err != nil {
		return err
	}
	events := gjson.ParseBytes(data).Array()
	if len(events) == 0 {
		fmt.Println("no events")
		return nil
	}
	for _, ev := range events {
		fmt.Printf("%s  %-16s task=%s agent=%s\n",
			ev.Get("timestamp").String(),
			ev.Get("type").String(),
			ev.Get("task_id").String(),
			ev.Get("agent").String(),
		)
	}
	return nil
}

// --- helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
