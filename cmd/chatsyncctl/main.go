package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that do not need a running daemon.
	switch args[0] {
	case "init":
		cmdInit(profileName, args[1:])
		return
	case "profiles":
		cmdProfilesList(*jsonFlag)
		return
	}

	c, err := client.New(profile.SocketPath(profileName))
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", profileName, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "rooms":
		fs := flag.NewFlagSet("rooms", flag.ExitOnError)
		partition := fs.String("partition", "", "org, project or dm")
		_ = fs.Parse(args[1:])
		cmdRooms(ctx, c, *partition, *jsonFlag)
	case "messages":
		fs := flag.NewFlagSet("messages", flag.ExitOnError)
		older := fs.Bool("older", false, "load the page before the oldest loaded message")
		thread := fs.String("thread", "", "list replies of this message instead")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 1 && *thread == "" {
			fatalf("usage: chatsyncctl messages [--older] [--thread <id>] <room>")
		}
		cmdMessages(ctx, c, map[string]any{"room_id": fs.Arg(0), "older": *older, "thread_id": *thread}, *jsonFlag)
	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		thread := fs.String("thread", "", "reply in this thread")
		wait := fs.Bool("wait", true, "wait for the server to confirm")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 2 {
			fatalf("usage: chatsyncctl send [--thread <id>] <room> <text>")
		}
		cmdSend(ctx, c, map[string]any{
			"room_id":   fs.Arg(0),
			"content":   strings.Join(fs.Args()[1:], " "),
			"thread_id": *thread,
			"wait":      *wait,
		}, *jsonFlag)
	case "read":
		if len(args) < 2 {
			fatalf("usage: chatsyncctl read <room>")
		}
		resp := call(ctx, c, "MarkRead", map[string]any{"room_id": args[1]})
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		fmt.Printf("Marked %s read\n", args[1])
	case "search":
		fs := flag.NewFlagSet("search", flag.ExitOnError)
		room := fs.String("room", "", "restrict to one room")
		limit := fs.Int("limit", 20, "maximum results")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fatalf("usage: chatsyncctl search [--room <id>] <text>")
		}
		cmdSearch(ctx, c, map[string]any{"query": strings.Join(fs.Args(), " "), "room_id": *room, "limit": *limit}, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init <server-url> <socket-url> <user-id> [org-id]   Write profile.toml")
	fmt.Fprintln(os.Stderr, "  profiles                  List known profiles")
	fmt.Fprintln(os.Stderr, "  status                    Show daemon status")
	fmt.Fprintln(os.Stderr, "  rooms [--partition p]     List rooms, most recent first")
	fmt.Fprintln(os.Stderr, "  messages <room>           Show loaded history")
	fmt.Fprintln(os.Stderr, "  send <room> <text>        Send a message")
	fmt.Fprintln(os.Stderr, "  read <room>               Mark a room read")
	fmt.Fprintln(os.Stderr, "  search <text>             Search loaded messages")
	fmt.Fprintln(os.Stderr, "  watch [prefix]            Stream change events")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func call(ctx context.Context, c *client.Client, method string, fields map[string]any) map[string]any {
	resp, err := c.Call(ctx, method, fields)
	if err != nil {
		fatalf("%v", err)
	}
	return resp
}

func cmdInit(name string, args []string) {
	if len(args) < 3 {
		fatalf("usage: chatsyncctl init <server-url> <socket-url> <user-id> [org-id]")
	}
	p := config.DefaultProfile()
	p.ServerURL, p.SocketURL, p.UserID = args[0], args[1], args[2]
	if len(args) > 3 {
		p.OrgID = args[3]
	}
	if err := p.Validate(); err != nil {
		fatalf("%v", err)
	}
	if err := profile.EnsureDir(name); err != nil {
		fatalf("%v", err)
	}
	if err := config.SaveProfile(profile.ProfilePath(name), &p); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Wrote %s\n", profile.ProfilePath(name))
	fmt.Printf("Put %s=<token> in %s\n", config.TokenEnv, profile.EnvPath(name))
}

func cmdProfilesList(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fatalf("%v", err)
	}
	type row struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		PID     int    `json:"pid,omitempty"`
	}
	var rows []row
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, held := lock.Holder(profile.Dir(e.Name()))
		rows = append(rows, row{Name: e.Name(), Running: held, PID: info.PID})
	}
	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = fmt.Sprintf("running (pid %d)", r.PID)
		}
		fmt.Printf("%-20s %s\n", r.Name, state)
	}
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	resp := call(ctx, c, "GetStatus", nil)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile: %v\n", resp["profile"])
	if at, ok := resp["status_since"].(float64); ok {
		fmt.Printf("Status:  %v (since %s)\n", resp["status"], time.UnixMilli(int64(at)).Format(time.RFC3339))
	} else {
		fmt.Printf("Status:  %v\n", resp["status"])
	}
	fmt.Printf("Rooms:   %v\n", resp["rooms"])
	fmt.Printf("Online:  %v\n", resp["online"])
	fmt.Printf("Uptime:  %vms\n", resp["uptime_ms"])
	if at, ok := resp["last_resync_at"].(float64); ok {
		fmt.Printf("Resync:  %s\n", time.UnixMilli(int64(at)).Format(time.RFC3339))
	}
}

func cmdRooms(ctx context.Context, c *client.Client, partition string, jsonOut bool) {
	resp := call(ctx, c, "ListRooms", map[string]any{"partition": partition})
	if jsonOut {
		outputJSON(resp)
		return
	}
	rooms, _ := resp["rooms"].([]any)
	if len(rooms) == 0 {
		fmt.Println("No rooms.")
		return
	}
	for _, r := range rooms {
		room := r.(map[string]any)
		name, _ := room["name"].(string)
		if name == "" {
			name = "(direct)"
		}
		unread := ""
		if n, _ := room["unread"].(float64); n > 0 {
			unread = fmt.Sprintf(" [%d]", int(n))
		}
		fmt.Printf("%-24s %-8v %s%s\n", room["id"], room["partition"], name, unread)
	}
}

func cmdMessages(ctx context.Context, c *client.Client, req map[string]any, jsonOut bool) {
	resp := call(ctx, c, "ListMessages", req)
	if jsonOut {
		outputJSON(resp)
		return
	}
	msgs, _ := resp["messages"].([]any)
	for _, m := range msgs {
		printMessage(m.(map[string]any))
	}
	if more, _ := resp["has_more"].(bool); more {
		fmt.Println("(older messages available: --older)")
	}
}

func printMessage(msg map[string]any) {
	ts := ""
	if ms, ok := msg["sent_at"].(float64); ok {
		ts = time.UnixMilli(int64(ms)).Format("2006-01-02 15:04")
	}
	content, _ := msg["content"].(string)
	if deleted, _ := msg["deleted"].(bool); deleted {
		content = "(deleted)"
	}
	replies := ""
	if n, _ := msg["reply_count"].(float64); n > 0 {
		replies = fmt.Sprintf(" (%d replies)", int(n))
	}
	fmt.Printf("%s %-12v %s%s\n", ts, msg["user_id"], content, replies)
}

func cmdSend(ctx context.Context, c *client.Client, req map[string]any, jsonOut bool) {
	resp := call(ctx, c, "SendMessage", req)
	if jsonOut {
		outputJSON(resp)
		return
	}
	if msg, ok := resp["message"].(map[string]any); ok {
		fmt.Printf("Sent %v\n", msg["id"])
		return
	}
	fmt.Printf("Queued %v\n", resp["client_id"])
}

func cmdSearch(ctx context.Context, c *client.Client, req map[string]any, jsonOut bool) {
	resp := call(ctx, c, "Search", req)
	if jsonOut {
		outputJSON(resp)
		return
	}
	results, _ := resp["results"].([]any)
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range results {
		res := r.(map[string]any)
		room, _ := res["room_name"].(string)
		if room == "" {
			room, _ = res["room_id"].(string)
		}
		fmt.Printf("%-20s %v\n", room, res["snippet"])
	}
}

func cmdWatch(c *client.Client, prefix string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Watch(ctx, prefix, func(evt map[string]any) bool {
		payload, _ := evt["payload"].(map[string]any)
		keys := make([]string, 0, len(payload))
		for k, v := range payload {
			if v == nil || v == "" {
				continue
			}
			keys = append(keys, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(keys)
		fmt.Printf("%-28v %s\n", evt["kind"], strings.Join(keys, " "))
		return true
	})
	if err != nil {
		fatalf("%v", err)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
