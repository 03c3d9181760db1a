package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/keyvaultd/keyvaultd/internal/transport"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("keyvaultctl %s\n", version)
	case "health":
		doHealth()
	case "usage":
		doUsage()
	case "models":
		doModels(args)
	case "key":
		doKey(args)
	case "token":
		doToken(args)
	case "generate":
		doGenerate(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() { usageTo(os.Stderr) }

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `keyvaultctl — CLI for the keyvaultd control socket

Usage: keyvaultctl <command> [arguments]

Environment:
  KEYVAULTD_SOCKET_PATH  Unix socket path (default: ~/.keyvaultd/keyvaultd.sock)
  KEYVAULTD_ADMIN_TOKEN  Bearer token for admin.* methods

Commands:
  health                     Show a reference-model health pulse
  usage                      Show rolling 24h usage summary
  models                     List every model in the registry, including deprecated

  key list                   List all credentials
  key add <id> <provider> <secret> [role] [note]
                             Add a credential (role: worker|orchestrator, default worker)
  key remove <id>            Remove a credential

  token rotate               Rotate the admin bearer token
  token sync                 Re-sync the bearer token mirror from the secret backend

  generate <provider> <prompt>
                             Send a single-turn generate request

  version                    Show version
  help                       Show this help

Examples:
  keyvaultctl health
  keyvaultctl key add my-key google AIzaSy... worker "free tier key"
  keyvaultctl generate google "summarize this repository"
`)
}

// --- socket client ---

func socketPath() string {
	if p := os.Getenv("KEYVAULTD_SOCKET_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/keyvaultd/keyvaultd.sock"
	}
	return home + "/.keyvaultd/keyvaultd.sock"
}

func adminToken() string {
	return os.Getenv("KEYVAULTD_ADMIN_TOKEN")
}

// call dials the control socket, sends one frame, and decodes its reply.
// Each invocation opens a fresh connection: keyvaultctl is a one-shot CLI,
// not a long-lived client.
func call(method string, params interface{}) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath(), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath(), err)
	}
	defer func() { _ = conn.Close() }()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	frame := transport.Frame{
		ID:     strconv.FormatInt(time.Now().UnixNano(), 10),
		Method: method,
		Params: raw,
		Auth:   adminToken(),
	}

	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		return nil, fmt.Errorf("send frame: %w", err)
	}

	var reply transport.Reply
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", reply.Error.Message, reply.Error.Code)
	}
	result, err := json.Marshal(reply.Result)
	if err != nil {
		return nil, fmt.Errorf("re-encode result: %w", err)
	}
	return result, nil
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: keyvaultctl %s\n", usage)
		os.Exit(1)
	}
}

// --- commands ---

func doHealth() {
	result, err := call("health", nil)
	fatal(err)
	printJSON(result)
}

func doUsage() {
	result, err := call("usage", nil)
	fatal(err)
	printJSON(result)
}

func doModels(args []string) {
	result, err := call("models", nil)
	fatal(err)

	var models []struct {
		ID            string `json:"ID"`
		Provider      string `json:"Provider"`
		DisplayName   string `json:"DisplayName"`
		CodeQuality   int    `json:"CodeQuality"`
		MinComplexity int    `json:"MinComplexity"`
		Deprecated    bool   `json:"Deprecated"`
	}
	if err := json.Unmarshal(result, &models); err != nil {
		printJSON(result)
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tPROVIDER\tQUALITY\tDEPRECATED")
	for _, m := range models {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%v\n", m.ID, m.Provider, m.CodeQuality, m.Deprecated)
	}
	_ = tw.Flush()
}

func doKey(args []string) {
	requireArgs(args, 1, "key <list|add|remove> [args...]")
	switch args[0] {
	case "list":
		result, err := call("admin.listKeys", nil)
		fatal(err)
		printJSON(result)
	case "add":
		rest := args[1:]
		requireArgs(rest, 3, "key add <id> <provider> <secret> [role] [note]")
		role := "worker"
		note := ""
		if len(rest) > 3 {
			role = rest[3]
		}
		if len(rest) > 4 {
			note = strings.Join(rest[4:], " ")
		}
		params := map[string]string{
			"id": rest[0], "provider": rest[1], "secret": rest[2],
			"role": role, "note": note,
		}
		result, err := call("admin.addKey", params)
		fatal(err)
		printJSON(result)
	case "remove":
		rest := args[1:]
		requireArgs(rest, 1, "key remove <id>")
		result, err := call("admin.removeKey", map[string]string{"id": rest[0]})
		fatal(err)
		printJSON(result)
	default:
		fmt.Fprintf(os.Stderr, "unknown key subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func doToken(args []string) {
	requireArgs(args, 1, "token <rotate|sync>")
	switch args[0] {
	case "rotate":
		result, err := call("admin.rotateToken", nil)
		fatal(err)
		printJSON(result)
	case "sync":
		result, err := call("admin.syncToken", nil)
		fatal(err)
		printJSON(result)
	default:
		fmt.Fprintf(os.Stderr, "unknown token subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func doGenerate(args []string) {
	requireArgs(args, 2, "generate <provider> <prompt>")
	params := map[string]interface{}{
		"provider": args[0],
		"messages": []map[string]string{
			{"role": "user", "content": strings.Join(args[1:], " ")},
		},
	}
	result, err := call("generate", params)
	fatal(err)
	printJSON(result)
}

func printJSON(raw json.RawMessage) {
	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(out))
}
