package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/ergochat/readline"

	"github.com/fwdcp/replicants"
	"github.com/fwdcp/replicants/change"
	"github.com/fwdcp/replicants/utils"
)

const usage = `replicant - interactive client for a replicant server.

Usage:
  replicant [--addr=<addr>] [--namespace=<ns>] [--verbose]
  replicant -h | --help

Options:
  --addr=<addr>      Server address. [default: tcp://127.0.0.1:4600]
  --namespace=<ns>   Namespace to announce. [default: /]
  --verbose          Debug logging.
  -h --help          Show this help.`

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("get"),
	readline.PcItem("set"),
	readline.PcItem("mutate"),
	readline.PcItem("history"),
	readline.PcItem("watch"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	args, err := docopt.ParseDoc(usage)
	if err != nil {
		return err
	}
	addr, _ := args.String("--addr")
	namespace, _ := args.String("--namespace")

	level := slog.LevelWarn
	if v, _ := args.Bool("--verbose"); v {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := replicants.Dial(ctx, addr, replicants.ClientOptions{
		Namespace: namespace,
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:              "◌ ",
		HistoryFile:         ".replicant_cmd_log.txt",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			fmt.Println("get <name> | set <name> <json> | mutate <name> <path> <json> | history <name> | watch <name> | exit")

		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <name>")
				continue
			}
			r := client.GetReplicant(ctx, fields[1])
			r.OnReady(func() {
				fmt.Printf("%s = %s (rev %s)\n", r.Name(), renderJSON(r.Value()), short(r.Revision()))
			})

		case "set":
			if len(fields) < 3 {
				fmt.Println("usage: set <name> <json>")
				continue
			}
			raw := strings.Join(fields[2:], " ")
			var value replicants.Value
			if err := json.Unmarshal([]byte(raw), &value); err != nil {
				fmt.Printf("bad JSON: %s\n", err.Error())
				continue
			}
			r := client.GetReplicant(ctx, fields[1])
			r.OnReady(func() { r.Set(value) })

		case "mutate":
			// edits one nested position in place; the client pushes the
			// resulting change list, not the whole value
			if len(fields) < 4 {
				fmt.Println("usage: mutate <name> <path> <json>")
				continue
			}
			raw := strings.Join(fields[3:], " ")
			var value replicants.Value
			if err := json.Unmarshal([]byte(raw), &value); err != nil {
				fmt.Printf("bad JSON: %s\n", err.Error())
				continue
			}
			path := fields[2]
			r := client.GetReplicant(ctx, fields[1])
			r.OnReady(func() {
				r.Mutate(func(v replicants.Value) replicants.Value {
					return change.Set(v, path, value)
				})
			})

		case "history":
			if len(fields) != 2 {
				fmt.Println("usage: history <name>")
				continue
			}
			r := client.GetReplicant(ctx, fields[1])
			r.OnReady(func() {
				for i, label := range r.History() {
					fmt.Printf("%3d %s\n", i, label)
				}
			})

		case "watch":
			if len(fields) != 2 {
				fmt.Println("usage: watch <name>")
				continue
			}
			r := client.GetReplicant(ctx, fields[1])
			r.OnChange(func(_, new replicants.Value) {
				fmt.Printf("%s -> %s\n", r.Name(), renderJSON(new))
			})

		case "exit", "quit":
			return nil

		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func renderJSON(v replicants.Value) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<unencodable>"
	}
	return string(b)
}

func short(label string) string {
	if len(label) > 8 {
		return label[:8]
	}
	return label
}
