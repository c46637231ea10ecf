package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tuannm99/novads/client"
)

const (
	prompt     = "novads> "
	contPrompt = "...> "
)

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".novads_history"
	}
	return filepath.Join(home, ".novads_history")
}

func main() {
	var (
		addr     string
		timeout  time.Duration
		histPath string
		histMax  int
		oneShot  string
	)
	cmd := &cobra.Command{
		Use:          "novads",
		Short:        "Interactive client for a NovaDS server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := client.Dial(addr, timeout)
			if err != nil {
				return err
			}
			defer func() { _ = cli.Close() }()

			if strings.TrimSpace(oneShot) != "" {
				req, err := parseCommand(oneShot)
				if err != nil {
					return err
				}
				return execute(cmd.Context(), cli, os.Stdout, req)
			}
			return repl(cmd.Context(), cli, addr, NewHistory(histPath), histMax)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:8866", "server address")
	flags.DurationVar(&timeout, "timeout", 3*time.Second, "dial timeout")
	flags.StringVar(&histPath, "history", defaultHistoryPath(), "history file path")
	flags.IntVar(&histMax, "history-max", 2000, "max history lines loaded into memory")
	flags.StringVarP(&oneShot, "command", "c", "", "run one command and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func repl(ctx context.Context, cli *client.Client, addr string, h *History, histMax int) error {
	_ = h.Load(histMax)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()

	// preload history into readline so up-arrow works immediately
	for _, line := range h.lines {
		_ = rl.SaveHistory(line)
	}

	var buf strings.Builder
	fmt.Printf("connected to %s\n", addr)
	fmt.Println("type \\help for help")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if buf.Len() > 0 {
				buf.Reset()
				rl.SetPrompt(prompt)
				continue
			}
			fmt.Println("^C")
			continue
		}
		if err != nil {
			fmt.Println()
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if buf.Len() == 0 && (strings.HasPrefix(line, "\\") || line == "quit" || line == "exit") {
			switch line {
			case "\\q", "quit", "exit":
				return nil
			case "\\help":
				fmt.Println(`meta commands:
  \q | quit | exit       quit
  \history               print history
  \help                  show help

commands (end with ';', may span lines):
  datasets;
  query <dataset> [page=<id>] [name=value ...];
  update <dataset> <xml> | @<file>;
  flush <dataset>;`)
			case "\\history":
				h.Print(os.Stdout, 50)
			default:
				fmt.Printf("unknown command: %s\n", line)
			}
			continue
		}

		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(line)
		if !commandComplete(buf.String()) {
			rl.SetPrompt(contPrompt)
			continue
		}

		text := buf.String()
		buf.Reset()
		rl.SetPrompt(prompt)

		_ = h.Append(text)
		_ = rl.SaveHistory(compactOneLine(text))

		req, err := parseCommand(text)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if err := execute(ctx, cli, os.Stdout, req); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}
