package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"chatgate/internal/chat"
	"chatgate/internal/models"
)

const helpText = `Commands:
  /clear         start over with an empty conversation
  /models        refresh and list the available models
  /model <name>  switch the model for the next prompts
  /quit          leave
Anything else is sent as a prompt.`

// renderer turns assistant markdown into terminal output.
type renderer func(string) string

func markdownRenderer() renderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return plainRenderer
	}
	return func(s string) string {
		out, err := r.Render(s)
		if err != nil {
			return s
		}
		return strings.TrimSpace(out)
	}
}

func plainRenderer(s string) string { return s }

func runChat(ctx context.Context, o *options, in io.Reader, out io.Writer) error {
	ctrl, err := o.controller(ctx, out)
	if err != nil {
		return err
	}
	if p := ctrl.Principal(); p != nil {
		fmt.Fprintf(out, "Signed in as %s. Model: %s. Type /help for commands.\n", p.DisplayName(), ctrl.Snapshot().SelectedModel)
	}
	return runREPL(ctx, ctrl, in, out, markdownRenderer())
}

func parseCommand(line string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	fields := strings.Fields(line)
	cmd = strings.ToLower(fields[0])
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}
	return cmd, arg, true
}

func runREPL(ctx context.Context, ctrl *chat.Controller, in io.Reader, out io.Writer, render renderer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if cmd, arg, ok := parseCommand(line); ok {
			switch cmd {
			case "/quit", "/exit":
				return nil
			case "/help":
				fmt.Fprintln(out, helpText)
			case "/clear":
				ctrl.Clear()
				fmt.Fprintln(out, "Conversation cleared.")
			case "/models":
				list, err := ctrl.RefreshModels(ctx)
				if err != nil {
					fmt.Fprintf(out, "[error] %s\n", chat.DisplayMessage(err))
					continue
				}
				printModels(out, list, ctrl.Snapshot().SelectedModel)
			case "/model":
				if err := ctrl.SelectModel(arg); err != nil {
					if errors.Is(err, chat.ErrUnknownModel) {
						fmt.Fprintf(out, "Unknown model %q. Run /models to see what is available.\n", arg)
						continue
					}
					fmt.Fprintf(out, "[error] %v\n", err)
					continue
				}
				fmt.Fprintf(out, "Using %s.\n", arg)
			default:
				fmt.Fprintf(out, "Unknown command %s. Type /help.\n", cmd)
			}
			continue
		}

		res, err := ctrl.Submit(ctx, line)
		if err != nil {
			if errors.Is(err, chat.ErrUnauthenticated) {
				return err
			}
			fmt.Fprintf(out, "[rejected] %v\n", err)
			continue
		}
		printOutcome(out, res.Message, render)
		fmt.Fprintf(out, "(%d messages)\n", len(ctrl.Snapshot().Messages))
	}
}

func printOutcome(out io.Writer, msg models.Message, render renderer) {
	if msg.IsError() {
		fmt.Fprintf(out, "[error] %s\n", msg.Content)
		return
	}
	fmt.Fprintln(out, render(msg.Content))
	fmt.Fprintf(out, "-- %s, %.2fs\n", msg.Model, msg.ProcessingTime.Seconds())
}

func printModels(out io.Writer, list []models.ModelDescriptor, selected string) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No models available.")
		return
	}
	for _, m := range list {
		marker := " "
		if m.Name == selected {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s", marker, m.Name)
		if m.SizeBytes > 0 {
			line += fmt.Sprintf("  %.1f GB", float64(m.SizeBytes)/1e9)
		}
		if m.ModifiedAt != nil {
			line += "  " + m.ModifiedAt.Format("2006-01-02")
		}
		fmt.Fprintln(out, line)
	}
}
