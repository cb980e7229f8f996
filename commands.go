package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"chat-session/models"
)

const helpText = `Commands:
  <text>                      send a message
  /edit <id>                  toggle editing of a proposal
  /add <id>                   add a custom field row
  /name <id> <key> <name>     set a row's field name
  /value <id> <key> <value>   set a row's value
  /proceed <id>               confirm a proposal
  /save <id>                  save an email or proposal
  /choose <id> <option>       answer a confirmation
  /reconnect                  reopen the connection after it was lost
  /list                       print the whole log
  /quit                       leave`

var errUsage = errors.New("usage error, see /help")

// chat is the part of a session the command line drives.
type chat interface {
	Open(ctx context.Context) error
	Send(text, uiLabel string) error
	Messages() []models.Message
	ToggleEdit(id models.MessageID) error
	AddField(id models.MessageID) (string, error)
	SetFieldName(id models.MessageID, key, name string) error
	SetFieldValue(id models.MessageID, key, value string) error
	Proceed(id models.MessageID) error
	MarkSaved(id models.MessageID) error
	SelectOption(id models.MessageID, option string) error
}

// execute runs one input line. It reports whether the user asked to quit.
func execute(ctx context.Context, c chat, line string, out io.Writer) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, c.Send(line, "")
	}

	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, helpText)
		return false, nil
	case "/reconnect":
		return false, c.Open(ctx)
	case "/list":
		for _, m := range c.Messages() {
			fmt.Fprintln(out, render(m))
		}
		return false, nil
	}

	idArg, rest, _ := strings.Cut(rest, " ")
	id, err := parseID(idArg)
	if err != nil {
		return false, err
	}
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/edit":
		return false, c.ToggleEdit(id)
	case "/add":
		key, err := c.AddField(id)
		if err == nil {
			fmt.Fprintf(out, "added row %s\n", key)
		}
		return false, err
	case "/name", "/value":
		key, arg, ok := strings.Cut(rest, " ")
		if !ok || key == "" {
			return false, errUsage
		}
		if cmd == "/name" {
			return false, c.SetFieldName(id, key, strings.TrimSpace(arg))
		}
		return false, c.SetFieldValue(id, key, arg)
	case "/proceed":
		return false, c.Proceed(id)
	case "/save":
		return false, c.MarkSaved(id)
	case "/choose":
		if rest == "" {
			return false, errUsage
		}
		return false, c.SelectOption(id, rest)
	}
	return false, fmt.Errorf("unknown command %s: %w", cmd, errUsage)
}

func parseID(s string) (models.MessageID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad message id %q: %w", s, errUsage)
	}
	return models.MessageID(n), nil
}
