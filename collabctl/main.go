package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/bringyour/collab/collab"
)

const DefaultServerUrl = "ws://localhost:8080/ws"

func main() {
	usage := fmt.Sprintf(
		`Collab control.

The default server url is:
    server_url: %s

Usage:
    collabctl join --template_id=<template_id> --user_id=<user_id>
        [--username=<username>] [--avatar=<avatar>]
        [--server_url=<server_url>]
        [--duration=<duration>]
    collabctl edit --template_id=<template_id> --user_id=<user_id>
        [--username=<username>] [--avatar=<avatar>]
        [--server_url=<server_url>]
    collabctl token --user_id=<user_id> [--username=<username>] [--avatar=<avatar>]
        [--key=<key>]
    collabctl metrics [--server_url=<server_url>] [--count=<count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --server_url=<server_url>        Websocket url of the collab server.
    --template_id=<template_id>
    --user_id=<user_id>
    --username=<username>
    --avatar=<avatar>
    --duration=<duration>            Leave after this long, e.g. 30s.
    --key=<key>                      Token signing key.
    --count=<count>                  Print this many snapshots then exit.`,
		DefaultServerUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], collab.RequireVersion())
	if err != nil {
		panic(err)
	}

	if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if metrics_, _ := opts.Bool("metrics"); metrics_ {
		metrics(opts)
	}
}

func serverUrl(opts docopt.Opts) string {
	if serverUrl, _ := opts.String("--server_url"); serverUrl != "" {
		return serverUrl
	}
	return DefaultServerUrl
}

func newAgent(ctx context.Context, opts docopt.Opts) *collab.SessionAgent {
	templateId, _ := opts.String("--template_id")
	userId, _ := opts.String("--user_id")
	username, _ := opts.String("--username")
	avatar, _ := opts.String("--avatar")

	agent := collab.NewSessionAgentWithDefaults(
		ctx,
		serverUrl(opts),
		templateId,
		userId,
		collab.AgentIdentity{
			Username: username,
			Avatar:   avatar,
		},
	)

	agent.AddStateCallback(func(state collab.AgentState) {
		fmt.Printf("[%s]\n", state)
	})
	agent.AddPresenceCallback(func(users []collab.User) {
		printUsers(users)
	})
	agent.SetRemoteChangeCallback(func(user collab.ChangeUser, change collab.TemplateChange) {
		fmt.Printf(
			"%s %s %s %s %s\n",
			user.Username,
			change.Type,
			change.TargetType,
			change.TargetId,
			string(change.Data),
		)
	})

	return agent
}

func printUsers(users []collab.User) {
	fmt.Printf("%d in room:\n", len(users))
	for _, user := range users {
		fmt.Printf(
			"    %s %s %s active %s\n",
			user.Color,
			user.Id,
			user.Username,
			humanize.Time(user.LastActivity),
		)
	}
}

// join and print presence and remote changes until interrupted
func join(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	if durationStr, _ := opts.String("--duration"); durationStr != "" {
		duration, err := time.ParseDuration(durationStr)
		if err != nil {
			fmt.Printf("Invalid duration (%s).\n", err)
			return
		}
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, duration)
		defer timeoutCancel()
	}

	agent := newAgent(ctx, opts)
	defer agent.Close()

	if !agent.Connect() {
		fmt.Printf("Both --template_id and --user_id are required.\n")
		return
	}

	select {
	case <-ctx.Done():
	case <-agent.Done():
	}
}

// join and emit cursor updates and changes read from stdin, one command per line:
//
//	cursor <x> <y>
//	select <element_id> <start> <end>
//	<add|update|delete|move> <section|element|template> <target_id> [<json data>]
//	state
//	users
func edit(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	agent := newAgent(ctx, opts)
	defer agent.Close()

	if !agent.Connect() {
		fmt.Printf("Both --template_id and --user_id are required.\n")
		return
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			case lines <- scanner.Text():
			}
		}
	}()

	for {
		if interactive {
			fmt.Print("> ")
		}
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := editCommand(agent, line); err != nil {
				fmt.Printf("%s\n", err)
			}
		}
	}
}

func editCommand(agent *collab.SessionAgent, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "cursor":
		if len(fields) != 3 {
			return fmt.Errorf("usage: cursor <x> <y>")
		}
		x, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return err
		}
		y, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return err
		}
		return agent.EmitCursor(collab.CursorUpdate{
			Position: &collab.Point{X: x, Y: y},
		})
	case "select":
		if len(fields) != 4 {
			return fmt.Errorf("usage: select <element_id> <start> <end>")
		}
		start, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}
		end, err := strconv.Atoi(fields[3])
		if err != nil {
			return err
		}
		return agent.EmitCursor(collab.CursorUpdate{
			ElementId: fields[1],
			Selection: &collab.SelectionRange{Start: start, End: end},
		})
	case "state":
		return agent.RequestState()
	case "users":
		printUsers(agent.Users())
		return nil
	default:
		if len(fields) < 3 {
			return fmt.Errorf("usage: <add|update|delete|move> <section|element|template> <target_id> [<json data>]")
		}
		changeData := collab.ChangeData{
			Type:       collab.ChangeType(fields[0]),
			TargetType: collab.TargetType(fields[1]),
			TargetId:   fields[2],
		}
		if 3 < len(fields) {
			// the rest of the line after the first three fields, spaces included
			dataStr := line
			for _, field := range fields[:3] {
				dataStr = strings.TrimLeftFunc(dataStr, unicode.IsSpace)[len(field):]
			}
			dataStr = strings.TrimSpace(dataStr)
			if !json.Valid([]byte(dataStr)) {
				return fmt.Errorf("invalid json data")
			}
			changeData.Data = json.RawMessage(dataStr)
		}
		if err := changeData.Validate(); err != nil {
			return err
		}
		return agent.EmitChange(changeData)
	}
}

// print a signed identity token for the `token` handshake parameter
func token(opts docopt.Opts) {
	userId, _ := opts.String("--user_id")
	username, _ := opts.String("--username")
	avatar, _ := opts.String("--avatar")

	var key string
	if keyAny := opts["--key"]; keyAny != nil {
		key = keyAny.(string)
	} else {
		fmt.Print("Enter signing key: ")
		keyBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		key = string(keyBytes)
		fmt.Printf("\n")
	}

	identityJwt := &collab.IdentityJwt{
		UserId:   userId,
		Username: username,
		Avatar:   avatar,
	}
	signed, err := identityJwt.Sign([]byte(key))
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", signed)
}

// subscribe to the metrics channel and print each snapshot
func metrics(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	count := -1
	if countAny := opts["--count"]; countAny != nil {
		var err error
		count, err = strconv.Atoi(countAny.(string))
		if err != nil {
			fmt.Printf("Invalid count (%s).\n", err)
			return
		}
	}

	u, err := url.Parse(serverUrl(opts))
	if err != nil {
		fmt.Printf("Invalid server_url (%s).\n", err)
		return
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + collab.ChannelTypeMetrics

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 5 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		fmt.Printf("Could not connect (%s).\n", err)
		return
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for i := 0; count < 0 || i < count; i += 1 {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := collab.ParseEnvelope(message)
		if err != nil || envelope.Type != collab.MessageTypeMetrics {
			continue
		}
		var snapshot collab.MetricsSnapshot
		if err := envelope.DecodeData(&snapshot); err != nil {
			continue
		}
		fmt.Printf(
			"%s rooms=%s members=%s connections=%s in=%s dropped=%s skipped=%s\n",
			snapshot.Timestamp.Format(time.RFC3339),
			humanize.Comma(int64(snapshot.Rooms)),
			humanize.Comma(int64(snapshot.Members)),
			humanize.Comma(snapshot.Connections),
			humanize.Comma(int64(snapshot.MessagesIn)),
			humanize.Comma(int64(snapshot.MessagesDropped)),
			humanize.Comma(int64(snapshot.SendsSkipped)),
		)
	}
}
