package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/souk/internal/profile"
	"github.com/matheus3301/souk/internal/rpc"
)

const callTimeout = 30 * time.Second

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := rpc.Dial(profile.SocketPath(name))
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err))
	}
	defer func() { _ = c.Close() }()

	// Long-running commands stop on Ctrl-C; the rest also get a deadline.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		err = cmdStatus(callCtx, c, out)
	case "login":
		err = cmdLogin(ctx, c, out)
	case "logout":
		err = c.Session.Logout(callCtx)
		if err == nil {
			fmt.Println("Logged out.")
		}
	case "watch":
		err = cmdWatch(ctx, c, out)
	case "chat":
		err = cmdChat(ctx, c, args[1:], out)
	case "send":
		err = cmdSend(callCtx, c, args[1:])
	case "outbox":
		err = cmdOutbox(callCtx, c, args[1:], out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: soukctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                                   Show session status")
	fmt.Fprintln(os.Stderr, "  login                                    Sign in with a device code")
	fmt.Fprintln(os.Stderr, "  logout                                   Sign out and clear credentials")
	fmt.Fprintln(os.Stderr, "  watch                                    Stream session events")
	fmt.Fprintln(os.Stderr, "  chat resolve <listing> <buyer> <seller>  Print the conversation id")
	fmt.Fprintln(os.Stderr, "  chat open <listing> <buyer> <seller>     Open a conversation and follow it")
	fmt.Fprintln(os.Stderr, "  chat watch                               Follow the open conversation")
	fmt.Fprintln(os.Stderr, "  chat close                               Close the open conversation")
	fmt.Fprintln(os.Stderr, "  send text [-image file]... <text>        Send text and images")
	fmt.Fprintln(os.Stderr, "  send proposal [-accept|-decline] <start> <end>")
	fmt.Fprintln(os.Stderr, "                                           Propose or answer a date range")
	fmt.Fprintln(os.Stderr, "  send availability <start>,<end>...       Offer free time blocks")
	fmt.Fprintln(os.Stderr, "  outbox [sending|sent|failed]             List journaled messages")
	fmt.Fprintln(os.Stderr, "  outbox resend <client-msg-id>            Resend a failed message")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

type printer struct {
	json bool
}

func (p printer) JSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func cmdStatus(ctx context.Context, c *rpc.Client, out printer) error {
	resp, err := c.Session.GetStatus(ctx)
	if err != nil {
		return err
	}
	if out.json {
		out.JSON(resp)
		return nil
	}
	fmt.Printf("Profile: %s\n", resp.Profile)
	fmt.Printf("State:   %s\n", resp.State)
	if resp.Email != "" {
		fmt.Printf("Account: %s (%s)\n", resp.Email, resp.UserID)
	}
	if !resp.Expiry.IsZero() {
		fmt.Printf("Expiry:  %s\n", resp.Expiry.Local().Format(time.RFC1123))
	}
	fmt.Printf("Uptime:  %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	return nil
}

func cmdLogin(ctx context.Context, c *rpc.Client, out printer) error {
	st, err := c.Session.SignIn(ctx)
	if err != nil {
		return err
	}
	for {
		evt, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if out.json {
			out.JSON(evt)
			continue
		}
		switch evt.Kind {
		case rpc.EventDeviceCode:
			fmt.Printf("Open %s and enter code %s\n", evt.VerificationURI, evt.UserCode)
		case rpc.EventSignedIn:
			fmt.Printf("Signed in as %s\n", evt.Email)
		}
	}
}

func cmdWatch(ctx context.Context, c *rpc.Client, out printer) error {
	st, err := c.Session.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		evt, err := st.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if out.json {
			out.JSON(evt)
			continue
		}
		ts := evt.At.Local().Format(time.TimeOnly)
		switch evt.Kind {
		case rpc.EventStatus:
			fmt.Printf("%s  state %s\n", ts, evt.State)
		case rpc.EventLoggedOut:
			fmt.Printf("%s  logged out: %s\n", ts, evt.Reason)
		case rpc.EventDeviceCode:
			fmt.Printf("%s  device code %s at %s\n", ts, evt.UserCode, evt.VerificationURI)
		}
	}
}

func cmdOutbox(ctx context.Context, c *rpc.Client, args []string, out printer) error {
	status := ""
	if len(args) > 0 {
		status = args[0]
	}
	if status == "resend" {
		if len(args) != 2 {
			return errors.New("usage: soukctl outbox resend <client-msg-id>")
		}
		if err := c.Chat.Resend(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Resent %s.\n", args[1])
		return nil
	}
	resp, err := c.Chat.ListOutbox(ctx, rpc.ListOutboxRequest{Status: status, Limit: 100})
	if err != nil {
		return err
	}
	if out.json {
		out.JSON(resp)
		return nil
	}
	if len(resp.Entries) == 0 {
		fmt.Println("Outbox is empty.")
		return nil
	}
	for _, e := range resp.Entries {
		line := fmt.Sprintf("%s  %-8s %-12s %s  chat=%s", e.CreatedAt.Local().Format(time.DateTime), e.Status, e.Kind, e.ClientMsgID, e.ChatID)
		if e.Error != "" {
			line += "  error=" + e.Error
		}
		fmt.Println(line)
	}
	return nil
}
