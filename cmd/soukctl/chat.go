package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/souk/internal/chat"
	"github.com/matheus3301/souk/internal/rpc"
)

func cmdChat(ctx context.Context, c *rpc.Client, args []string, out printer) error {
	if len(args) == 0 {
		return errors.New("usage: soukctl chat <resolve|open|watch|close>")
	}
	switch args[0] {
	case "resolve", "open":
		if len(args) != 4 {
			return fmt.Errorf("usage: soukctl chat %s <listing> <buyer> <seller>", args[0])
		}
		ref := rpc.ChatRef{ListingID: args[1], BuyerID: args[2], SellerID: args[3]}
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		if args[0] == "resolve" {
			info, err := c.Chat.Resolve(callCtx, ref)
			if err != nil {
				return err
			}
			fmt.Println(info.ChatID)
			return nil
		}
		info, err := c.Chat.Open(callCtx, ref)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Opened chat %s\n", info.ChatID)
		return followChat(ctx, c, out)
	case "watch":
		return followChat(ctx, c, out)
	case "close":
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return c.Chat.Close(callCtx)
	default:
		return fmt.Errorf("unknown chat subcommand: %s", args[0])
	}
}

// followChat prints the conversation every time it changes until interrupted.
func followChat(ctx context.Context, c *rpc.Client, out printer) error {
	st, err := c.Chat.Watch(ctx)
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
		printClusters(os.Stdout, evt)
	}
}

func printClusters(w io.Writer, evt *rpc.ClustersEvent) {
	fmt.Fprintf(w, "--- chat %s ---\n", evt.ChatID)
	for _, cl := range evt.Clusters {
		if len(cl.Messages) == 0 {
			continue
		}
		fmt.Fprintf(w, "[%s]\n", cl.Messages[0].Timestamp.Local().Format("Mon 02 Jan 2006"))
		indent := ""
		if cl.Location == string(chat.Right) {
			indent = "\t\t"
		}
		for _, m := range cl.Messages {
			fmt.Fprintf(w, "%s%s %s%s\n", indent, m.Timestamp.Local().Format("15:04"), describe(m), marker(m))
		}
	}
}

func describe(m rpc.MessageView) string {
	switch m.Kind {
	case chat.TypeChat:
		s := m.Text
		if n := len(m.Images); n > 0 {
			s += fmt.Sprintf(" [%d image(s)]", n)
		}
		return s
	case chat.TypeAvailability:
		parts := make([]string, 0, len(m.Availability))
		for _, b := range m.Availability {
			parts = append(parts, b.Start.Local().Format(time.DateTime)+" - "+b.End.Local().Format(time.TimeOnly))
		}
		return "available: " + strings.Join(parts, ", ")
	case chat.TypeProposal:
		s := "proposal"
		if m.StartDate != nil && m.EndDate != nil {
			s += fmt.Sprintf(" %s to %s", m.StartDate.Local().Format(time.DateOnly), m.EndDate.Local().Format(time.DateOnly))
		}
		if m.Accepted != nil {
			if *m.Accepted {
				s += " (accepted)"
			} else {
				s += " (declined)"
			}
		}
		return s
	}
	return m.Kind
}

func marker(m rpc.MessageView) string {
	switch {
	case m.Status == string(chat.StatusFailed):
		return "  !failed"
	case m.Status == string(chat.StatusPending):
		return "  ..."
	case m.Mine && m.Read:
		return "  ✓✓"
	}
	return ""
}

type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func cmdSend(ctx context.Context, c *rpc.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: soukctl send <text|proposal|availability>")
	}
	switch args[0] {
	case "text":
		fs := flag.NewFlagSet("send text", flag.ContinueOnError)
		var images stringList
		fs.Var(&images, "image", "image file to attach (repeatable)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		encoded, err := encodeImages(images)
		if err != nil {
			return err
		}
		return c.Chat.SendText(ctx, rpc.SendTextRequest{Text: strings.Join(fs.Args(), " "), Images: encoded})
	case "proposal":
		fs := flag.NewFlagSet("send proposal", flag.ContinueOnError)
		accept := fs.Bool("accept", false, "accept the proposed range")
		decline := fs.Bool("decline", false, "decline the proposed range")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return errors.New("usage: soukctl send proposal [-accept|-decline] <start> <end>")
		}
		start, err := parseTime(fs.Arg(0))
		if err != nil {
			return err
		}
		end, err := parseTime(fs.Arg(1))
		if err != nil {
			return err
		}
		req := rpc.SendProposalRequest{Start: start, End: end}
		switch {
		case *accept && *decline:
			return errors.New("-accept and -decline are exclusive")
		case *accept:
			req.Accepted = accept
		case *decline:
			no := false
			req.Accepted = &no
		}
		return c.Chat.SendProposal(ctx, req)
	case "availability":
		blocks, err := parseBlocks(args[1:])
		if err != nil {
			return err
		}
		return c.Chat.SendAvailability(ctx, rpc.SendAvailabilityRequest{Blocks: blocks})
	default:
		return fmt.Errorf("unknown send subcommand: %s", args[0])
	}
}

func encodeImages(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		out = append(out, base64.StdEncoding.EncodeToString(data))
	}
	return out, nil
}

// parseTime accepts RFC 3339, "2006-01-02 15:04" or a bare date, in local time.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// parseBlocks reads "start,end" pairs.
func parseBlocks(args []string) ([]chat.AvailabilityBlock, error) {
	blocks := make([]chat.AvailabilityBlock, 0, len(args))
	for _, a := range args {
		startS, endS, ok := strings.Cut(a, ",")
		if !ok {
			return nil, fmt.Errorf("invalid block %q: want <start>,<end>", a)
		}
		start, err := parseTime(startS)
		if err != nil {
			return nil, err
		}
		end, err := parseTime(endS)
		if err != nil {
			return nil, err
		}
		if end.Before(start) {
			return nil, fmt.Errorf("invalid block %q: ends before it starts", a)
		}
		blocks = append(blocks, chat.AvailabilityBlock{Start: start, End: end})
	}
	return blocks, nil
}
