package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/msgsync/pkg/msgsync"
)

var backfillCommand = &cli.Command{
	Name:   "backfill",
	Usage:  "Pull messages missed since the last checkpoint",
	Before: requiresAccount,
	Action: cmdBackfill,
}

var repairCommand = &cli.Command{
	Name:   "repair",
	Usage:  "Run one repair pass over the local cache",
	Before: requiresAccount,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "prune",
			Usage: "Also delete conversations the server no longer lists",
		},
	},
	Action: cmdRepair,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send one message",
	ArgsUsage: "RECIPIENT [TEXT]",
	Before:    requiresAccount,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "conversation",
			Usage: "Conversation id, if different from the recipient",
		},
		&cli.StringFlag{
			Name:  "file",
			Usage: "Send a file reference; the message type is detected from its contents",
		},
	},
	Action: cmdSend,
}

var conversationsCommand = &cli.Command{
	Name:    "conversations",
	Aliases: []string{"ls"},
	Usage:   "List cached conversations",
	Before:  prepareApp,
	Action:  cmdConversations,
}

var messagesCommand = &cli.Command{
	Name:      "messages",
	Usage:     "List cached messages of a conversation",
	ArgsUsage: "CONVERSATION",
	Before:    prepareApp,
	Action:    cmdMessages,
}

var flagsCommand = &cli.Command{
	Name:      "flags",
	Usage:     "Pin or mute a cached conversation",
	ArgsUsage: "CONVERSATION",
	Before:    requiresAccount,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "pin",
			Usage: "Pin (--pin) or unpin (--pin=false) the conversation",
		},
		&cli.BoolFlag{
			Name:  "mute",
			Usage: "Mute (--mute) or unmute (--mute=false) the conversation",
		},
	},
	Action: cmdFlags,
}

var wipeCommand = &cli.Command{
	Name:   "wipe",
	Usage:  "Log out and delete all cached data",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "yes",
			Usage: "Don't ask for confirmation",
		},
	},
	Action: cmdWipe,
}

func cmdBackfill(ctx *cli.Context) error {
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	result, err := eng.orch.Backfill(ctx.Context)
	fmt.Printf("Applied %d, duplicates %d, tombstoned %d, invalid %d, failed %d\n",
		result.Applied, result.Duplicates, result.Tombstoned, result.Invalid, result.Failed)
	if result.Checkpoint != nil {
		fmt.Printf("Checkpoint: %s\n", time.UnixMilli(*result.Checkpoint).Format(time.RFC3339))
	}
	if err != nil {
		return fmt.Errorf("backfill incomplete: %w", err)
	}
	return nil
}

func cmdRepair(ctx *cli.Context) error {
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	report, err := eng.orch.Repair(ctx.Context, ctx.Bool("prune"))
	fmt.Printf("Scanned %d conversations\n", report.Scanned)
	fmt.Printf("  migrated messages:     %d\n", report.MessagesMigrated)
	fmt.Printf("  reclassified as group: %d\n", report.Reclassified)
	fmt.Printf("  corrected:             %d\n", report.Corrected)
	fmt.Printf("  removed (empty):       %d\n", report.ConversationsRemoved)
	fmt.Printf("  orphans removed:       %d\n", report.OrphansRemoved)
	fmt.Printf("  pruned:                %d\n", report.Pruned)
	fmt.Printf("  skipped:               %d\n", report.Skipped)
	fmt.Printf("  failed:                %d\n", report.Failed)
	return err
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a recipient")
	}
	req := msgsync.SendRequest{
		ReceiverID:     ctx.Args().Get(0),
		ConversationID: ctx.String("conversation"),
		Content:        strings.Join(ctx.Args().Tail(), " "),
	}
	if path := ctx.String("file"); path != "" {
		att, err := msgsync.DescribeAttachment(path)
		if err != nil {
			return err
		}
		req.Type = att.Type
		if req.Content == "" {
			req.Content = att.Name
		}
		if req.Extra, err = att.Extra(); err != nil {
			return err
		}
	} else if req.Content == "" {
		return fmt.Errorf("nothing to send")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer eng.channel.Disconnect()

	msg, err := eng.orch.SendMessage(ctx.Context, req)
	if err != nil {
		return err
	}
	fmt.Printf("Message %s in %s: %s\n", msg.ID, msg.ConversationID, msg.DeliveryStatus)
	if msg.DeliveryStatus == msgsync.StatusFailed {
		return fmt.Errorf("message could not be delivered, it stays in the cache as failed")
	}
	return nil
}

func cmdConversations(ctx *cli.Context) error {
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	convs, err := eng.store.ListConversations(ctx.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tCOUNTERPART\tUNREAD\tLAST ACTIVITY\tPREVIEW")
	for _, conv := range convs {
		kind := conv.Kind.String()
		if conv.Provisional {
			kind += "?"
		}
		if conv.Pinned {
			kind += " (pinned)"
		}
		last := "-"
		if conv.LastMessageAt > 0 {
			last = time.UnixMilli(conv.LastMessageAt).Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			conv.ID, kind, conv.CounterpartID, conv.UnreadCount, last, conv.LastMessagePreview)
	}
	return w.Flush()
}

func cmdMessages(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation id")
	}
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	msgs, err := eng.store.ListMessages(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSENDER\tSTATUS\tTYPE\tCONTENT")
	for _, msg := range msgs {
		content := msg.Content
		if msg.Recalled {
			content = "(recalled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(msg.CreatedAt).Format(time.DateTime), msg.SenderID, msg.DeliveryStatus, msg.Type, content)
	}
	if err = w.Flush(); err != nil || getConfig(ctx).SelfID == "" {
		return err
	}
	return eng.orch.MarkRead(ctx.Context, ctx.Args().Get(0))
}

func cmdFlags(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation id")
	}
	var pinned, muted *bool
	if ctx.IsSet("pin") {
		pinned = ptr.Ptr(ctx.Bool("pin"))
	}
	if ctx.IsSet("mute") {
		muted = ptr.Ptr(ctx.Bool("mute"))
	}
	if pinned == nil && muted == nil {
		return fmt.Errorf("nothing to change, pass --pin and/or --mute")
	}
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	return eng.orch.SetConversationFlags(ctx.Context, ctx.Args().Get(0), pinned, muted)
}

func cmdWipe(ctx *cli.Context) error {
	if !ctx.Bool("yes") {
		answer, err := readLine("Delete all cached conversations and messages? [y/N] ")
		if err != nil {
			return err
		}
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			fmt.Println("Aborted")
			return nil
		}
	}
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err = eng.orch.Logout(ctx.Context); err != nil {
		return err
	}
	fmt.Println("Local cache wiped")
	return nil
}
