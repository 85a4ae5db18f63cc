package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// rooms
	roomsJSON bool

	// history
	historyLimit int
	historyJSON  bool

	// send
	sendJSON bool

	// tail
	tailTeam string
)

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := client.ListRooms(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsJSON {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}

		fmt.Printf("%-26s  %-6s  %-6s  %s\n", "ID", "KIND", "UNREAD", "NAME")
		for _, r := range rooms {
			fmt.Printf("%-26s  %-6s  %-6d  %s\n", r.ID, r.Kind, r.UnreadCount, valueOrDefault(r.Name, "-"))
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show recent messages in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.ListMessages(ctx, args[0], chatsync.PageOptions{Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyJSON {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			printMessage(*m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <message>",
	Short: "Send a message to a room",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := s.Start(ctx); err != nil && !errors.Is(err, chatsync.ErrTransientTransport) {
			return err
		}

		msg, err := s.Send(ctx, args[0], strings.Join(args[1:], " "), nil)
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

// ============================================================================
// mark-read
// ============================================================================

var markReadCmd = &cobra.Command{
	Use:   "mark-read <room-id>",
	Short: "Mark a room as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, args[0], time.Now()); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %s as read\n", args[0])
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <room-id>",
	Short: "Join a room and print live messages and typing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := &tailPrinter{store: s.Store(), roomID: roomID, seen: map[string]bool{}}
		unsub := s.Store().Subscribe(p.onChange)
		defer unsub()
		s.OnStateChange(func(st chatsync.ConnectionState) {
			fmt.Fprintf(os.Stderr, "[%s]\n", st)
		})

		if err := s.Start(ctx); err != nil && !errors.Is(err, chatsync.ErrTransientTransport) {
			return err
		}
		if tailTeam != "" {
			if err := s.Rooms.SwitchTeamRoom(ctx, tailTeam, roomID); err != nil {
				return err
			}
			if _, err := s.Messages.LoadHistory(ctx, roomID, time.Time{}, 0); err != nil {
				return err
			}
		} else if err := s.OpenRoom(ctx, roomID); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return errors.New("session ended")
		}
	},
}

type tailPrinter struct {
	store  *chatsync.Store
	roomID string

	mu     sync.Mutex
	seen   map[string]bool
	typing string
}

func (p *tailPrinter) onChange(c chatsync.Change) {
	if c.RoomID != p.roomID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch c.Kind {
	case chatsync.ChangeMessages:
		for _, m := range p.store.Messages(p.roomID) {
			if m.IsTemporary() || p.seen[m.ID] {
				continue
			}
			p.seen[m.ID] = true
			printMessage(m)
		}
	case chatsync.ChangeTyping:
		var names []string
		for _, st := range p.store.Typing(p.roomID) {
			names = append(names, valueOrDefault(st.FullName, st.UserID))
		}
		line := strings.Join(names, ", ")
		if line != p.typing {
			p.typing = line
			if line != "" {
				fmt.Fprintf(os.Stderr, "%s typing...\n", line)
			}
		}
	}
}

func printMessage(m chatsync.Message) {
	sender := valueOrDefault(m.SenderName, m.SenderID)
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), sender, m.Content)
	for _, a := range m.Attachments {
		fmt.Printf("    attachment: %s (%s)\n", valueOrDefault(a.Name, a.URL), valueOrDefault(a.MimeType, "unknown"))
	}
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Number of messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	tailCmd.Flags().StringVar(&tailTeam, "team", "", "Team id when the room is a team room")

	rootCmd.AddCommand(roomsCmd, historyCmd, sendCmd, markReadCmd, tailCmd)
}
