package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"securechat/internal/client"
	"securechat/internal/models"
)

func chatCmd(g *globalFlags) *cobra.Command {
	var (
		roomID    string
		plaintext bool
		receipts  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room and chat from the terminal",
		Long:  "Join a room, print incoming messages (decrypted when a room key is available) and send every stdin line as a message. Lines starting with @ai go to the assistant in plaintext.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openAgent()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := client.Dial(ctx, client.Config{
				ServerURL: g.server,
				Token:     g.token,
				Agent:     a,
				Encrypt:   !plaintext,
			})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Join(roomID); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			go printEvents(out, s, a.UserID(), receipts)
			return sendLines(ctx, cmd.InOrStdin(), out, s, roomID)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room to join")
	cmd.Flags().BoolVar(&plaintext, "plaintext", false, "send without end-to-end encryption")
	cmd.Flags().BoolVar(&receipts, "receipts", true, "acknowledge messages as read")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func sendLines(ctx context.Context, in io.Reader, out io.Writer, s *client.Session, roomID string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := s.Send(ctx, roomID, line); err != nil {
				fmt.Fprintf(out, "! not sent: %v\n", err)
			}
		}
	}
}

func printEvents(out io.Writer, s *client.Session, self string, receipts bool) {
	for ev := range s.Events() {
		switch ev.Kind {
		case models.EventReceiveMessage:
			m := ev.Message
			from := "assistant"
			if m.Sender != nil {
				from = m.Sender.DisplayName
			}
			lock := " "
			if m.IsEncrypted {
				lock = "*"
			}
			fmt.Fprintf(out, "[%s]%s %s: %s\n", m.Timestamp.Local().Format("15:04"), lock, from, m.Text)
			if receipts && m.Readable && (m.Sender == nil || m.Sender.ID != self) {
				_ = s.MarkRead(m.RoomID, m.ID)
			}
		case models.EventRoomKeyDistribution:
			fmt.Fprintf(out, "-- room key received for %s\n", ev.RoomID)
		case models.EventUserTyping:
			if names := s.Typing().Typing(ev.RoomID); len(names) > 0 {
				fmt.Fprintf(out, "-- %s typing\n", strings.Join(names, ", "))
			}
		case models.EventMessageRead:
			fmt.Fprintf(out, "-- %s read %s\n", ev.Read.UserID, ev.Read.MessageID)
		case models.EventError:
			fmt.Fprintf(out, "! %s\n", ev.Error)
		}
	}
	fmt.Fprintln(out, "-- disconnected")
}
