package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/4citeB4U/familyreunion/internal/client"
	"github.com/4citeB4U/familyreunion/internal/peer"
	"github.com/4citeB4U/familyreunion/internal/signaling"
	"github.com/4citeB4U/familyreunion/internal/transport"
	"github.com/4citeB4U/familyreunion/internal/ui"
)

// command is one parsed line of user input.
type command struct {
	name string
	arg  string
	text string
}

var errUsage = errors.New("usage")

// parseCommand splits a stdin line. Lines without a leading slash are chat.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", text: line}, nil
	}

	fields := strings.Fields(line)
	cmd := command{name: strings.TrimPrefix(fields[0], "/")}
	switch cmd.name {
	case "members", "leave", "quit", "help":
	case "call":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("%w: /call <member-id>", errUsage)
		}
		cmd.arg = fields[1]
	case "msg":
		if len(fields) < 3 {
			return command{}, fmt.Errorf("%w: /msg <member-id> <text>", errUsage)
		}
		cmd.arg = fields[1]
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		cmd.text = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
	default:
		return command{}, fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	return cmd, nil
}

const helpText = `Commands:
  <text>             chat with the whole room
  /members           list room members
  /call <id>         start a call with a member
  /msg <id> <text>   send a direct message over the call's side channel
  /leave             leave the room and exit
  /quit              exit`

// session is the interactive loop for one room.
type session struct {
	c     *client.Client
	room  signaling.RoomID
	calls map[signaling.ClientID]peer.Status
}

func newSession(c *client.Client, room signaling.RoomID) *session {
	return &session{c: c, room: room, calls: make(map[signaling.ClientID]peer.Status)}
}

func (s *session) run(ctx context.Context, in io.Reader) error {
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

		case <-s.c.Done():
			if err := s.c.Err(); err != nil {
				return err
			}
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := s.handleLine(line)
			if err != nil {
				ui.PrintError(err.Error())
			}
			if done {
				return nil
			}

		case id := <-s.c.Connected:
			ui.PrintInfof("Reconnected to relay as %s", id)

		case st := <-s.c.Status:
			s.showStatus(st)

		case u := <-s.c.Rooms:
			s.showRoom(u)

		case t := <-s.c.Texts:
			ui.PrintText(string(t.From), t.Message, t.Direct)

		case ps := <-s.c.Peers:
			s.calls[ps.Remote] = ps.Status
			if ps.Status == peer.StatusClosed {
				delete(s.calls, ps.Remote)
			}
			ui.PrintInfof("%s call with %s: %s", ui.IconCall, ps.Remote, ps.Status)

		case <-s.c.Tracks:
			// Media playback is outside this client.

		case err := <-s.c.Errors:
			ui.PrintError(err.Error())
		}
	}
}

// handleLine executes one input line and reports whether the loop should end.
func (s *session) handleLine(line string) (bool, error) {
	cmd, err := parseCommand(line)
	if err != nil {
		return false, err
	}

	switch cmd.name {
	case "say":
		if cmd.text == "" {
			return false, nil
		}
		return false, s.c.SendText(cmd.text)
	case "members":
		s.showMembers()
	case "call":
		return false, s.c.Call(signaling.ClientID(cmd.arg))
	case "msg":
		return false, s.c.SendDirect(signaling.ClientID(cmd.arg), cmd.text)
	case "leave":
		if err := s.c.LeaveRoom(); err != nil {
			return true, err
		}
		ui.PrintSuccessf("Left room %s", s.room)
		return true, nil
	case "quit":
		return true, nil
	case "help":
		fmt.Fprintln(ui.Output, helpText)
	}
	return false, nil
}

func (s *session) showMembers() {
	self := s.c.ID()
	var rows []ui.Member
	for _, id := range s.c.Members() {
		rows = append(rows, ui.Member{ID: string(id), Self: id == self, Status: string(s.calls[id])})
	}
	ui.RenderMembers(string(s.room), rows)
}

func (s *session) showRoom(u client.RoomUpdate) {
	switch {
	case u.Joined != "":
		ui.PrintInfof("%s %s joined (%d in room)", ui.IconJoin, u.Joined, len(u.Members))
	case u.Left != "":
		ui.PrintInfof("%s %s left (%d in room)", ui.IconLeave, u.Left, len(u.Members))
	default:
		s.room = u.Room
		s.showMembers()
	}
}

func (s *session) showStatus(st transport.Status) {
	switch st.State {
	case transport.StateDisconnected:
		if st.Delay > 0 {
			ui.PrintWarningf("Relay connection lost, retry %d in %s", st.Attempt, st.Delay)
		}
	case transport.StateGaveUp:
		if st.Err != nil {
			ui.PrintErrorf("Gave up reconnecting to the relay: %v", st.Err)
			return
		}
		ui.PrintError("Gave up reconnecting to the relay")
	}
}
