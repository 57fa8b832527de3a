package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Member is one row of the member table.
type Member struct {
	ID     string
	Self   bool
	Status string
}

// MembersView renders the room members using lipgloss/table.
func MembersView(room string, members []Member) string {
	if len(members) == 0 {
		return MutedStyle.Render("Nobody here yet")
	}

	rows := make([][]string, 0, len(members))
	for i, m := range members {
		id := IconPeer + " " + m.ID
		if m.Self {
			id = m.ID + " (you)"
		}
		status := m.Status
		if status == "" {
			status = "-"
		}
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), id, status})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Member", "Call").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return fmt.Sprintf("%s %s\n%s", IconRoom, BoldStyle.Render(room), tbl.Render())
}

// RenderMembers writes the member table.
func RenderMembers(room string, members []Member) {
	fmt.Fprintln(Output, MembersView(room, members))
}

// RoomView renders the box shown after creating a room.
func RoomView(roomID, kind string) string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s\n%s Room ID:  %s\n%s Kind:     %s\n\nShare the room ID so family can join.",
		TitleStyle.Render(IconSuccess+" Room Created!"),
		IconCopy, BoldStyle.Foreground(Primary).Render(roomID),
		IconRoom, MutedStyle.Render(kind),
	)

	return boxStyle.Render(content)
}

func RenderRoom(roomID, kind string) {
	fmt.Fprintln(Output, RoomView(roomID, kind))
}
