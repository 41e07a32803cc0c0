package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"fleethub/internal/client"
	"fleethub/internal/state"
)

var hubURL string

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1).
			Bold(true)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	statusStyles = map[state.Status]lipgloss.Style{
		state.StatusOnline:  lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")).Bold(true),
		state.StatusBusy:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C")).Bold(true),
		state.StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true),
		state.StatusOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")),
	}
)

var robotsCmd = &cobra.Command{
	Use:   "robots [robot-id]",
	Short: "List robots known to a hub",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		c := client.New(hubURL)

		var robots []state.RobotState
		if len(args) == 1 {
			robot, err := c.GetRobot(ctx, args[0])
			if err != nil {
				return err
			}
			robots = append(robots, robot)
		} else {
			var err error
			if robots, err = c.ListRobots(ctx); err != nil {
				return err
			}
		}

		if len(robots) == 0 {
			cmd.Println("No robots have reported yet.")
			return nil
		}
		cmd.Println(renderRobots(robots, time.Now()))
		return nil
	},
}

func renderRobots(robots []state.RobotState, now time.Time) string {
	rows := make([][]string, 0, len(robots))
	statuses := make([]state.Status, 0, len(robots))
	for _, r := range robots {
		position := "-"
		if r.Pose != nil {
			position = fmt.Sprintf("%.2f, %.2f", r.Pose.Position.X, r.Pose.Position.Y)
		}
		task := r.ActiveTaskID
		if task == "" {
			task = "-"
		}
		rows = append(rows, []string{
			r.RobotID,
			string(r.Status),
			fmt.Sprintf("%.0f%%", r.Battery),
			position,
			task,
			lastSeen(r.LastSeen, now),
		})
		statuses = append(statuses, r.Status)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))).
		Headers("ROBOT", "STATUS", "BATTERY", "POSITION", "TASK", "LAST SEEN").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(statuses) {
				if style, ok := statusStyles[statuses[row]]; ok {
					return style.Padding(0, 1)
				}
			}
			return cellStyle
		})

	return t.Render()
}

func lastSeen(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	ago := now.Sub(t).Round(100 * time.Millisecond)
	if ago < 0 {
		ago = 0
	}
	return ago.String() + " ago"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "http://localhost:8000", "Hub API base URL")
}
