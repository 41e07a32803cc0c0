package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"fleethub/internal/client"
	"fleethub/internal/scheduler"
)

var (
	taskX        float64
	taskY        float64
	taskZ        float64
	taskPriority string
	taskReason   string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Assign, inspect and cancel robot tasks",
}

var taskSendCmd = &cobra.Command{
	Use:   "send <robot-id>",
	Short: "Send a robot to a target position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		target := map[string]float64{"x": taskX, "y": taskY}
		if cmd.Flags().Changed("z") {
			target["z"] = taskZ
		}

		resp, err := client.New(hubURL).SendTask(ctx, scheduler.Request{
			RobotID:        args[0],
			TargetPosition: target,
			Priority:       taskPriority,
		})
		if err != nil {
			return err
		}

		cmd.Printf("Task %s assigned to %s (%s, priority %s)\n", resp.TaskID, resp.RobotID, resp.Status, resp.Priority)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <robot-id>",
	Short: "Cancel a robot's active task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		resp, err := client.New(hubURL).CancelTask(ctx, args[0], taskReason)
		if err != nil {
			return err
		}

		cmd.Printf("Task %s on %s is %s\n", resp.TaskID, resp.RobotID, resp.Status)
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		task, err := client.New(hubURL).GetTask(ctx, args[0])
		if err != nil {
			return err
		}

		cmd.Printf("Task:     %s\n", task.TaskID)
		cmd.Printf("Robot:    %s\n", task.RobotID)
		cmd.Printf("Status:   %s\n", task.Status)
		cmd.Printf("Priority: %s\n", task.Priority)
		cmd.Printf("Progress: %.0f%%\n", task.Progress*100)
		cmd.Printf("Target:   x=%.2f y=%.2f\n", task.TargetPosition["x"], task.TargetPosition["y"])
		if task.Message != "" {
			cmd.Printf("Message:  %s\n", task.Message)
		}
		cmd.Printf("Created:  %s\n", task.CreatedAt.Format(time.RFC3339))
		if task.FinishedAt != nil {
			cmd.Printf("Finished: %s\n", task.FinishedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	taskSendCmd.Flags().Float64Var(&taskX, "x", 0, "Target x position")
	taskSendCmd.Flags().Float64Var(&taskY, "y", 0, "Target y position")
	taskSendCmd.Flags().Float64Var(&taskZ, "z", 0, "Target z position")
	taskSendCmd.Flags().StringVarP(&taskPriority, "priority", "p", "normal", "Priority: low, normal, high or urgent")
	taskCancelCmd.Flags().StringVar(&taskReason, "reason", "", "Cancellation reason")

	taskCmd.AddCommand(taskSendCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskGetCmd)
}
