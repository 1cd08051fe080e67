package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/relay/pkg/client"
	"github.com/cuemby/relay/pkg/types"
)

// dial builds a client for the --addr flag and a request context
func dial(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	addr, _ := cmd.Flags().GetString("addr")
	c, err := client.New(addr)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	return c, ctx, cancel, nil
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		kind, _ := cmd.Flags().GetString("kind")
		payload, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetInt("priority")
		id, _ := cmd.Flags().GetString("id")
		contentType, _ := cmd.Flags().GetString("content-type")

		resp, err := c.Submit(ctx, &types.Task{
			ID:          id,
			Kind:        kind,
			Priority:    priority,
			Payload:     []byte(payload),
			ContentType: contentType,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task %s submitted (%s)\n", resp.ID, resp.State)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		resp, err := c.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", resp.Message)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		task, err := c.GetTaskStatus(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		filter := &types.TaskFilter{}
		if kind, _ := cmd.Flags().GetString("kind"); kind != "" {
			filter.Kind = kind
		}
		if states, _ := cmd.Flags().GetStringSlice("state"); len(states) > 0 {
			for _, s := range states {
				filter.States = append(filter.States, types.TaskState(strings.ToLower(s)))
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATE\tATTEMPT\tUPDATED\tERROR")
		count := 0
		err = c.ListTasks(ctx, filter, func(task *types.Task) bool {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				task.ID, task.Kind, task.State, task.Attempt,
				task.UpdatedAt.Format(time.RFC3339), task.LastError)
			count++
			return true
		})
		if err != nil {
			return err
		}
		w.Flush()
		fmt.Printf("\n%d task(s)\n", count)
		return nil
	},
}

func init() {
	taskSubmitCmd.Flags().String("kind", "", "Task kind (required)")
	taskSubmitCmd.Flags().String("payload", "", "Task payload")
	taskSubmitCmd.Flags().Int("priority", 0, "Task priority (higher runs first)")
	taskSubmitCmd.Flags().String("id", "", "Task ID (assigned when empty)")
	taskSubmitCmd.Flags().String("content-type", "application/json", "Payload content type")
	_ = taskSubmitCmd.MarkFlagRequired("kind")

	taskListCmd.Flags().String("kind", "", "Filter by kind")
	taskListCmd.Flags().StringSlice("state", nil, "Filter by state (pending, processing, completed, ...)")

	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskListCmd)
}
