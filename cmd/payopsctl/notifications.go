package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/application"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	notificationpg "github.com/dmehra2102/payment-reconciliation/internal/notification/infrastructure/postgres"
)

func notificationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifications [order-id]",
		Short: "List notification events for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			events, err := notificationpg.NewQueue(e.log, e.pool).ListByOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEVENT\tRECIPIENT\tSTATUS\tRETRIES\tLAST ERROR")
			for _, ev := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\n", ev.ID, ev.EventType, ev.Recipient, ev.Status,
					ev.RetryCount, ev.MaxRetries, ev.LastError)
			}
			return tw.Flush()
		},
	}
}

func requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [event-id]",
		Short: "Return a failed notification to the queue with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("event id: %w", err)
			}
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ev, err := application.Requeue(cmd.Context(), e.log, notificationpg.NewQueue(e.log, e.pool), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %d is %s\n", ev.ID, ev.Status)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var stuckAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return notifications stuck in processing to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := application.NewSweeper(e.log, notificationpg.NewQueue(e.log, e.pool), stuckAfter, time.Minute).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d events\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&stuckAfter, "stuck-after", 10*time.Minute, "processing age after which an event is reclaimed")
	return cmd
}

func suppressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppress",
		Short: "Manage the recipient suppression list",
	}

	var reason string
	add := &cobra.Command{
		Use:   "add [recipient]",
		Short: "Stop all notifications to a recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseReason(reason)
			if err != nil {
				return err
			}
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			s := application.NewSuppressions(e.log, notificationpg.NewSuppressions(e.pool), e.settings)
			if err := s.Suppress(cmd.Context(), args[0], r, "ops"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s suppressed (%s)\n", args[0], r)
			return nil
		},
	}
	add.Flags().StringVar(&reason, "reason", string(domain.ReasonUnsubscribe), "hard_bounce, soft_bounce, complaint or unsubscribe")

	lift := &cobra.Command{
		Use:   "lift [recipient]",
		Short: "Remove a recipient from the suppression list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ok, err := application.NewSuppressions(e.log, notificationpg.NewSuppressions(e.pool), e.settings).Lift(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not suppressed\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s lifted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, lift)
	return cmd
}
