package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	notificationapp "github.com/dmehra2102/payment-reconciliation/internal/notification/application"
	notificationpg "github.com/dmehra2102/payment-reconciliation/internal/notification/infrastructure/postgres"
	paymentapp "github.com/dmehra2102/payment-reconciliation/internal/payment/application"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
	paymentpg "github.com/dmehra2102/payment-reconciliation/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/infrastructure/provider"
)

func reconcileCmd() *cobra.Command {
	var orderID, reference string
	var renotify bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Verify a payment with the provider and apply it to its order",
		Long: `Reconcile runs the same path as the callback and webhook. It is safe to
repeat: an order that is already paid with the reference is left untouched.

Examples:
  payopsctl reconcile --reference ORD-20261019-4F2A9C-1a2b3c
  payopsctl reconcile --order 6f1c... --reference ORD-... --renotify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reference == "" {
				return errors.New("--reference is required")
			}
			secret := os.Getenv("PROVIDER_SECRET_KEY")
			if secret == "" {
				return errors.New("PROVIDER_SECRET_KEY must be set")
			}
			baseURL := os.Getenv("PROVIDER_BASE_URL")
			if baseURL == "" {
				baseURL = "https://api.paystack.co"
			}

			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()

			enqueuer := notificationapp.NewEnqueuer(e.log, notificationpg.NewQueue(e.log, e.pool), e.settings)
			verifier := paymentapp.NewVerifier(e.log, provider.NewClient(e.log, baseURL, secret, nil), e.settings)
			r := paymentapp.NewReconciler(e.log, paymentpg.NewLedger(e.log, e.pool, 0), verifier, enqueuer)

			res, err := r.Reconcile(ctx, paymentapp.ReconcileRequest{
				OrderID:   orderID,
				Reference: reference,
				Source:    domain.SourceOps,
				Renotify:  renotify,
			})
			var mismatch *domain.MismatchError
			if err != nil && !errors.As(err, &mismatch) {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "order %s (%s): outcome=%s status=%s payment_status=%s enqueued=%d\n",
				res.OrderNumber, res.OrderID, res.Outcome, res.Status, res.PaymentStatus, res.Enqueued)
			return err
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id; resolved from the reference when empty")
	cmd.Flags().StringVar(&reference, "reference", "", "provider payment reference")
	cmd.Flags().BoolVar(&renotify, "renotify", false, "re-enqueue the paid notifications for an already paid order")
	return cmd
}

func transactionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transactions [order-id]",
		Short: "List payment attempts recorded for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			txs, err := paymentpg.NewLedger(e.log, e.pool, 0).Transactions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REFERENCE\tSTATUS\tAMOUNT\tCURRENCY\tREASON\tUPDATED")
			for _, t := range txs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", t.Reference, t.Status, t.AmountMinor, t.Currency,
					t.FailureReason, t.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}
