package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nm2tech/tokenmeter"
)

func newAccountCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect and adjust token balances",
	}

	cmd.AddCommand(
		newAccountShowCmd(v),
		newAccountCreditCmd(v),
	)

	return cmd
}

func newAccountShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print the stored balance of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close()

			acct, err := a.gate.Account(cmd.Context(), args[0])
			if errors.Is(err, tokenmeter.ErrAccountNotFound) {
				return fmt.Errorf("account %s: %w", args[0], err)
			}
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "user_id\t%s\ntokens_left\t%d\nlast_reset\t%s\nis_paid\t%t\n",
				acct.UserID, acct.TokensLeft, acct.LastReset, acct.IsPaid)
			return err
		},
	}
}

func newAccountCreditCmd(v *viper.Viper) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "credit <user-id> <tier>",
		Short: "Credit a donation tier to a user",
		Long:  "Credit a donation tier to a user. With --key the credit is applied at most once per key, e.g. cs:<session id> for a checkout the webhook missed.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close()

			userID, tier := args[0], args[1]
			out := cmd.OutOrStdout()

			if key == "" {
				amount, err := a.gate.ApplyTier(cmd.Context(), userID, tier, tokenmeter.SourceOperator)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "credited %d tokens to %s\n", amount, userID)
				return err
			}

			applied, amount, err := a.gate.ApplyTierOnce(cmd.Context(), key, userID, tier, tokenmeter.SourceOperator)
			if err != nil {
				return err
			}
			if !applied {
				_, err = fmt.Fprintf(out, "key %s already applied; nothing credited\n", key)
				return err
			}
			_, err = fmt.Fprintf(out, "credited %d tokens to %s\n", amount, userID)
			return err
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "idempotency key; the credit is skipped if the key was already applied")
	return cmd
}
