package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quickbet/settlement/internal/delegation"
	"github.com/quickbet/settlement/internal/model"
)

func init() {
	rootCmd.AddCommand(messageCmd)
	messageCmd.Flags().String("user", "", "Owner of the delegation ticket")
	messageCmd.Flags().Uint64("nonce", 0, "Current ticket nonce")
	messageCmd.MarkFlagRequired("user")
}

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Print the delegation message a user must sign",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		user, _ := cmd.Flags().GetString("user")
		nonce, _ := cmd.Flags().GetUint64("nonce")
		fmt.Fprintln(cmd.OutOrStdout(), delegation.Message(model.UserID(user), nonce))
		return nil
	},
}
