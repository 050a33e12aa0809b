package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status <file-id>",
		Short: "Show the backend processing state of an uploaded file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			cookie, err := s.cookie()
			if err != nil {
				return err
			}
			status, err := s.client(s.logger(cmd)).UploadStatus(cmd.Context(), cookie, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], status.Status)
			if status.Message != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "message: %s\n", status.Message)
			}
			return nil
		},
	}
}
