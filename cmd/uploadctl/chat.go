package main

import (
	"fmt"
	"strings"

	"github.com/iago/health-records-back/internal/chat"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newChatCommand(v *viper.Viper) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "chat <file-id> <message>...",
		Short: "Ask a question about an analyzed report",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			cookie, err := s.cookie()
			if err != nil {
				return err
			}

			panel := chat.NewPanel(chat.NewService(s.client(s.logger(cmd))), cookie, args[0])
			if chatID != "" {
				if err := panel.Resume(cmd.Context(), chatID); err != nil {
					return fmt.Errorf("load chat %s: %w", chatID, err)
				}
			}

			message, err := panel.Send(cmd.Context(), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), message.BotResponse)
			if current := panel.Chat(); current != nil && chatID == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "chat id %s\n", current.ChatID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat-id", "", "continue an existing chat instead of starting one")
	return cmd
}
