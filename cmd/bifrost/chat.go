package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a prompt through the LLM router",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

var (
	chatTaskType  string
	chatProvider  string
	chatModel     string
	chatSystem    string
	chatMaxTokens int
)

func init() {
	chatCmd.Flags().StringVar(&chatTaskType, "task", "", "Task type used for routing (planning, coding, research, triage, troubleshooting)")
	chatCmd.Flags().StringVar(&chatProvider, "provider", "", "Force a provider")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Override the provider's model")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "System prompt")
	chatCmd.Flags().IntVar(&chatMaxTokens, "max-tokens", 0, "Maximum response tokens")
}

func runChat(cmd *cobra.Command, args []string) error {
	req := validate.ChatRequest{
		TaskType:  chatTaskType,
		Provider:  chatProvider,
		Model:     chatModel,
		MaxTokens: chatMaxTokens,
	}
	if chatSystem != "" {
		req.Messages = append(req.Messages, validate.ChatMessage{Role: "system", Content: chatSystem})
	}
	req.Messages = append(req.Messages, validate.ChatMessage{Role: "user", Content: strings.Join(args, " ")})

	resp, err := client().Chat(cmd.Context(), req)
	if err != nil {
		return err
	}
	return emit(resp, func(w io.Writer) {
		fmt.Fprintln(w, resp.Content)
		fmt.Fprintln(w, mutedText.Render(fmt.Sprintf("\n%s/%s · %d tokens", resp.Provider, resp.Model, resp.Usage.TotalTokens)))
	})
}
