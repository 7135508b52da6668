package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"neighborly/api/internal/client"
	"neighborly/api/internal/model"
)

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		in       client.NewRequest
		category string
		reward   string
		address  model.Address
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a new help request",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			in.Category = model.Category(category)
			if strings.TrimSpace(reward) != "" {
				in.Reward = model.StringPtr(reward)
			}
			if address != (model.Address{}) {
				in.Address = &address
			}
			created, err := c.CreateRequest(cmd.Context(), in)
			if err != nil {
				return err
			}
			return writeJSONLine(created)
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "Short title (required)")
	cmd.Flags().StringVar(&in.Description, "description", "", "Longer description")
	cmd.Flags().StringVar(&category, "category", string(model.CategoryErrand), "errand, carry, fix or other")
	cmd.Flags().StringVar(&reward, "reward", "", "Optional reward")
	cmd.Flags().Float64Var(&in.Location.Lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&in.Location.Lng, "lng", 0, "Longitude")
	cmd.Flags().StringVar(&address.City, "city", "", "City")
	cmd.Flags().StringVar(&address.Street, "street", "", "Street")
	cmd.Flags().StringVar(&address.HouseNumber, "house-number", "", "House number")
	cmd.Flags().StringVar(&address.Notes, "notes", "", "Notes for the helper")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newAcceptCmd(opts *globalOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "accept <request-id>",
		Short: "Claim an open request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			accepted, err := c.Accept(cmd.Context(), args[0], model.Status(status))
			if errors.Is(err, client.ErrAlreadyClaimed) {
				return client.ErrAlreadyClaimed
			}
			if err != nil {
				return err
			}
			return writeJSONLine(accepted)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(model.StatusAccepted), "accepted or in_progress")
	return cmd
}

func newCompleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <request-id>",
		Short: "Mark a request as done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			done, err := c.Complete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSONLine(done)
		},
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <request-id>",
		Short: "Delete an unclaimed request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return writeJSONLine(map[string]any{"deleted": args[0]})
		},
	}
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <text>",
		Short: "Search open requests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			items, err := c.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return writeJSONLine(map[string]any{"items": items})
		},
	}
}

func newPromptsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prompts",
		Short: "List pending review prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			items, err := c.ListReviewPrompts(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSONLine(map[string]any{"items": items})
		},
	}
}

func newConsumeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume <prompt-id>",
		Short: "Mark a review prompt as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			prompt, err := c.ConsumeReviewPrompt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSONLine(prompt)
		},
	}
}

func newSayCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "say <request-id> <message>",
		Short: "Post a chat message on a request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			message, err := c.PostMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return fmt.Errorf("post message: %w", err)
			}
			return writeJSONLine(message)
		},
	}
}
