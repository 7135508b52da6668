package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"neighborly/api/internal/chatnotify"
	"neighborly/api/internal/client"
	"neighborly/api/internal/geo"
	"neighborly/api/internal/model"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		bbox     string
		lat, lng float64
		near     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the request lists and chat notifications until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			viewer, err := viewerID(opts.token)
			if err != nil {
				return err
			}
			var query client.OpenQuery
			switch {
			case bbox != "":
				bounds, err := geo.ParseBBox(bbox)
				if err != nil {
					return err
				}
				query.Bounds = &bounds
			case near:
				query.Near = &model.Location{Lat: lat, Lng: lng}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, c, viewer, opts, query, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&bbox, "bbox", "", "Open list bounds as west,south,east,north")
	cmd.Flags().BoolVar(&near, "near", false, "Limit the open list to the neighborhood of --lat/--lng")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude for --near")
	cmd.Flags().Float64Var(&lng, "lng", 0, "Longitude for --near")
	return cmd
}

func runWatch(ctx context.Context, c *client.Client, viewer string, opts *globalOptions, query client.OpenQuery, out io.Writer) error {
	log := opts.logger("watch")
	out = &syncWriter{w: out}

	var manager *chatnotify.Manager
	if viewer != "" {
		dedup := chatnotify.NewDedup(viewer, newConsoleNotifier(out))
		manager = chatnotify.NewManager(ctx, dedup, c.ListMessages, opts.interval, opts.logger("chat"))
		defer manager.Close()
	}

	live := client.NewLiveLists(c, viewer, opts.interval, func(lists client.Lists) {
		if err := writeJSONLineTo(out, summarize(lists)); err != nil {
			log.WithError(err).Warn("write failed")
		}
		if manager != nil {
			manager.Sync(chatIDs(lists.Participating))
		}
	}, client.WithOpenQuery(query), client.WithLiveLogger(log))
	live.Start(ctx)
	defer live.Close()

	log.WithField("viewer", viewer).Info("Watching")
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

type listSummary struct {
	Open          []requestLine        `json:"open"`
	Participating []requestLine        `json:"participating,omitempty"`
	History       []requestLine        `json:"history,omitempty"`
	Prompts       []model.ReviewPrompt `json:"prompts,omitempty"`
}

type requestLine struct {
	ID     string       `json:"id"`
	Title  string       `json:"title"`
	Status model.Status `json:"status"`
}

func summarize(lists client.Lists) listSummary {
	lines := func(items []model.Request) []requestLine {
		out := make([]requestLine, 0, len(items))
		for _, item := range items {
			out = append(out, requestLine{ID: item.ID, Title: item.Title, Status: item.Status})
		}
		return out
	}
	return listSummary{
		Open:          lines(lists.Open),
		Participating: lines(lists.Participating),
		History:       lines(lists.History),
		Prompts:       lists.Prompts,
	}
}

// Chats exist only while a request is claimed, so the participating list
// is exactly the set of chats worth polling.
func chatIDs(items []model.Request) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

// consoleNotifier prints notifications to the terminal. A dismissed
// notification is reported so the user knows it is no longer current.
type consoleNotifier struct {
	mu   sync.Mutex
	out  io.Writer
	next int
}

func newConsoleNotifier(out io.Writer) *consoleNotifier {
	return &consoleNotifier{out: out}
}

func (n *consoleNotifier) Show(note chatnotify.Notification) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	id := fmt.Sprintf("note-%d", n.next)
	fmt.Fprintf(n.out, "[%s] %s on %s: %s\n", id, note.SenderID, note.ChatID, note.Body)
	return id
}

func (n *consoleNotifier) Dismiss(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "[%s] dismissed\n", id)
}
