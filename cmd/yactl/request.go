package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/spf13/cobra"
)

func newRequestCmd(opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Call request commands",
	}

	cmd.AddCommand(newRequestCreateCmd(opts))
	cmd.AddCommand(newRequestListCmd(opts))
	cmd.AddCommand(newRequestAcceptCmd(opts))
	cmd.AddCommand(newRequestJoinCmd(opts))
	cmd.AddCommand(newRequestCloseCmd(opts, "decline", domain.RequestDeclined))
	cmd.AddCommand(newRequestCloseCmd(opts, "cancel", domain.RequestCancelled))
	cmd.AddCommand(newRequestWatchCmd(opts))
	return cmd
}

func newRequestCreateCmd(opts *rootOpts) *cobra.Command {
	var (
		queryID int64
		mode    string
		message string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Invite the other party of a conversation to a call",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := domain.ParseMode(mode)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.shutdown()
			a.withBroker(nil)

			req, err := a.broker.CreateRequest(cmd.Context(), domain.QueryID(queryID), m, message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created request %s (%s, %s)\n", req.ID, req.Mode, req.Status)
			return nil
		},
	}

	cmd.Flags().Int64Var(&queryID, "query", 0, "conversation id (required)")
	cmd.Flags().StringVar(&mode, "mode", "video", "call mode (audio, video)")
	cmd.Flags().StringVar(&message, "message", "", "note shown with the invitation")
	cmd.MarkFlagRequired("query")
	return cmd
}

func newRequestListCmd(opts *rootOpts) *cobra.Command {
	var queryID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the call requests of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.shutdown()
			a.withBroker(nil)

			reqs, err := a.broker.ListRequests(cmd.Context(), domain.QueryID(queryID))
			if err != nil {
				return err
			}
			printRequests(cmd.OutOrStdout(), reqs)
			return nil
		},
	}

	cmd.Flags().Int64Var(&queryID, "query", 0, "conversation id (required)")
	cmd.MarkFlagRequired("query")
	return cmd
}

func newRequestAcceptCmd(opts *rootOpts) *cobra.Command {
	var hold time.Duration

	cmd := &cobra.Command{
		Use:   "accept <request-id>",
		Short: "Accept a call request and join the call",
		Long:  "Accepts the request, joins the room as the peer on the simulated engine, stays for --hold and hangs up.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseRequestID(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.shutdown()
			a.withBroker(nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			go a.coordinator.Run(ctx)

			session, err := a.broker.AcceptRequest(ctx, id)
			if err != nil {
				return err
			}
			return runCall(ctx, cmd.OutOrStdout(), a, session, hold)
		},
	}

	cmd.Flags().DurationVar(&hold, "hold", 5*time.Second, "how long to stay in the call")
	return cmd
}

func newRequestJoinCmd(opts *rootOpts) *cobra.Command {
	var (
		queryID int64
		hold    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "join <request-id>",
		Short: "Join the call of an accepted request you created",
		Long:  "Looks the request up in its conversation and joins its room as the initiator, stays for --hold and hangs up.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseRequestID(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.shutdown()
			a.withBroker(nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			go a.coordinator.Run(ctx)

			reqs, err := a.broker.ListRequests(ctx, domain.QueryID(queryID))
			if err != nil {
				return err
			}
			for _, r := range reqs {
				if r.ID != id {
					continue
				}
				session, err := a.broker.JoinAccepted(ctx, r)
				if err != nil {
					return err
				}
				return runCall(ctx, cmd.OutOrStdout(), a, session, hold)
			}
			return fmt.Errorf("request %s not found in query %d", id, queryID)
		},
	}

	cmd.Flags().Int64Var(&queryID, "query", 0, "conversation id (required)")
	cmd.Flags().DurationVar(&hold, "hold", 5*time.Second, "how long to stay in the call")
	cmd.MarkFlagRequired("query")
	return cmd
}

func newRequestCloseCmd(opts *rootOpts, verb string, status domain.RequestStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <request-id>",
		Short: fmt.Sprintf("Mark a call request %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseRequestID(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.shutdown()
			a.withBroker(nil)

			var req domain.CallRequest
			if status == domain.RequestDeclined {
				req, err = a.broker.DeclineRequest(cmd.Context(), id)
			} else {
				req, err = a.broker.CancelRequest(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s is %s\n", req.ID, req.Status)
			return nil
		},
	}
}

func newRequestWatchCmd(opts *rootOpts) *cobra.Command {
	var queries []int64

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow call requests of conversations until interrupted",
		Long:  "Refreshes on push hints from the backend websocket and polls while it is unreachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.shutdown()

			ids := make([]domain.QueryID, 0, len(queries))
			for _, q := range queries {
				ids = append(ids, domain.QueryID(q))
			}
			sub, err := ws.NewSubscriber(a.cfg.Push.URL, ids...)
			if err != nil {
				return fmt.Errorf("push url: %w", err)
			}
			a.withBroker(sub)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			go sub.Run(ctx)

			out := cmd.OutOrStdout()
			a.broker.OnRefresh(func(q domain.QueryID, reqs []domain.CallRequest) {
				fmt.Fprintf(out, "-- query %s at %s\n", q, time.Now().Format(time.TimeOnly))
				printRequests(out, reqs)
			})
			for _, q := range ids {
				a.broker.Watch(q)
			}
			a.broker.RefreshWatched(ctx)
			a.broker.Run(ctx)
			return nil
		},
	}

	cmd.Flags().Int64SliceVar(&queries, "query", nil, "conversation ids to follow (required)")
	cmd.MarkFlagRequired("query")
	return cmd
}

func printRequests(out io.Writer, reqs []domain.CallRequest) {
	if len(reqs) == 0 {
		fmt.Fprintln(out, "No call requests.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINITIATOR\tMODE\tSTATUS\tCREATED\tMESSAGE")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.InitiatorID, r.Mode, r.Status, r.CreatedAt.Format(time.DateTime), r.Message)
	}
	w.Flush()
}

// runCall presents the session, waits for it to be live, holds it and hangs up by
// closing its window.
func runCall(ctx context.Context, out io.Writer, a *app, session *domain.CallSession, hold time.Duration) error {
	window := a.present(session, "Call in room "+session.RoomName)
	if err := a.waitFor(ctx, domain.StateActive, 30*time.Second); err != nil {
		a.modal.Close(window)
		return err
	}
	fmt.Fprintf(out, "In call %s (room %s, %s as %s)\n", session.ID, session.RoomName, session.Mode, session.Role)

	updates, cancel := a.coordinator.Store().Subscribe()
	defer cancel()
	timer := time.NewTimer(hold)
	defer timer.Stop()
wait:
	for {
		select {
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		case snap := <-updates:
			if !snap.State.InCall() {
				fmt.Fprintln(out, "Call ended remotely")
				break wait
			}
		}
	}

	a.modal.Close(window)
	flushCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := a.deferred.Flush(flushCtx); err != nil {
		return fmt.Errorf("waiting for cleanup: %w", err)
	}
	fmt.Fprintf(out, "Call %s ended\n", session.ID)
	return nil
}
