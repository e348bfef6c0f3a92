package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/spf13/cobra"
)

func newCallCmd(opts *rootOpts) *cobra.Command {
	var (
		peerID   int64
		queryID  int64
		mode     string
		roomName string
		hold     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Start a call directly, without a request",
		Long:  "Allocates a room, joins it as the initiator on the simulated engine, stays for --hold and hangs up.",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			go a.coordinator.Run(ctx)

			session, err := a.coordinator.Start(ctx, service.StartRequest{
				PeerID:   domain.UserID(peerID),
				Mode:     m,
				QueryID:  domain.QueryID(queryID),
				RoomName: roomName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joining %s\n", session.RoomURL)
			return runCall(ctx, cmd.OutOrStdout(), a, session, hold)
		},
	}

	cmd.Flags().Int64Var(&peerID, "peer", 0, "user id of the other party (required)")
	cmd.Flags().Int64Var(&queryID, "query", 0, "conversation the call belongs to")
	cmd.Flags().StringVar(&mode, "mode", "video", "call mode (audio, video)")
	cmd.Flags().StringVar(&roomName, "room", "", "custom room name")
	cmd.Flags().DurationVar(&hold, "hold", 5*time.Second, "how long to stay in the call")
	cmd.MarkFlagRequired("peer")
	return cmd
}
