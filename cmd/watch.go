package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/legionworks/legion/internal/config"
	"github.com/legionworks/legion/pkg/client"
)

func watchCmd() *cobra.Command {
	var (
		channelIDs []string
		minionIDs  []string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream gateway events as JSON lines",
		Long: `Stream projected fabric events from the running gateway, one JSON
object per line. Without flags only broadcast events arrive (channel
lifecycle, tasks, system health); --channel and --minion add
per-channel messages and per-minion state changes.

Examples:
  legion watch                              # Broadcast events only
  legion watch --channel general            # Plus #general messages
  legion watch --minion melvin --minion rex # Plus two minions' states`,
		Run: func(cmd *cobra.Command, args []string) {
			runWatch(channelIDs, minionIDs)
		},
	}

	cmd.Flags().StringSliceVar(&channelIDs, "channel", nil, "channel ids to subscribe to")
	cmd.Flags().StringSliceVar(&minionIDs, "minion", nil, "minion ids to subscribe to")

	return cmd
}

func runWatch(channelIDs, minionIDs []string) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := gatewayAddr(cfg)
	c, err := client.Dial(ctx, "ws://"+addr, cfg.Gateway.Token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Start the gateway first:  legion gateway\n")
		os.Exit(1)
	}
	defer c.Close()

	for _, id := range channelIDs {
		if err := c.SubscribeChannel(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Subscribe channel %s failed: %v\n", id, err)
			os.Exit(1)
		}
	}
	for _, id := range minionIDs {
		if err := c.SubscribeMinion(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Subscribe minion %s failed: %v\n", id, err)
			os.Exit(1)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.Events():
			if !ok {
				if err := c.Err(); err != nil {
					fmt.Fprintf(os.Stderr, "Stream ended: %v\n", err)
					os.Exit(1)
				}
				return
			}
			enc.Encode(frame)
		}
	}
}
