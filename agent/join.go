package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"collabtext/internal/discovery"
	"collabtext/internal/replica"
	"collabtext/internal/syncchan"
	"collabtext/internal/wire"
)

func newJoinCmd(o *options) *cobra.Command {
	var (
		addr string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room hosted elsewhere",
		Long:  "Join a room. Without --addr the first relay advertising the room over mDNS is used.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				peer, err := findRelay(ctx, o.room, wait)
				if err != nil {
					return err
				}
				o.logger.Info("found relay", zap.String("instance", peer.Instance), zap.String("addr", peer.Addr()))
				addr = peer.Addr()
			}
			return o.join(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "relay host:port")
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to look for a relay")
	return cmd
}

func relayURL(addr, room string, codec wire.Codec) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/ws/" + room,
		RawQuery: url.Values{"codec": {codec.Name()}}.Encode(),
	}
	return u.String()
}

func (o *options) join(cmd *cobra.Command, addr string) error {
	codec, err := wire.CodecByName(o.cfg.Relay.Codec)
	if err != nil {
		return err
	}
	tr := &syncchan.WebsocketTransport{URL: relayURL(addr, o.room, codec), Codec: codec}
	client := replica.NewClient(o.replicaConfig(), tr, replica.WithLogger(o.logger))
	client.Start(context.Background())
	fmt.Fprintf(cmd.OutOrStdout(), "joining %q at %s\n", o.room, addr)

	ctx, cancel := context.WithCancel(cmd.Context())
	g := &run.Group{}
	g.Add(func() error {
		return edit(ctx, client, cmd.InOrStdin(), cmd.OutOrStdout())
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(cmd.Context(), os.Interrupt, syscall.SIGTERM))
	return stopped(g.Run())
}

func findRelay(ctx context.Context, room string, wait time.Duration) (discovery.Peer, error) {
	bctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	peers, err := discovery.Browse(bctx)
	if err != nil {
		return discovery.Peer{}, err
	}
	for _, p := range peers {
		if p.Room == room || p.Room == "" {
			return p, nil
		}
	}
	return discovery.Peer{}, fmt.Errorf("no relay for room %q found on the local network", room)
}
