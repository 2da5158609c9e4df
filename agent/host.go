package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"collabtext/internal/discovery"
	"collabtext/internal/membership"
	"collabtext/internal/registry"
	"collabtext/internal/relay"
	"collabtext/internal/replica"
	"collabtext/internal/wire"
)

const shutdownTimeout = 5 * time.Second

type hostOptions struct {
	addr      string
	uiDir     string
	text      string
	advertise bool
}

func newHostCmd(o *options) *cobra.Command {
	var h hostOptions
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a room on this machine and edit it here",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.host(cmd, h)
		},
	}
	cmd.Flags().StringVar(&h.addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&h.uiDir, "ui", "../ui", "directory served under /ui/ when it exists")
	cmd.Flags().StringVar(&h.text, "text", "", "initial document text")
	cmd.Flags().BoolVar(&h.advertise, "advertise", true, "announce the room over mDNS")
	return cmd
}

func (o *options) host(cmd *cobra.Command, h hostOptions) error {
	ctx := cmd.Context()
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	hostname, _ := os.Hostname()

	codec, err := wire.CodecByName(o.cfg.Relay.Codec)
	if err != nil {
		ln.Close()
		return err
	}
	srv := relay.NewServer(relay.Config{
		Host:      net.JoinHostPort(hostname, strconv.Itoa(port)),
		Codec:     codec,
		Retention: o.cfg.Relay.Retention,
	}, registry.NewMemory(), membership.NewMemory(), o.logger)
	if _, err := srv.CreateRoom(ctx, relay.CreateRequest{RoomName: o.room, Owner: o.user, Text: h.text}); err != nil {
		ln.Close()
		srv.Close()
		return err
	}

	mux := http.NewServeMux()
	if st, err := os.Stat(h.uiDir); err == nil && st.IsDir() {
		mux.Handle("/ui/", http.StripPrefix("/ui/", http.FileServer(http.Dir(h.uiDir))))
	}
	mux.Handle("/", srv.Handler())
	httpServer := &http.Server{Handler: mux}

	client := replica.NewClient(o.replicaConfig(), srv.LocalTransport(o.room), replica.WithLogger(o.logger))
	client.Start(context.Background())
	fmt.Fprintf(cmd.OutOrStdout(), "hosting %q on port %d\n", o.room, port)

	g := &run.Group{}
	g.Add(func() error {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			o.logger.Warn("http shutdown", zap.Error(err))
		}
		srv.Close()
	})
	if h.advertise {
		actx, cancel := context.WithCancel(ctx)
		instance := "CollabText-" + hostname
		g.Add(func() error {
			if err := discovery.Advertise(actx, instance, port, o.room); err != nil {
				o.logger.Warn("mDNS advertise failed, peers must use --addr", zap.Error(err))
				<-actx.Done()
			}
			return nil
		}, func(error) {
			cancel()
		})
	}
	ectx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		return edit(ectx, client, cmd.InOrStdin(), cmd.OutOrStdout())
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	return stopped(g.Run())
}
