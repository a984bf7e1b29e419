package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/syncshell/syncshell"
	"github.com/syncshell/syncshell/internal/transport/tcpchan"
)

// node bundles a running manager with its TCP listener.
type node struct {
	mgr      *syncshell.Manager
	listener *tcpchan.Listener
	log      *zap.Logger
}

// startNode builds a manager from viper config and starts listening
// for inbound peer channels.
func startNode() (*node, error) {
	log, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}

	advertise := viper.GetString("advertise")
	if advertise == "" {
		advertise = viper.GetString("listen")
	}

	mgr, err := syncshell.Open(
		syncshell.WithDataDir(viper.GetString("data_dir")),
		syncshell.WithDialer(&tcpchan.Dialer{}),
		syncshell.WithLogger(log),
		syncshell.WithPeerName(viper.GetString("peer_name")),
		syncshell.WithAdvertise(advertise),
		syncshell.WithSweepGrace(viper.GetDuration("sweep_grace")),
		syncshell.WithStaleness(viper.GetDuration("staleness")),
		syncshell.WithRetention(viper.GetDuration("retention")),
		syncshell.WithGossipInterval(viper.GetDuration("gossip_interval")),
	)
	if err != nil {
		return nil, err
	}

	lst, err := tcpchan.Listen(viper.GetString("listen"), func(ch *tcpchan.Channel) {
		mgr.HandleInbound(ch)
	})
	if err != nil {
		mgr.Close()
		return nil, err
	}

	log.Info("listening for peers", zap.String("addr", lst.Addr()))
	return &node{mgr: mgr, listener: lst, log: log}, nil
}

// serve streams events to stderr until interrupted.
func (n *node) serve() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			fmt.Fprintln(os.Stderr, "shutting down...")
			return n.close()
		case ev := <-n.mgr.Events():
			switch ev.Type {
			case syncshell.EventPeerConnected:
				fmt.Fprintf(os.Stderr, "peer connected: %s\n", ev.PeerID)
			case syncshell.EventPeerLost:
				fmt.Fprintf(os.Stderr, "peer lost: %s\n", ev.PeerID)
			case syncshell.EventResourceUpdated:
				fmt.Fprintf(os.Stderr, "resource updated: %s\n", ev.ResourceKey)
			case syncshell.EventShellState:
				fmt.Fprintf(os.Stderr, "shell %s: %s\n", ev.ShellID, ev.State)
			}
		}
	}
}

func (n *node) close() error {
	err := n.listener.Close()
	if cerr := n.mgr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
