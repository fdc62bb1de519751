package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bitlume/electrum/config"
	"github.com/bitlume/electrum/internal/agent"
	"github.com/bitlume/electrum/internal/electrum"
	"github.com/bitlume/electrum/internal/logger"
	"github.com/bitlume/electrum/internal/netparams"
	"github.com/bitlume/electrum/internal/store"
)

type app struct {
	cfg     *config.Config
	network *netparams.Network
	logger  *slog.Logger
	blocks  *store.BlockStore
	txs     *store.TransactionStore
}

func rootCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:           "electrumd",
		Short:         "Electrum light client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml")

	cmd.AddCommand(
		watchCmd(&configDir),
		broadcastCmd(&configDir),
		balanceCmd(&configDir),
	)

	return cmd
}

func newApp(configDir string) (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	network, err := netparams.ByName(cfg.Network)
	if err != nil {
		return nil, err
	}

	byteStore, err := store.NewStore(context.Background(), cfg.Cache)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		network: network,
		logger:  log,
		blocks:  store.NewBlockStore(byteStore),
		txs:     store.NewTransactionStore(byteStore),
	}, nil
}

// connect builds an agent for the peer named on the command line and waits
// until it has synced the chain head.
func (a *app) connect(ctx context.Context, host string, wssPort uint16) (*agent.Agent, error) {
	peer := &electrum.Peer{
		Host:  host,
		Ports: electrum.PeerPorts{WSS: wssPort},
	}

	ag, err := agent.New(a.cfg, a.network, peer, a.blocks, a.txs, a.logger)
	if err != nil {
		return nil, err
	}

	synced := make(chan struct{})
	closed := make(chan error, 1)
	ag.On(agent.EventSynced, func(agent.Event) { close(synced) })
	ag.On(agent.EventClose, func(ev agent.Event) {
		select {
		case closed <- ev.Reason:
		default:
		}
	})

	if err := ag.Connect(ctx); err != nil {
		return nil, err
	}

	select {
	case <-synced:
		return ag, nil
	case err := <-closed:
		return nil, err
	case <-ctx.Done():
		ag.Close(ctx.Err())
		return nil, ctx.Err()
	}
}

func watchCmd(configDir *string) *cobra.Command {
	var (
		host    string
		wssPort uint16
	)

	cmd := &cobra.Command{
		Use:   "watch [address]...",
		Short: "Stream block and transaction events for addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configDir)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ag, err := app.connect(ctx, host, wssPort)
			if err != nil {
				return err
			}
			defer ag.Close(nil)

			ag.On(agent.EventBlock, func(ev agent.Event) {
				app.logger.Info("Block",
					slog.Uint64("height", uint64(ev.Header.BlockHeight)),
					slog.String("hash", ev.Header.BlockHash),
				)
			})
			ag.On(agent.EventTransactionAdded, func(ev agent.Event) {
				app.logger.Info("Transaction added",
					slog.String("hash", ev.Transaction.TransactionHash),
				)
			})
			ag.On(agent.EventTransactionMined, func(ev agent.Event) {
				app.logger.Info("Transaction mined",
					slog.String("hash", ev.Transaction.TransactionHash),
					slog.Uint64("height", uint64(ev.Header.BlockHeight)),
				)
			})

			if len(args) > 0 {
				if err := ag.Subscribe(ctx, args...); err != nil {
					return err
				}
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "peer", "", "peer hostname")
	cmd.Flags().Uint16Var(&wssPort, "wss-port", 50004, "peer WSS port")
	_ = cmd.MarkFlagRequired("peer")

	return cmd
}

func broadcastCmd(configDir *string) *cobra.Command {
	var (
		host    string
		wssPort uint16
	)

	cmd := &cobra.Command{
		Use:   "broadcast <raw tx hex>",
		Short: "Broadcast a raw transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configDir)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ag, err := app.connect(ctx, host, wssPort)
			if err != nil {
				return err
			}
			defer ag.Close(nil)

			tx, err := ag.BroadcastTransaction(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Println(tx.TransactionHash)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "peer", "", "peer hostname")
	cmd.Flags().Uint16Var(&wssPort, "wss-port", 50004, "peer WSS port")
	_ = cmd.MarkFlagRequired("peer")

	return cmd
}

func balanceCmd(configDir *string) *cobra.Command {
	var (
		host    string
		wssPort uint16
	)

	cmd := &cobra.Command{
		Use:   "balance <address>",
		Short: "Show the balance of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configDir)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ag, err := app.connect(ctx, host, wssPort)
			if err != nil {
				return err
			}
			defer ag.Close(nil)

			balance, err := ag.GetBalance(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("confirmed: %d sat\nunconfirmed: %d sat\n", balance.Confirmed, balance.Unconfirmed)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "peer", "", "peer hostname")
	cmd.Flags().Uint16Var(&wssPort, "wss-port", 50004, "peer WSS port")
	_ = cmd.MarkFlagRequired("peer")

	return cmd
}
