package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/samber/do/v2"
	"github.com/urfave/cli/v3"
	"github.com/vreid/janken/internal/pkg/commitment"
	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/coordinator"
	"github.com/vreid/janken/internal/pkg/match"
	"github.com/vreid/janken/internal/pkg/player"
	"github.com/vreid/janken/internal/pkg/relay"
	"github.com/vreid/janken/internal/pkg/scorer"
	"github.com/vreid/janken/internal/pkg/store"
	"github.com/vreid/janken/internal/pkg/wallet"
)

type RelayServices struct {
	EchoService *common.EchoService `do:""`

	RelayService  *relay.RelayService   `do:""`
	ScorerService *scorer.ScorerService `do:""`
}

type PlayerServices struct {
	CoordinatorService *coordinator.CoordinatorService `do:""`
	PlayerService      *player.PlayerService           `do:""`
}

func provideCommon(i do.Injector, cmd *cli.Command) {
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "log-level", cmd.String("log-level"))
	do.ProvideNamedValue(i, "log-file", cmd.String("log-file"))

	do.Provide(i, common.NewLoggerService)
	do.Provide(i, common.NewDatabaseService)
}

func runRelay(ctx context.Context, cmd *cli.Command) error {
	i := do.New()

	defer func() {
		_ = i.Shutdown()
	}()

	provideCommon(i, cmd)

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "change-log-limit", cmd.Int("change-log-limit"))

	do.Provide(i, common.NewEchoService)
	do.Provide(i, store.NewBoltStoreService)
	do.Provide(i, func(i do.Injector) (store.Store, error) {
		return do.MustInvoke[*store.BoltStore](i), nil
	})

	do.Provide(i, relay.NewRelayService)
	do.Provide(i, scorer.NewScorerService)

	do.Provide(i, do.InvokeStruct[RelayServices])

	relayServices, err := do.Invoke[RelayServices](i)
	if err != nil {
		return fmt.Errorf("failed to create relay services: %w", err)
	}

	stopScorer, err := relayServices.ScorerService.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start scorer: %w", err)
	}

	defer stopScorer()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		_ = relayServices.EchoService.Shutdown(context.Background())
	}()

	//nolint:wrapcheck
	return relayServices.EchoService.Start()
}

func provideWallet(i do.Injector, cmd *cli.Command, create bool) {
	do.ProvideNamedValue(i, "network", cmd.String("network"))

	do.Provide(i, func(i do.Injector) (*wallet.KeyWallet, error) {
		databaseService := do.MustInvoke[*common.DatabaseService](i)

		//nolint:wrapcheck
		return wallet.Named(databaseService.DB, cmd.String("wallet-name"), wallet.Network(cmd.String("network")), create)
	})
	do.Provide(i, func(i do.Injector) (wallet.Wallet, error) {
		return do.MustInvoke[*wallet.KeyWallet](i), nil
	})
}

func provideStore(i do.Injector, cmd *cli.Command) {
	do.Provide(i, func(_ do.Injector) (store.Store, error) {
		valkeyAddr := cmd.String("valkey-addr")
		if valkeyAddr != "" {
			//nolint:wrapcheck
			return store.NewValkeyStore(strings.Split(valkeyAddr, ","), cmd.String("valkey-namespace"))
		}

		return store.NewHTTPStore(cmd.String("store-url")), nil
	})
}

//nolint:cyclop,funlen
func runPlay(ctx context.Context, cmd *cli.Command) error {
	move, err := commitment.ParseMove(cmd.String("move"))
	if err != nil {
		return err //nolint:wrapcheck
	}

	amount, err := wallet.ToBaseUnits(cmd.String("amount"))
	if err != nil {
		return err //nolint:wrapcheck
	}

	i := do.New()

	defer func() {
		_ = i.Shutdown()
	}()

	provideCommon(i, cmd)
	provideWallet(i, cmd, true)
	provideStore(i, cmd)

	do.ProvideNamedValue(i, "lobby-retention-hours", cmd.Int("lobby-retention-hours"))
	do.ProvideNamedValue(i, "reveal-window-seconds", cmd.Int("reveal-window-seconds"))
	do.ProvideNamedValue(i, "poll-interval-seconds", cmd.Int("poll-interval-seconds"))

	do.Provide(i, coordinator.NewCoordinatorService)
	do.Provide(i, player.NewPlayerService)

	do.Provide(i, do.InvokeStruct[PlayerServices])

	playerServices, err := do.Invoke[PlayerServices](i)
	if err != nil {
		return fmt.Errorf("failed to create player services: %w", err)
	}

	coordinatorService := playerServices.CoordinatorService
	playerService := playerServices.PlayerService

	defer playerService.Close()

	address, err := coordinatorService.Wallet.Address()
	if err != nil {
		return err //nolint:wrapcheck
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	nickname := cmd.String("nickname")
	if nickname != "" {
		err = coordinatorService.SaveNickname(ctx, address, nickname)
		if err != nil {
			return err //nolint:wrapcheck
		}
	}

	var (
		m     match.Match
		state match.State
	)

	matchID := cmd.String("match-id")
	if matchID != "" {
		m, state, err = playerService.Play(ctx, matchID, move)
	} else {
		balance, balanceErr := coordinatorService.Wallet.Balance(ctx)
		if balanceErr != nil {
			return balanceErr //nolint:wrapcheck
		}

		if balance < amount {
			return fmt.Errorf("%w: balance %s, wager %s",
				wallet.ErrInsufficientFunds, wallet.FromBaseUnits(balance), wallet.FromBaseUnits(amount))
		}

		m, state, err = playerService.Automatch(ctx, amount, move)
	}

	if err != nil {
		return err //nolint:wrapcheck
	}

	side, _ := m.SideOf(address)

	fmt.Printf("match %s: %s, outcome %s (you are %s)\n", m.ID, state.Status, state.Outcome, side)

	return nil
}

func withWallet(cmd *cli.Command, create bool, fn func(*wallet.KeyWallet) error) error {
	i := do.New()

	defer func() {
		_ = i.Shutdown()
	}()

	provideCommon(i, cmd)
	provideWallet(i, cmd, create)

	w, err := do.Invoke[*wallet.KeyWallet](i)
	if err != nil {
		return fmt.Errorf("failed to open wallet: %w", err)
	}

	return fn(w)
}

func runWalletNew(_ context.Context, cmd *cli.Command) error {
	return withWallet(cmd, true, func(w *wallet.KeyWallet) error {
		address, err := w.Address()
		if err != nil {
			return err //nolint:wrapcheck
		}

		fmt.Println(address)

		return nil
	})
}

func runWalletImport(_ context.Context, cmd *cli.Command) error {
	i := do.New()

	defer func() {
		_ = i.Shutdown()
	}()

	provideCommon(i, cmd)

	databaseService, err := do.Invoke[*common.DatabaseService](i)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	w, err := wallet.FromWIF(databaseService.DB, cmd.String("wif"), wallet.Network(cmd.String("network")))
	if err != nil {
		return err //nolint:wrapcheck
	}

	err = w.Save(cmd.String("wallet-name"))
	if err != nil {
		return err //nolint:wrapcheck
	}

	address, err := w.Address()
	if err != nil {
		return err //nolint:wrapcheck
	}

	fmt.Println(address)

	return nil
}

func runWalletExport(_ context.Context, cmd *cli.Command) error {
	return withWallet(cmd, false, func(w *wallet.KeyWallet) error {
		wif, err := w.ExportWIF()
		if err != nil {
			return err //nolint:wrapcheck
		}

		fmt.Println(wif)

		return nil
	})
}

func runWalletBalance(ctx context.Context, cmd *cli.Command) error {
	return withWallet(cmd, false, func(w *wallet.KeyWallet) error {
		balance, err := w.Balance(ctx)
		if err != nil {
			return err //nolint:wrapcheck
		}

		fmt.Println(wallet.FromBaseUnits(balance))

		return nil
	})
}

func runWalletDeposit(ctx context.Context, cmd *cli.Command) error {
	amount, err := wallet.ToBaseUnits(cmd.String("amount"))
	if err != nil {
		return err //nolint:wrapcheck
	}

	return withWallet(cmd, false, func(w *wallet.KeyWallet) error {
		//nolint:wrapcheck
		return w.Deposit(ctx, amount)
	})
}

func runWalletSend(ctx context.Context, cmd *cli.Command) error {
	amount, err := wallet.ToBaseUnits(cmd.String("amount"))
	if err != nil {
		return err //nolint:wrapcheck
	}

	return withWallet(cmd, false, func(w *wallet.KeyWallet) error {
		txID, err := w.Send(ctx, cmd.String("to"), amount)
		if err != nil {
			return err //nolint:wrapcheck
		}

		fmt.Println(txID)

		return nil
	})
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "data-dir",
			Value:   "./janken/data",
			Sources: cli.EnvVars("JANKEN_DATA_DIR"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Sources: cli.EnvVars("JANKEN_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-file",
			Value:   "",
			Sources: cli.EnvVars("JANKEN_LOG_FILE"),
		},
	}
}

func walletFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:    "network",
			Value:   string(wallet.Testnet),
			Sources: cli.EnvVars("JANKEN_NETWORK"),
			Validator: func(network string) error {
				if network != string(wallet.Mainnet) && network != string(wallet.Testnet) {
					return fmt.Errorf("%w: %s", errUnknownNetwork, network)
				}

				return nil
			},
		},
		&cli.StringFlag{
			Name:    "wallet-name",
			Value:   "default",
			Sources: cli.EnvVars("JANKEN_WALLET_NAME"),
		},
	)
}

var errUnknownNetwork = errors.New("unknown network")

//nolint:funlen
func main() {
	//nolint:exhaustruct
	cmd := &cli.Command{
		Name:  "janken",
		Usage: "rock-paper-scissors wagers over commit-reveal",
		Commands: []*cli.Command{
			{
				Name:  "relay",
				Usage: "serve the shared store over HTTP",
				Flags: append(commonFlags(),
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_PORT"),
					},
					&cli.IntFlag{
						Name:    "change-log-limit",
						Value:   store.DefaultChangeLogLimit,
						Sources: cli.EnvVars("JANKEN_CHANGE_LOG_LIMIT"),
					},
				),
				Action: runRelay,
			},
			{
				Name:  "play",
				Usage: "enter the lobby and play one match",
				Flags: append(walletFlags(),
					&cli.StringFlag{
						Name:    "store-url",
						Value:   "http://localhost:3000",
						Sources: cli.EnvVars("JANKEN_STORE_URL"),
					},
					&cli.StringFlag{
						Name:    "valkey-addr",
						Value:   "",
						Sources: cli.EnvVars("JANKEN_VALKEY_ADDR"),
					},
					&cli.StringFlag{
						Name:    "valkey-namespace",
						Value:   store.DefaultValkeyNamespace,
						Sources: cli.EnvVars("JANKEN_VALKEY_NAMESPACE"),
					},
					&cli.IntFlag{
						Name:    "lobby-retention-hours",
						Value:   24, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_LOBBY_RETENTION_HOURS"),
					},
					&cli.IntFlag{
						Name:    "reveal-window-seconds",
						Value:   600, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_REVEAL_WINDOW_SECONDS"),
					},
					&cli.IntFlag{
						Name:    "poll-interval-seconds",
						Value:   2, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_POLL_INTERVAL_SECONDS"),
					},
					&cli.StringFlag{
						Name:    "amount",
						Value:   "0.001",
						Sources: cli.EnvVars("JANKEN_AMOUNT"),
					},
					&cli.StringFlag{
						Name:     "move",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "match-id",
						Usage: "resume or join a known match instead of entering the lobby",
					},
					&cli.StringFlag{
						Name:    "nickname",
						Sources: cli.EnvVars("JANKEN_NICKNAME"),
					},
				),
				Action: runPlay,
			},
			{
				Name:  "wallet",
				Usage: "manage the local wallet",
				Commands: []*cli.Command{
					{
						Name:   "new",
						Usage:  "create the named wallet if missing and print its address",
						Flags:  walletFlags(),
						Action: runWalletNew,
					},
					{
						Name:  "import",
						Usage: "save a WIF key under the wallet name",
						Flags: append(walletFlags(),
							&cli.StringFlag{Name: "wif", Required: true},
						),
						Action: runWalletImport,
					},
					{
						Name:   "export",
						Usage:  "print the WIF key",
						Flags:  walletFlags(),
						Action: runWalletExport,
					},
					{
						Name:   "balance",
						Flags:  walletFlags(),
						Action: runWalletBalance,
					},
					{
						Name:  "deposit",
						Usage: "credit the local ledger",
						Flags: append(walletFlags(),
							&cli.StringFlag{Name: "amount", Required: true},
						),
						Action: runWalletDeposit,
					},
					{
						Name: "send",
						Flags: append(walletFlags(),
							&cli.StringFlag{Name: "to", Required: true},
							&cli.StringFlag{Name: "amount", Required: true},
						),
						Action: runWalletSend,
					},
				},
			},
		},
		DefaultCommand: "relay",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
