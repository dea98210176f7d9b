// Command linbod is the composition root for the LINBO control plane: it
// wires the Key/Value Store Adapter, Event Bus, SSH Executor, Authority
// API Client, GRUB Generator, Sync Engine, Operation Engine, Image Sync
// Engine, Package Updater, and Host Status Scanner together and exposes
// them over a cobra.Command tree. Background workers are started here,
// never from package init.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linuxmuster-net/linbo-ctrl/internal/authority"
	"github.com/linuxmuster-net/linbo-ctrl/internal/config"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/fixtures"
	"github.com/linuxmuster-net/linbo-ctrl/internal/grub"
	"github.com/linuxmuster-net/linbo-ctrl/internal/hoststatus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/imagesync"
	"github.com/linuxmuster-net/linbo-ctrl/internal/kv"
	"github.com/linuxmuster-net/linbo-ctrl/internal/operation"
	"github.com/linuxmuster-net/linbo-ctrl/internal/pkgupdate"
	"github.com/linuxmuster-net/linbo-ctrl/internal/server"
	"github.com/linuxmuster-net/linbo-ctrl/internal/settings"
	"github.com/linuxmuster-net/linbo-ctrl/internal/sshexec"
	"github.com/linuxmuster-net/linbo-ctrl/internal/syncengine"
)

var (
	version   = "dev"
	gitCommit = ""
)

// app bundles every constructed engine, handed to each subcommand.
type app struct {
	cfg      *config.Config
	store    kv.Store
	bus      *eventbus.Bus
	settings *settings.Store
	grub     *grub.Generator
	sync     *syncengine.Engine
	op       *operation.Engine
	images   *imagesync.Engine
	update   *pkgupdate.Engine
	hosts    *hoststatus.Scanner
	server   *server.Server

	closers []func() error

	tickerMu     sync.Mutex
	tickerCancel context.CancelFunc
}

func newApp() *app {
	cfg := config.Load()

	redisStore := kv.NewRedisStore(cfg.RedisAddr)
	bus := eventbus.New()

	set := settings.New(redisStore, settings.Defaults{
		AuthorityURL: cfg.LMNAPIURL,
		AuthorityKey: cfg.LMNAPIKey,
		ServerIP:     cfg.ServerIP,
		SyncInterval: cfg.SyncInterval,
	}, bus)

	ctx := context.Background()
	authClient := authority.New(set.AuthorityURL(ctx), set.AuthorityKey(ctx))

	g := grub.New(cfg.LinboDir, set.ServerIP(ctx), 80)

	syncEngine := syncengine.New(cfg.LinboDir, set.ServerIP(ctx), 80, authClient, redisStore, bus)

	sshExec := sshexec.NewPoolExecutor(sshexec.NewPool(nil))

	opEngine := operation.New(operation.Config{
		Store:          redisStore,
		SSH:            sshExec,
		Hosts:          syncEngine,
		Bus:            bus,
		LinboDir:       cfg.LinboDir,
		MaxConcurrency: cfg.MaxSSHConcurrency,
		SSHTimeout:     cfg.SSHTimeout,
		Logger:         log.New(os.Stderr, "[operation] ", log.LstdFlags),
	})

	imgEngine := imagesync.New(cfg.LinboDir, cfg.ImageSyncBwlimitMbps, authClient, redisStore, bus)

	updEngine := pkgupdate.New(cfg.LinboDir, cfg.DebBaseURL, cfg.DebDist, cfg.UpdateLinbofsScript, redisStore, bus, g, syncEngine)

	scanner := hoststatus.New(hoststatus.Config{
		Hosts:          syncEngine,
		SSH:            sshExec,
		Bus:            bus,
		OfflineTimeout: cfg.HostOfflineTimeout,
	})

	a := &app{
		cfg:      cfg,
		store:    redisStore,
		bus:      bus,
		settings: set,
		grub:     g,
		sync:     syncEngine,
		op:       opEngine,
		images:   imgEngine,
		update:   updEngine,
		hosts:    scanner,
	}
	a.server = server.New(server.Config{
		ListenAddr: ":8080",
		Sync:       syncEngine,
		Operation:  opEngine,
		Images:     imgEngine,
		Update:     updEngine,
		Settings:   set,
	})
	a.closers = append(a.closers, redisStore.Close)

	set.OnIntervalChange(func(d time.Duration) {
		a.restartSyncTicker(d)
	})

	return a
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

// startSyncTicker and restartSyncTicker implement a restartable periodic
// trigger for the Sync Engine, so a live interval change
// (Settings.OnIntervalChange) takes effect without restarting the
// process.
func (a *app) startSyncTicker(ctx context.Context, interval time.Duration) {
	a.tickerMu.Lock()
	defer a.tickerMu.Unlock()
	tickerCtx, cancel := context.WithCancel(ctx)
	a.tickerCancel = cancel
	if interval <= 0 || !a.cfg.SyncEnabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				if _, err := a.sync.Run(tickerCtx); err != nil {
					log.Printf("[sync] scheduled run failed: %v", err)
				}
			}
		}
	}()
}

func (a *app) restartSyncTicker(interval time.Duration) {
	a.tickerMu.Lock()
	cancel := a.tickerCancel
	a.tickerMu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.startSyncTicker(context.Background(), interval)
}

func main() {
	root := &cobra.Command{
		Use:   "linbod",
		Short: "LINBO PXE/imaging control plane",
		Long:  "linbod runs the sync, GRUB generation, operation, image-sync, package-update, and host-status engines that drive a LINBO fleet.",
	}
	root.Version = fmt.Sprintf("%s (%s)", version, gitCommit)

	root.AddCommand(serveCmd(), syncCmd(), grubCmd(), opCmd(), updateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var seedPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and all background engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Println("shutting down")
				cancel()
			}()

			a := newApp()
			defer a.close()

			if seedPath != "" {
				seed, err := fixtures.LoadFile(seedPath)
				if err != nil {
					return fmt.Errorf("loading seed file: %w", err)
				}
				if err := fixtures.Apply(ctx, a.sync, seed); err != nil {
					return fmt.Errorf("applying seed file: %w", err)
				}
				log.Printf("[fixtures] loaded %d host(s), %d config(s) from %s", len(seed.Hosts), len(seed.Configs), seedPath)
			}

			if err := a.images.RecoverOnStartup(ctx); err != nil {
				log.Printf("[imagesync] recovery: %v", err)
			}
			if err := a.update.RecoverOnStartup(ctx); err != nil {
				log.Printf("[pkgupdate] recovery: %v", err)
			}

			a.startSyncTicker(ctx, a.settings.SyncInterval(ctx))
			go a.hosts.Run(ctx, a.cfg.HostOfflineTimeout/2)

			return a.server.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "load a local-development YAML seed file of hosts/configs into the Sync Engine's cache, bypassing the authority API")
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Sync Engine controls"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Trigger one sync cycle and print the resulting stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.close()
			stats, err := a.sync.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.close()
			st, err := a.sync.State(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})
	return cmd
}

func grubCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "grub", Short: "GRUB Generator controls"}
	cmd.AddCommand(&cobra.Command{
		Use:   "regenerate",
		Short: "Regenerate every GRUB artefact from the currently cached hosts/configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.close()
			ctx := cmd.Context()
			hosts, err := a.sync.Hosts(ctx)
			if err != nil {
				return err
			}
			configs, err := a.sync.Configs(ctx)
			if err != nil {
				return err
			}
			if err := a.grub.RegenerateAll(hosts, configs, grub.RegenerateOpts{}); err != nil {
				return err
			}
			fmt.Printf("regenerated GRUB artefacts for %d host(s), %d config(s)\n", len(hosts), len(configs))
			return nil
		},
	})
	return cmd
}

func opCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "op", Short: "Remote Operation Engine controls"}
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel [operation-id]",
		Short: "Request cancellation of a running operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.close()
			op, err := a.op.CancelOperation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(op)
		},
	})
	return cmd
}

func updateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "update", Short: "LINBO Package Updater controls"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current package-update status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.close()
			st, err := a.update.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Trigger a package update",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.close()
			st, err := a.update.Trigger(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
