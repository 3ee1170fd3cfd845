package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/config"
	"github.com/khryptorgraphics/stars/internal/dispatch"
	"github.com/khryptorgraphics/stars/internal/logging"
	"github.com/khryptorgraphics/stars/internal/node"
	"github.com/khryptorgraphics/stars/internal/wire"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var smoke bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a standalone three-node overlay harness",
		Long: "Runs one root node and two leaf execution nodes wired over an " +
			"in-process transport, to exercise the core scheduler without a " +
			"real network or execution backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, smoke)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default: built-in defaults)")
	cmd.Flags().BoolVar(&smoke, "smoke", false, "inject one demo task bag after startup and exit once dispatched")
	return cmd
}

func runServe(configPath string, smoke bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Component: "stars-node",
		Level:     cfg.Logging.Level,
		Format:    logging.Format(cfg.Logging.Format),
	})

	clk := clock.System{}
	h := newHub()

	rootCtrl := &logController{
		onPause: func(id uint32) { log.Debug().Uint32("task", id).Str("node", "root").Msg("pausing task") },
		onStart: func(id uint32) { log.Info().Uint32("task", id).Str("node", "root").Msg("starting task") },
	}
	leafACtrl := &logController{
		onPause: func(id uint32) { log.Debug().Uint32("task", id).Str("node", "leaf-a").Msg("pausing task") },
		onStart: func(id uint32) { log.Info().Uint32("task", id).Str("node", "leaf-a").Msg("starting task") },
	}
	leafBCtrl := &logController{
		onPause: func(id uint32) { log.Debug().Uint32("task", id).Str("node", "leaf-b").Msg("pausing task") },
		onStart: func(id uint32) { log.Info().Uint32("task", id).Str("node", "leaf-b").Msg("starting task") },
	}

	root := node.New("root", "", clk, log, *cfg, &staticBackend{mem: 16384, disk: 512000, power: 1.0}, rootCtrl, h.senderFor("root"))
	leafA := node.New("leaf-a", "root", clk, log, *cfg, &staticBackend{mem: 8192, disk: 256000, power: 1.2}, leafACtrl, h.senderFor("leaf-a"))
	leafB := node.New("leaf-b", "root", clk, log, *cfg, &staticBackend{mem: 4096, disk: 128000, power: 0.8}, leafBCtrl, h.senderFor("leaf-b"))

	h.register(root, "root")
	h.register(leafA, "leaf-a")
	h.register(leafB, "leaf-b")

	root.AddChild("leaf-a", 1.0, true)
	root.AddChild("leaf-b", 1.0, true)

	leafA.OnLocalAccept = func(bag dispatch.TaskBag) {
		log.Info().Uint64("count", bag.Count()).Str("node", "leaf-a").Msg("accepted tasks locally")
	}
	leafB.OnLocalAccept = func(bag dispatch.TaskBag) {
		log.Info().Uint64("count", bag.Count()).Str("node", "leaf-b").Msg("accepted tasks locally")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leafA.Run(ctx)
	leafB.Run(ctx)
	root.Run(ctx)

	if smoke {
		time.Sleep(50 * time.Millisecond)
		bag := dispatch.TaskBag{
			Requester: uuid.NewString(),
			RequestID: 1,
			FirstTask: 0,
			LastTask:  7,
			Requirements: dispatch.Requirements{
				Mem:  512,
				Disk: 1024,
			},
			FromEN: false,
		}
		log.Info().Str("requester", bag.Requester).Uint64("count", bag.Count()).Msg("injecting smoke-run task bag")
		root.Deliver(node.Inbound{From: "", Type: wire.TagTaskBag, Payload: wire.EncodeTaskBag(bag)})
		time.Sleep(100 * time.Millisecond)
		cancel()
		root.Stop()
		leafA.Stop()
		leafB.Stop()
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	cancel()
	root.Stop()
	leafA.Stop()
	leafB.Stop()
	return nil
}
