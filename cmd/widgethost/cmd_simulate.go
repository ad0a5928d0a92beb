package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"widgethost/internal/browser"
	"widgethost/internal/browserthread"
	"widgethost/internal/config"
	"widgethost/internal/logging"
	"widgethost/internal/resourcehost"
	"widgethost/internal/routing"
	"widgethost/internal/widgethelper"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// SIMULATE - renderer processes opening windows and widgets concurrently
// =============================================================================

var (
	simProcesses int
	simWindows   int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate renderer processes opening windows and widgets",
	Long: `Starts the UI and IO threads, a resource dispatcher and one widget
helper per simulated render process, then has every process open windows,
popups and fullscreen widgets concurrently. Every fourth window suppresses
its opener and so cannot be routed from the requesting process.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simProcesses, "processes", 4, "Number of render processes")
	simulateCmd.Flags().IntVar(&simWindows, "windows", 8, "Windows opened per process")
}

type simulationOptions struct {
	Processes int
	Windows   int
}

type simulationResult struct {
	Windows            int
	UnroutableWindows  int
	Widgets            int
	Sessions           int
	HelpersRegistered  int
	HelpersAfterExit   int
	DispatchedRequests int64
	Dispatcher         resourcehost.Stats
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	res, err := runSimulation(ctx, cfg, simulationOptions{Processes: simProcesses, Windows: simWindows})
	if err != nil {
		return err
	}

	currentLogger().Info("simulation finished",
		zap.Int("windows", res.Windows),
		zap.Int("unroutable", res.UnroutableWindows),
		zap.Int("widgets", res.Widgets),
		zap.Int64("dispatched", res.DispatchedRequests))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "windows:             %d (%d unroutable)\n", res.Windows, res.UnroutableWindows)
	fmt.Fprintf(out, "widgets:             %d\n", res.Widgets)
	fmt.Fprintf(out, "view sessions:       %d\n", res.Sessions)
	fmt.Fprintf(out, "helpers registered:  %d (after release: %d)\n", res.HelpersRegistered, res.HelpersAfterExit)
	fmt.Fprintf(out, "requests dispatched: %d\n", res.DispatchedRequests)
	fmt.Fprintf(out, "still blocked:       %d routes, %d requests\n", res.Dispatcher.BlockedRoutes, res.Dispatcher.PendingRequests)
	return nil
}

func runSimulation(ctx context.Context, cfg *config.Config, opts simulationOptions) (simulationResult, error) {
	var res simulationResult
	if opts.Processes <= 0 || opts.Windows < 0 {
		return res, fmt.Errorf("simulate: need at least one process and a non-negative window count")
	}
	timer := logging.StartTimer(logging.CategoryBoot, "simulation")
	defer timer.Stop()

	threads := browserthread.New(browserthread.Options{QueueCapacity: cfg.Threads.QueueSize})
	threads.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		if err := threads.Shutdown(sctx); err != nil {
			currentLogger().Warn("thread shutdown", zap.Error(err))
		}
	}()

	var dispatched atomic.Int64
	dispatcher := resourcehost.NewDispatcher(func(req resourcehost.Request) {
		dispatched.Add(1)
		currentLogger().Debug("request dispatched",
			zap.Int("process", req.ProcessID), zap.Int32("route", req.RouteID), zap.String("url", req.URL))
	})
	views := browser.NewSessionManager(browser.FromConfig(cfg))
	if cfg.Browser.Enabled {
		if err := views.Start(ctx); err != nil {
			return res, fmt.Errorf("start browser: %w", err)
		}
		currentLogger().Info("browser connected", zap.String("control_url", views.ControlURL()))
	}
	defer func() { _ = views.Shutdown(context.Background()) }()

	registry := widgethelper.NewRegistry()
	allocator := &routing.Allocator{}

	helpers := make([]*widgethelper.Helper, opts.Processes)
	for i := range helpers {
		h := widgethelper.NewHelper(widgethelper.Options{
			Threads:   threads,
			Registry:  registry,
			Allocator: allocator,
			Hosts:     views,
		})
		if err := h.Init(i+1, dispatcher); err != nil {
			return res, fmt.Errorf("init helper %d: %w", i+1, err)
		}
		helpers[i] = h
	}

	var windows, unroutable, widgets atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range helpers {
		h := h // per-iteration copy: module targets go1.21 loop semantics
		processID := i + 1
		g.Go(func() error {
			opener := h.NextRoutingID()
			if _, err := views.RegisterOpener(gctx, processID, opener, fmt.Sprintf("https://renderer-%d.test/", processID)); err != nil {
				return err
			}
			storage := widgethelper.NewSessionStorageNamespace()
			defer storage.Release()

			for w := 0; w < opts.Windows; w++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				params := widgethelper.CreateWindowParams{
					OpenerID:         opener,
					OpenerSuppressed: w%4 == 3,
					TargetURL:        fmt.Sprintf("https://renderer-%d.test/window/%d", processID, w),
					Disposition:      widgethelper.DispositionNewPopup,
					UserGesture:      true,
				}
				routes, err := h.CreateNewWindow(params, false, storage)
				if err != nil {
					return err
				}
				windows.Add(1)
				if !routes.Routable() {
					unroutable.Add(1)
					continue
				}

				dispatcher.Enqueue(processID, routes.RouteID, params.TargetURL)
				if err := h.ResumeRequestsForView(routes.RouteID); err != nil {
					return err
				}

				nav := routing.GlobalRequestID{ChildID: processID, RequestID: fmt.Sprintf("nav-%d", routes.RouteID)}
				dispatcher.DeferNavigation(nav, func() {
					dispatcher.Enqueue(processID, routes.RouteID, params.TargetURL+"#committed")
				})
				if err := h.ResumeDeferredNavigation(nav); err != nil {
					return err
				}

				if _, err := h.CreateNewWidget(opener, widgethelper.PopupSelect); err != nil {
					return err
				}
				widgets.Add(1)
			}
			if _, err := h.CreateNewFullscreenWidget(opener); err != nil {
				return err
			}
			widgets.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("simulate: %w", err)
	}
	if err := threads.FlushAll(ctx); err != nil {
		return res, fmt.Errorf("simulate: %w", err)
	}
	res.HelpersRegistered = registry.Len()

	for _, h := range helpers {
		h.Release()
	}
	if err := threads.Flush(ctx, browserthread.IO); err != nil {
		return res, fmt.Errorf("simulate: %w", err)
	}

	res.Windows = int(windows.Load())
	res.UnroutableWindows = int(unroutable.Load())
	res.Widgets = int(widgets.Load())
	res.Sessions = len(views.List())
	res.HelpersAfterExit = registry.Len()
	res.DispatchedRequests = dispatched.Load()
	res.Dispatcher = dispatcher.Stats()

	logging.Get(logging.CategoryBoot).StructuredLog("info", "simulation finished", map[string]interface{}{
		"processes":  opts.Processes,
		"windows":    res.Windows,
		"unroutable": res.UnroutableWindows,
		"widgets":    res.Widgets,
		"sessions":   res.Sessions,
		"dispatched": res.DispatchedRequests,
	})
	return res, nil
}
