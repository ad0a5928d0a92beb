package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"widgethost/internal/browser"
	"widgethost/internal/browserthread"
	"widgethost/internal/resourcehost"
	"widgethost/internal/routing"
	"widgethost/internal/widgethelper"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// BROWSER - windows backed by real browser pages
// =============================================================================

var (
	browserDebuggerURL string
	browserChildren    int
	browserDetached    bool
)

var browserCmd = &cobra.Command{
	Use:   "browser [opener-url] [window-url]",
	Short: "Open windows from an opener page in a real browser",
	Long: `Connects to (or launches) a browser, registers a page at opener-url as
the opener view of render process 1 and has the widget helper open
--windows windows at window-url from it. Windows share the opener's session
storage. With --detached no browser is used and only bookkeeping is shown.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runBrowser,
}

func init() {
	browserCmd.Flags().StringVar(&browserDebuggerURL, "debugger-url", "", "DevTools WebSocket URL of a running browser")
	browserCmd.Flags().IntVar(&browserChildren, "windows", 2, "Windows to open from the opener")
	browserCmd.Flags().BoolVar(&browserDetached, "detached", false, "Do not connect to a browser")
}

func runBrowser(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bc := browser.FromConfig(cfg)
	if browserDebuggerURL != "" {
		bc.DebuggerURL = browserDebuggerURL
	}

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	openerURL := args[0]
	windowURL := openerURL
	if len(args) > 1 {
		windowURL = args[1]
	}

	sm := browser.NewSessionManager(bc)
	if !browserDetached {
		if err := sm.Start(ctx); err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
		currentLogger().Info("browser connected", zap.String("control_url", sm.ControlURL()))
	}
	defer func() {
		if err := sm.Shutdown(context.Background()); err != nil {
			currentLogger().Warn("browser shutdown", zap.Error(err))
		}
	}()

	sessions, err := openWindows(ctx, sm, openerURL, windowURL, browserChildren)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROCESS\tROUTE\tOPENER\tKIND\tSTATUS\tURL")
	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\n", s.ProcessID, s.RouteID, s.OpenerRouteID, s.Kind, s.Status, s.URL)
	}
	return w.Flush()
}

// openWindows registers an opener on sm and opens n windows from it
// through a widget helper, returning every session afterwards.
func openWindows(ctx context.Context, sm *browser.SessionManager, openerURL, windowURL string, n int) ([]browser.Session, error) {
	const processID = 1

	threads := browserthread.New(browserthread.Options{})
	threads.Start()
	defer func() { _ = threads.Shutdown(context.Background()) }()

	dispatcher := resourcehost.NewDispatcher(nil)
	helper := widgethelper.NewHelper(widgethelper.Options{
		Threads:   threads,
		Registry:  widgethelper.NewRegistry(),
		Allocator: &routing.Allocator{},
		Hosts:     sm,
	})
	defer helper.Release()
	if err := helper.Init(processID, dispatcher); err != nil {
		return nil, err
	}

	opener := helper.NextRoutingID()
	if _, err := sm.RegisterOpener(ctx, processID, opener, openerURL); err != nil {
		return nil, fmt.Errorf("register opener: %w", err)
	}

	storage := widgethelper.NewSessionStorageNamespace()
	defer storage.Release()
	for i := 0; i < n; i++ {
		routes, err := helper.CreateNewWindow(widgethelper.CreateWindowParams{
			OpenerID:    opener,
			TargetURL:   windowURL,
			FrameName:   fmt.Sprintf("child-%d", i),
			Disposition: widgethelper.DispositionNewForegroundTab,
			UserGesture: true,
		}, false, storage)
		if err != nil {
			return nil, err
		}
		if err := helper.ResumeRequestsForView(routes.RouteID); err != nil {
			return nil, err
		}
	}
	if err := threads.FlushAll(ctx); err != nil {
		return nil, err
	}
	return sm.List(), nil
}
