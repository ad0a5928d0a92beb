package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"widgethost/internal/logging"
	"widgethost/internal/taskgraph"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// TASKGRAPH - layered raster graph on the shared runner
// =============================================================================

var (
	graphLayers int
	graphWidth  int
)

var taskgraphCmd = &cobra.Command{
	Use:   "taskgraph",
	Short: "Run a layered task graph on the shared runner",
	Long: `Builds a graph of --layers layers with --width tasks each, where every
task depends on all tasks of the previous layer, schedules it on the shared
task graph runner and prints the order the worker ran the tasks in.`,
	RunE: runTaskGraphCmd,
}

func init() {
	taskgraphCmd.Flags().IntVar(&graphLayers, "layers", 3, "Number of dependency layers")
	taskgraphCmd.Flags().IntVar(&graphWidth, "width", 4, "Tasks per layer")
}

func runTaskGraphCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	taskgraph.SetInstanceName(cfg.TaskGraph.RunnerName)
	defer taskgraph.ShutdownInstance()

	order, stats, err := runLayeredGraph(ctx, taskgraph.Instance(), graphLayers, graphWidth)
	if err != nil {
		return err
	}
	currentLogger().Info("task graph finished",
		zap.String("runner", cfg.TaskGraph.RunnerName),
		zap.Int("completed", stats.Completed),
		zap.Int("panicked", stats.Panicked))

	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(order, " "))
	return nil
}

// runLayeredGraph schedules a layered graph on r and returns the run order.
// Within a layer the priority rises with the column, so the last column of
// each layer runs first.
func runLayeredGraph(ctx context.Context, r *taskgraph.Runner, layers, width int) ([]string, taskgraph.Stats, error) {
	if layers <= 0 || width <= 0 {
		return nil, taskgraph.Stats{}, fmt.Errorf("taskgraph: layers and width must be positive")
	}
	timer := logging.StartTimer(logging.CategoryTaskGraph, fmt.Sprintf("layered graph %dx%d", layers, width))
	defer timer.StopWithThreshold(time.Second)

	var mu sync.Mutex
	var order []string

	g := &taskgraph.Graph{}
	var prev []taskgraph.Task
	for l := 0; l < layers; l++ {
		cur := make([]taskgraph.Task, 0, width)
		for c := 0; c < width; c++ {
			name := fmt.Sprintf("L%dC%d", l, c)
			task := taskgraph.Func(func() {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			})
			g.AddNode(task, uint16(l), uint16(width-c))
			cur = append(cur, task)
		}
		for _, dep := range prev {
			for _, t := range cur {
				g.AddEdge(dep, t)
			}
		}
		prev = cur
	}

	token := r.GenerateNamespaceToken()
	if err := r.ScheduleTasks(token, g); err != nil {
		return nil, taskgraph.Stats{}, fmt.Errorf("schedule: %w", err)
	}
	if err := r.WaitForTasksToFinishRunning(ctx, token); err != nil {
		return nil, taskgraph.Stats{}, fmt.Errorf("wait: %w", err)
	}
	if n := len(r.CollectCompletedTasks(token)); n != layers*width {
		return nil, taskgraph.Stats{}, fmt.Errorf("taskgraph: %d of %d tasks completed", n, layers*width)
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), order...), r.Stats(), nil
}
