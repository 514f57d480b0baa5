// Command pageflow is the CLI boundary for the page-readiness pipeline: a
// thin wrapper that opens an optional path at an optional starting page and
// drives the render loop until told to quit. It exists only to mark where
// the library stops and a host application's UI would begin.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quay/zlog"

	"github.com/pageflow/pageflow"
	"github.com/pageflow/pageflow/config"
	"github.com/pageflow/pageflow/events"
	"github.com/pageflow/pageflow/viewer"
)

// restartExitCode is returned when the process should be relaunched by its
// parent, the only case being a rendering-backend change requested while
// running: the GPU/CPU backend choice is fixed for a process's lifetime.
const restartExitCode = 1000

// stubUploader is the CLI's placeholder GPU uploader: it hands out
// incrementing fake texture ids without ever touching a real GPU context,
// since the actual rendering surface is a host-application concern.
type stubUploader struct{ next uint32 }

func (u *stubUploader) Upload(key pageflow.TextureKey, bm *pageflow.Bitmap) (uint32, error) {
	u.next++
	return u.next, nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	reload := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		<-quit
		cancel()
	}()

	fs := flag.NewFlagSet("pageflow", flag.ExitOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: %s [-backend Cpu|CpuMT|Gpu] [path] [page]\n", os.Args[0])
		fs.PrintDefaults()
	}
	backend := fs.String("backend", string(config.Defaults().RenderingBackend), "rendering backend")
	if err := fs.Parse(os.Args[1:]); err != nil {
		zlog.Error(ctx).Err(err).Msg("parsing arguments")
		os.Exit(2)
	}

	var path string
	var page int
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if fs.NArg() > 1 {
		p, err := strconv.Atoi(fs.Arg(1))
		if err == nil {
			page = p
		}
	}

	opts := config.Defaults()
	opts.RenderingBackend = config.RenderingBackend(*backend)
	opts.Validate()
	currentBackend := opts.RenderingBackend

	core := viewer.New(&stubUploader{})
	core.Configure(opts)

	core.Bus().OnExtractionFinished(func(ev events.ExtractionFinished) {
		zlog.Info(ctx).Str("status", ev.Status.String()).Msg("extraction finished")
	})

	if path != "" {
		if err := core.Open(path); err != nil {
			zlog.Error(ctx).Err(err).Str("path", path).Msg("opening path")
			os.Exit(1)
		}
		core.Display(pageflow.PageIndex(page))
	}

	// SIGHUP reloads the rendering backend from the environment; since the
	// GPU/CPU backend choice is wired once at process start, a change
	// requires the parent to relaunch us rather than swapping it in place.
	var restartRequested atomic.Bool
	go func() {
		for range reload {
			next := config.RenderingBackend(os.Getenv("PAGEFLOW_RENDERING_BACKEND"))
			if next != "" && next != currentBackend {
				restartRequested.Store(true)
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			core.RenderFrame()
		}
	}

	core.Shutdown(5 * time.Second)
	if restartRequested.Load() {
		os.Exit(restartExitCode)
	}
}
