package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/engine"
	"github.com/hostbridge/vm-bridge/session"
	"github.com/hostbridge/vm-bridge/value"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to guest wasm file")
		modeName    = flag.String("mode", "direct", "Integration mode: direct or dedicated")
		entryName   = flag.String("entry", "entry", "Guest entry export")
		callSpec    = flag.String("call", "", "Static call after entry (Class.method)")
		callArgs    = flag.String("args", "", "Call arguments (comma-separated; typed by shape)")
		queueCap    = flag.Int("queue", 0, "Message queue capacity (dedicated mode)")
		verbose     = flag.Bool("v", false, "Verbose logging")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> [-mode direct|dedicated] [-call Class.method -args a,b]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	if *verbose {
		log, err := zap.NewDevelopment()
		if err == nil {
			engine.SetLogger(log)
		}
	}

	mode := session.ModeDirect
	if strings.EqualFold(*modeName, "dedicated") {
		mode = session.ModeDedicated
	}

	if *interactive {
		if err := runInteractive(*wasmFile, *entryName); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*wasmFile, *entryName, *callSpec, *callArgs, mode, *queueCap); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(wasmFile, entryName, callSpec, callArgs string, mode session.Mode, queueCap int) error {
	ctx := context.Background()

	data, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	eng, err := engine.New(ctx)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer eng.Close(ctx)

	rt, err := eng.NewRuntime(ctx, &engine.Config{EntryExport: entryName})
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	s, err := session.New(rt, session.Config{
		Name:          wasmFile,
		Mode:          mode,
		QueueCapacity: queueCap,
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer s.Destroy(ctx)

	// In direct mode this thread executes guest code; keep it on one
	// OS thread so its registered stack origin stays valid.
	if mode == session.ModeDirect {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if err := s.Init(flag.Args()); err != nil {
		return err
	}
	if err := s.LoadModule(ctx, data); err != nil {
		return err
	}

	fmt.Printf("Guest: %s\n", wasmFile)
	fmt.Printf("Mode: %s\n", mode)

	switch mode {
	case session.ModeDirect:
		if err := s.CallEntry(ctx); err != nil {
			return err
		}
		if callSpec != "" {
			if err := staticCall(ctx, s, callSpec, callArgs); err != nil {
				return err
			}
		}
		for s.HasPendingWork() {
			if err := s.Pump(ctx); err != nil {
				return err
			}
		}

	case session.ModeDedicated:
		if err := s.Start(ctx); err != nil {
			return err
		}
		if callSpec != "" {
			if err := s.SubmitSync(ctx, func(ctx context.Context, s *session.Session) error {
				return staticCall(ctx, s, callSpec, callArgs)
			}); err != nil {
				return err
			}
		}
		if err := s.Stop(); err != nil {
			return err
		}
	}

	stats := s.GCStats()
	fmt.Printf("GC: %d live objects, %d heap bytes, %d roots\n",
		stats.LiveObjects, stats.HeapBytes, stats.Roots)
	return s.Close(ctx)
}

func staticCall(ctx context.Context, s *session.Session, spec, rawArgs string) error {
	class, method, ok := strings.Cut(spec, ".")
	if !ok {
		return fmt.Errorf("call spec %q: want Class.method", spec)
	}

	handles, err := boxArgList(ctx, s, rawArgs)
	if err != nil {
		return err
	}

	res, err := s.StaticCall(ctx, class, method, handles...)
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Printf("%s: (void)\n", spec)
		return nil
	}
	defer s.Release(res)

	out, err := formatResult(ctx, s, res)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", spec, out)
	return nil
}

func boxArgList(ctx context.Context, s *session.Session, rawArgs string) ([]*value.Handle, error) {
	if rawArgs == "" {
		return nil, nil
	}
	var handles []*value.Handle
	for _, raw := range strings.Split(rawArgs, ",") {
		h, err := boxArg(ctx, s, strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// boxArg types an argument by shape: bool literals, then integers, then
// floats, falling back to string.
func boxArg(ctx context.Context, s *session.Session, raw string) (*value.Handle, error) {
	switch raw {
	case "true":
		return s.BoxBool(ctx, true)
	case "false":
		return s.BoxBool(ctx, false)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return s.BoxInt(ctx, n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return s.BoxFloat(ctx, f)
	}
	return s.BoxString(ctx, raw)
}

func formatResult(ctx context.Context, s *session.Session, h *value.Handle) (string, error) {
	switch h.Kind() {
	case vmbridge.KindInt:
		n, err := s.UnboxInt(ctx, h)
		return strconv.FormatInt(n, 10), err
	case vmbridge.KindFloat:
		f, err := s.UnboxFloat(ctx, h)
		return strconv.FormatFloat(f, 'g', -1, 64), err
	case vmbridge.KindBool:
		b, err := s.UnboxBool(ctx, h)
		return strconv.FormatBool(b), err
	case vmbridge.KindString:
		str, err := s.UnboxString(ctx, h)
		if err != nil {
			return "", err
		}
		return strconv.Quote(str), nil
	default:
		return fmt.Sprintf("<%s ref=%d>", h.Kind(), h.Ref()), nil
	}
}
