package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"backfeed.org/internal/audit"
	"backfeed.org/internal/config"
	"backfeed.org/internal/ids"
	"backfeed.org/internal/obs"
	"backfeed.org/internal/reserve"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const usage = `usage: idpool [-env file] <command> [flags] [args]

commands:
  init       mint a fresh pool, or seed it from a word list (-words)
  suggest    reserve ids under a lease (-n, -prefer)
  get        take one id straight to used
  check      report whether ids are available (-reserved)
  confirm    mark reserved ids as used
  custom     record caller-chosen ids as used
  sweep      release expired reservations
  replenish  top the pool up (-n for an explicit amount)
  stats      print pool counts as JSON
  numeric    print time-ordered 53-bit numeric ids (-n, -decompose)
  stress     hammer the pool concurrently and verify uniqueness
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		obs.Logger().Error().Err(err).Msg("idpool failed")
		fmt.Fprintln(os.Stderr, "idpool:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("idpool", flag.ContinueOnError)
	envFile := global.String("env", "", "optional .env file read beneath the process environment")
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return flag.ErrHelp
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	obs.SetLogLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cmd, rest := global.Arg(0), global.Args()[1:]
	ctx = audit.WithActor(audit.WithRequestID(ctx, ids.NewOpID()), os.Getenv("USER"))
	if cmd == "numeric" {
		return runNumeric(cfg, rest, stdout)
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()
	a := b.allocator

	switch cmd {
	case "init":
		fs := flag.NewFlagSet("init", flag.ContinueOnError)
		count := fs.Int("count", cfg.LowWaterMark, "ids to mint")
		words := fs.String("words", "", "file with one seed id per line")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var n int
		if *words != "" {
			list, err := readLines(*words)
			if err != nil {
				return err
			}
			n, err = a.InitializeWithWords(ctx, list)
			if err != nil {
				return err
			}
		} else if n, err = a.InitializeReserve(ctx, *count); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "inserted %d\n", n)

	case "suggest":
		fs := flag.NewFlagSet("suggest", flag.ContinueOnError)
		n := fs.Int("n", 5, "ids to reserve")
		prefer := fs.String("prefer", "", "id to reserve first when it is free")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		got, err := a.GetIDs(ctx, *n, *prefer)
		if err != nil {
			return err
		}
		for _, id := range got {
			fmt.Fprintln(stdout, id)
		}
		if len(got) < *n {
			return fmt.Errorf("reserved %d of %d ids", len(got), *n)
		}

	case "get":
		id, err := a.GetID(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, id)

	case "check":
		fs := flag.NewFlagSet("check", flag.ContinueOnError)
		reserved := fs.Bool("reserved", false, "count reserved ids as available")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() == 0 {
			return errors.New("check: at least one id is required")
		}
		for _, id := range fs.Args() {
			ok, err := a.IsIDAvailable(ctx, id, *reserved)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s\t%s\n", id, availability(ok))
		}

	case "confirm":
		if len(rest) == 0 {
			return errors.New("confirm: at least one id is required")
		}
		for _, id := range rest {
			ok, err := a.MarkIDAsUsed(ctx, id)
			if err != nil {
				return err
			}
			state := "confirmed"
			if !ok {
				state = "unchanged"
			}
			fmt.Fprintf(stdout, "%s\t%s\n", id, state)
		}

	case "custom":
		if len(rest) == 0 {
			return errors.New("custom: at least one id is required")
		}
		for _, id := range rest {
			if err := a.AddCustomID(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s\tused\n", id)
		}

	case "sweep":
		n, err := a.CleanupExpiredReservations(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "released %d\n", n)

	case "replenish":
		fs := flag.NewFlagSet("replenish", flag.ContinueOnError)
		n := fs.Int("n", 0, "mint exactly this many instead of topping up to the low-water mark")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var minted int
		if *n > 0 {
			minted, err = a.ReplenishReserve(ctx, *n)
		} else {
			minted, err = a.ReplenishIfNeeded(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "inserted %d\n", minted)

	case "stats":
		st, err := a.Stats(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			reserve.Stats
			Store        string `json:"store"`
			LowWaterMark int    `json:"low_water_mark"`
			LeaseTimeout string `json:"lease_timeout"`
		}{st, cfg.Store, a.LowWaterMark(), a.LeaseTimeout().String()})

	case "stress":
		return runStress(ctx, a, rest, stdout)

	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func runNumeric(cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("numeric", flag.ContinueOnError)
	n := fs.Int("n", 1, "ids to print")
	decompose := fs.Bool("decompose", false, "print the fields of each id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	gen, err := ids.NewMonotonic(cfg.NumericShard, cfg.NumericWorker)
	if err != nil {
		return err
	}
	for i := 0; i < *n; i++ {
		id, err := gen.Next()
		if err != nil {
			return err
		}
		if !*decompose {
			fmt.Fprintln(stdout, id)
			continue
		}
		p := gen.Decompose(id)
		fmt.Fprintf(stdout, "%d\tts=%s shard=%d worker=%d seq=%d\n", id, p.Timestamp.UTC().Format(time.RFC3339Nano), p.Shard, p.Worker, p.Sequence)
	}
	return nil
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
