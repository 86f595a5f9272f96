package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"backfeed.org/internal/obs"
	"backfeed.org/internal/reserve"
)

type stressReport struct {
	Requests   int
	Issued     int
	Duplicates []string
	Failures   int64
	Short      int64
	Elapsed    time.Duration
}

// runStress fires concurrent GetIDs/GetID calls through a worker pool and
// fails if any id was handed out twice.
func runStress(ctx context.Context, a *reserve.Allocator, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	workers := fs.Int("workers", 32, "concurrent workers")
	requests := fs.Int("requests", 1000, "allocation calls to make")
	batch := fs.Int("batch", 3, "ids per GetIDs call; every fourth call uses GetID instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rep, err := stress(ctx, a, *workers, *requests, *batch)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "requests=%d issued=%d failures=%d short=%d elapsed=%s\n",
		rep.Requests, rep.Issued, rep.Failures, rep.Short, rep.Elapsed.Round(time.Millisecond))
	if err := printCounters(stdout); err != nil {
		return err
	}
	st, err := a.Stats(ctx)
	if err != nil {
		return err
	}
	return rep.verdict(st.Available)
}

// verdict fails a run that issued an id twice, or that reported errors or
// short results while the pool still held available ids.
func (r stressReport) verdict(available int) error {
	if len(r.Duplicates) > 0 {
		return fmt.Errorf("%d ids issued more than once: %s", len(r.Duplicates), strings.Join(r.Duplicates, ", "))
	}
	if available > 0 && (r.Failures > 0 || r.Short > 0) {
		return fmt.Errorf("failures=%d short=%d with %d ids still available", r.Failures, r.Short, available)
	}
	return nil
}

func stress(ctx context.Context, a *reserve.Allocator, workers, requests, batch int) (stressReport, error) {
	if workers <= 0 || requests <= 0 || batch <= 0 {
		return stressReport{}, errors.New("stress: workers, requests and batch must be positive")
	}
	log := obs.Component("stress")
	pool, err := ants.NewPool(workers,
		ants.WithPreAlloc(true),
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("stress worker panicked")
		}),
	)
	if err != nil {
		return stressReport{}, err
	}
	defer pool.Release()

	var (
		mu       sync.Mutex
		seen     = make(map[string]int, requests*batch)
		wg       sync.WaitGroup
		failures atomic.Int64
		short    atomic.Int64
	)
	record := func(got []string) {
		mu.Lock()
		for _, id := range got {
			seen[id]++
		}
		mu.Unlock()
	}

	started := time.Now()
	for i := 0; i < requests; i++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		single := i%4 == 3
		err := pool.Submit(func() {
			defer wg.Done()
			if single {
				id, err := a.GetID(ctx)
				if err != nil {
					failures.Add(1)
					log.Debug().Err(err).Msg("GetID failed")
					return
				}
				record([]string{id})
				return
			}
			got, err := a.GetIDs(ctx, batch, "")
			if err != nil {
				failures.Add(1)
				log.Debug().Err(err).Msg("GetIDs failed")
				return
			}
			if len(got) < batch {
				short.Add(1)
			}
			record(got)
		})
		if err != nil {
			wg.Done()
			return stressReport{}, fmt.Errorf("submit: %w", err)
		}
	}
	wg.Wait()

	rep := stressReport{
		Requests: requests,
		Issued:   len(seen),
		Failures: failures.Load(),
		Short:    short.Load(),
		Elapsed:  time.Since(started),
	}
	for id, n := range seen {
		if n > 1 {
			rep.Duplicates = append(rep.Duplicates, id)
		}
	}
	sort.Strings(rep.Duplicates)
	return rep, nil
}

// printCounters writes the idpool_* counters and gauges from the default registry.
func printCounters(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "idpool_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			fmt.Fprintf(w, "%s %g\n", name, v)
		}
	}
	return nil
}
