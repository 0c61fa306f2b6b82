// Package healthmon continuously samples the health of the running process
// and publishes one Sample per tick on a stream.
//
// Each Sample carries memory usage, process CPU utilization, per-core host
// CPU times and load averages, and optionally scheduler delay percentiles,
// live resource counts by type, garbage collection activity and scheduler
// utilization.
//
// Design goals:
//   - Lock-free histograms and counters on the recording paths
//   - Backpressure instead of buffering: a slow consumer suspends sampling
//   - No history beyond the current aggregation window
//
// Basic usage:
//
//	cfg := healthmon.DefaultConfig()
//	cfg.SampleRate = 10
//	cfg.TrackGC = true
//
//	m, err := healthmon.New(cfg, healthmon.WithLogger(logger))
//	if err != nil {
//	  log.Fatal(err)
//	}
//	if err := m.Start(ctx); err != nil {
//	  log.Fatal(err)
//	}
//	defer m.Stop()
//
//	for s := range m.Samples() {
//	  fmt.Println(s.CPU, s.Memory.RSS)
//	}
//
// For a process-wide monitor, use Init, Latest and Shutdown.
package healthmon
