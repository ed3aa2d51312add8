package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ICE-QTM/SSMiSS/internal/anc"
	"github.com/ICE-QTM/SSMiSS/internal/api"
	"github.com/ICE-QTM/SSMiSS/internal/approach"
	"github.com/ICE-QTM/SSMiSS/internal/config"
	"github.com/ICE-QTM/SSMiSS/internal/daq"
	"github.com/ICE-QTM/SSMiSS/internal/heatmap"
	"github.com/ICE-QTM/SSMiSS/internal/program"
	"github.com/ICE-QTM/SSMiSS/internal/scan"
	"github.com/ICE-QTM/SSMiSS/internal/scandb"
	"github.com/ICE-QTM/SSMiSS/internal/serialport"
	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
	"github.com/ICE-QTM/SSMiSS/internal/version"
	"github.com/ICE-QTM/SSMiSS/internal/waveform"
)

var (
	listen      = flag.String("listen", ":8080", "Listen address for the control API")
	dbFile      = flag.String("db", "scan_data.db", "SQLite file for scan runs and samples")
	serialPort  = flag.String("serial", "", "Serial port of the ANC150 (empty disables the stepper)")
	configFile  = flag.String("config", "", "JSON config file; explicit flags take precedence")
	programFile = flag.String("program", "", "Run a scan program from this JSON file and exit")
)

// resolveSettings merges the config file (if any) with the command line.
// Explicitly set flags win over the file, the file wins over defaults.
func resolveSettings() (config.Settings, error) {
	settings := config.Defaults()
	if *configFile != "" {
		var err error
		settings, err = config.Load(*configFile)
		if err != nil {
			return config.Settings{}, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			settings.Listen = *listen
		case "db":
			settings.DBFile = *dbFile
		case "serial":
			settings.SerialPort = *serialPort
		}
	})
	return settings, nil
}

// simSignal synthesizes a strain-gauge-like trace for the simulated DAQ:
// a slow sinusoid with a little noise on channel 0, a flat reference on
// the remaining channels.
func simSignal(ch, i int) float64 {
	if ch != 0 {
		return 0.1 * float64(ch)
	}
	return 5e-6*math.Sin(float64(i)/5000) + 1e-8*rand.NormFloat64()
}

func main() {
	flag.Parse()
	log.Printf("SSMiSS %s (%s)", version.Version, version.GitSHA)

	settings, err := resolveSettings()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if settings.Listen == "" && *programFile == "" {
		log.Fatal("Listen address is required")
	}

	dev := daq.NewSimDevice(timeutil.RealClock{}, simSignal)
	ctrl := scan.New(dev, timeutil.RealClock{})

	// A typed-nil *anc.ANC150 must not leak into the interfaces: leave
	// them nil when no serial port was given so the API reports the
	// stepper as absent.
	var apiStepper api.Stepper
	var machineStepper approach.Stepper
	if settings.SerialPort != "" {
		stepper, err := anc.Dial(settings.SerialPort, serialport.Open, timeutil.RealClock{})
		if err != nil {
			log.Fatalf("failed to open ANC150 on %s: %v", settings.SerialPort, err)
		}
		defer stepper.Close()
		apiStepper = stepper
		machineStepper = stepper
	}
	machine := approach.NewMachine(machineStepper, timeutil.RealClock{})

	store, err := scandb.Open(settings.DBFile)
	if err != nil {
		log.Fatalf("Failed to open scan database: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *programFile != "" {
		if err := runProgram(ctx, ctrl, store, *programFile); err != nil {
			log.Fatalf("program run failed: %v", err)
		}
		return
	}

	server := api.NewServer(dev, timeutil.RealClock{}, ctrl, machine, apiStepper, store)
	server.ScannerGain = settings.ScannerGain
	defer server.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		httpServer := &http.Server{
			Addr:    settings.Listen,
			Handler: api.LoggingMiddleware(server.ServeMux()),
		}

		go func() {
			log.Printf("control API listening on %s", settings.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// runProgram executes every entry of a scan program sequentially, logging
// each entry to the store as its own run.
func runProgram(ctx context.Context, ctrl *scan.Controller, store *scandb.Store, path string) error {
	entries, err := program.Load(path)
	if err != nil {
		return err
	}
	log.Printf("loaded program %s: %d entries", path, len(entries))

	seq := scan.NewSequencer(ctrl)
	seq.OnProgress = func(p scan.Progress) {
		log.Printf("program entry %d/%d starting", p.Index+1, p.Total)
	}
	seq.OnEntry = func(i int, entry program.Entry, opts *scan.Options) {
		if !entry.Log {
			return
		}
		region := entry.Region()
		runID := uuid.NewString()
		groupName := waveform.GroupName(region, entry.GroupName)
		err := store.CreateRun(scandb.Run{
			ID:        runID,
			GroupName: groupName,
			DataRate:  region.SampleRate,
			Status:    scandb.StatusRunning,
			StartedAt: time.Now(),
		})
		if err != nil {
			log.Printf("failed to create run for entry %d: %v", i, err)
			return
		}
		opts.OnRow = func(row int, chunk [][]float64, voltages, means []float64) {
			if err := store.InsertRowMeans(runID, row, voltages, means); err != nil {
				log.Printf("failed to store row means: %v", err)
			}
			if err := store.InsertSamples(runID, row*len(chunk[0]), chunk); err != nil {
				log.Printf("failed to store samples: %v", err)
			}
		}
		opts.OnTransition = func(tr scan.Transition) {
			if tr.State != scan.StateComplete && tr.State != scan.StateAborted {
				return
			}
			status := scandb.StatusComplete
			if tr.State == scan.StateAborted {
				status = scandb.StatusAborted
			}
			if err := store.FinishRun(runID, status, time.Now()); err != nil {
				log.Printf("failed to finish run: %v", err)
			}
			log.Printf("run %s (%s) finished: %s", runID, groupName, status)

			if entry.MakeHeatmap && status == scandb.StatusComplete {
				path := entry.FileName
				if path == "" {
					path = groupName + ".png"
				}
				if err := writeHeatmap(store, runID, path); err != nil {
					log.Printf("failed to write heatmap for run %s: %v", runID, err)
				}
			}
		}
	}

	if err := seq.Run(ctx, entries, scan.Options{}); err != nil {
		return fmt.Errorf("sequencer: %w", err)
	}
	log.Printf("program complete: %d entries", len(entries))
	return nil
}

// writeHeatmap renders a completed run's row means as a PNG file.
func writeHeatmap(store *scandb.Store, runID, path string) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	region, err := waveform.ParseGroupName(run.GroupName)
	if err != nil {
		return err
	}
	targets, rows, err := store.Grid(runID)
	if err != nil {
		return err
	}
	g, err := heatmap.FromRows(targets, region.LowerY, region.UpperY, region.YSteps, rows)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := g.RenderPNG(f, run.GroupName); err != nil {
		return err
	}
	log.Printf("wrote heatmap %s", path)
	return nil
}
